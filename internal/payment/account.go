package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")

	// ErrDeclined matches domain capture failures. They produce a
	// payment.failed event instead of a message retry.
	ErrDeclined = errors.New("payment declined")
)

// DeclineError carries the reason code for a declined capture.
type DeclineError struct {
	Code string
}

func (e *DeclineError) Error() string { return "payment declined: " + e.Code }

func (e *DeclineError) Is(target error) bool { return target == ErrDeclined }

// DeclineReason extracts the reason code from a capture error, or returns
// "" when the error is not a decline.
func DeclineReason(err error) string {
	var decline *DeclineError
	if errors.As(err, &decline) {
		return decline.Code
	}
	return ""
}

// Decline reason codes carried on payment.failed events.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonAccountMissing    = "account_missing"
)

// Capturer moves money. The account-balance implementation below is the
// production one; tests substitute fakes.
type Capturer interface {
	Capture(ctx context.Context, userID, orderID uuid.UUID, amount int64) error
	Refund(ctx context.Context, userID, orderID uuid.UUID, amount int64) error
}

// Accounts manages user balances and performs captures against them.
type Accounts struct {
	pool *pgxpool.Pool
}

func NewAccounts(pool *pgxpool.Pool) *Accounts {
	return &Accounts{pool: pool}
}

func (a *Accounts) Create(ctx context.Context, userID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := a.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)`,
		userID, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (a *Accounts) Deposit(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1`, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrAccountNotFound
	}

	if err := a.record(ctx, tx, userID, uuid.Nil, amount, "deposit"); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	return a.Balance(ctx, userID)
}

func (a *Accounts) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := a.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// Capture debits the user's balance. Missing account and short balance are
// declines; everything else is infrastructure failure.
func (a *Accounts) Capture(ctx context.Context, userID, orderID uuid.UUID, amount int64) error {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT balance FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &DeclineError{Code: ReasonAccountMissing}
		}
		return fmt.Errorf("select balance: %w", err)
	}
	if balance < amount {
		return &DeclineError{Code: ReasonInsufficientFunds}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1`, userID, amount); err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}

	if err := a.record(ctx, tx, userID, orderID, amount, "debit"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Refund credits a captured amount back, used by payment cancellation.
func (a *Accounts) Refund(ctx context.Context, userID, orderID uuid.UUID, amount int64) error {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	if err := a.record(ctx, tx, userID, orderID, amount, "refund"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (a *Accounts) record(ctx context.Context, tx pgx.Tx, userID, orderID uuid.UUID, amount int64, kind string) error {
	var order any
	if orderID != uuid.Nil {
		order = orderID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO account_transactions (id, user_id, order_id, amount, kind)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), userID, order, amount, kind,
	)
	if err != nil {
		return fmt.Errorf("insert account transaction: %w", err)
	}
	return nil
}
