package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrPaymentNotFound = errors.New("payment not found")

// Store is the payment service's persistence port. payments.order_id is
// unique, which is what makes duplicate order.created deliveries converge
// on a single payment attempt.
type Store interface {
	Get(ctx context.Context, paymentID uuid.UUID) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Payment, error)
	UpsertPending(ctx context.Context, p *Payment) (*Payment, error)
	MarkCompleted(ctx context.Context, paymentID uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, paymentID uuid.UUID, reason string) (bool, error)
	MarkCancelled(ctx context.Context, paymentID uuid.UUID) (bool, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const paymentColumns = `id, order_id, user_id, amount, currency, status, method, COALESCE(reason, ''), created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency,
		&p.Status, &p.Method, &p.Reason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

func (s *PgStore) Get(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
}

func (s *PgStore) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
}

// UpsertPending inserts a pending payment for the order, or returns the row
// another delivery already created.
func (s *PgStore) UpsertPending(ctx context.Context, p *Payment) (*Payment, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, user_id, amount, currency, status, method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (order_id) DO NOTHING`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Currency, StatusPending, p.Method, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		orderID, err := uuid.Parse(p.OrderID)
		if err != nil {
			return nil, fmt.Errorf("invalid order id: %w", err)
		}
		return s.GetByOrderID(ctx, orderID)
	}

	out := *p
	out.Status = StatusPending
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

func (s *PgStore) MarkCompleted(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	return s.transition(ctx, paymentID, StatusCompleted, "")
}

func (s *PgStore) MarkFailed(ctx context.Context, paymentID uuid.UUID, reason string) (bool, error) {
	return s.transition(ctx, paymentID, StatusFailed, reason)
}

func (s *PgStore) MarkCancelled(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		paymentID, StatusCancelled, StatusPending, StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("cancel payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) transition(ctx context.Context, paymentID uuid.UUID, to Status, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, reason = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		paymentID, to, reason, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
