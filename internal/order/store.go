package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrOrderNotFound = errors.New("order not found")

// Store is the order service's persistence port. All transition methods
// are conditional on the order still being pending, so duplicate or
// concurrent applications are reported as applied=false instead of
// overwriting a terminal state.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID uuid.UUID) (*Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
	MarkPaid(ctx context.Context, orderID uuid.UUID, paymentID, method string, paidAt time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID uuid.UUID, reason string) (bool, error)
	Cancel(ctx context.Context, orderID uuid.UUID, reason string) (bool, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Insert(ctx context.Context, o *Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, total, currency, status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.UserID, o.Total, o.Currency, o.Status, o.PaymentStatus, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)`,
			o.ID, item.ProductID, item.Quantity, item.Price,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PgStore) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, total, currency, status, payment_status,
		       COALESCE(payment_id, ''), COALESCE(payment_method, ''), paid_at,
		       COALESCE(cancel_reason, ''), created_at, updated_at
		FROM orders
		WHERE id = $1`, orderID,
	).Scan(&o.ID, &o.UserID, &o.Total, &o.Currency, &o.Status, &o.PaymentStatus,
		&o.PaymentID, &o.PaymentMethod, &o.PaidAt, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT product_id, quantity, price
		FROM order_items
		WHERE order_id = $1`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}

	return &o, rows.Err()
}

func (s *PgStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, total, currency, status, payment_status, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Total, &o.Currency, &o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}

	return result, rows.Err()
}

func (s *PgStore) MarkPaid(ctx context.Context, orderID uuid.UUID, paymentID, method string, paidAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, payment_id = $4, payment_method = $5,
		    paid_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7`,
		orderID, StatusConfirmed, PaymentPaid, paymentID, method, paidAt, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.explainNoop(ctx, orderID)
	}
	return true, nil
}

func (s *PgStore) MarkPaymentFailed(ctx context.Context, orderID uuid.UUID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, cancel_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		orderID, StatusCancelled, PaymentFailed, reason, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.explainNoop(ctx, orderID)
	}
	return true, nil
}

func (s *PgStore) Cancel(ctx context.Context, orderID uuid.UUID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, cancel_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		orderID, StatusCancelled, reason, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.explainNoop(ctx, orderID)
	}
	return true, nil
}

// explainNoop tells a guarded update that matched nothing apart from "the
// row truly does not exist", which callers treat as retryable.
func (s *PgStore) explainNoop(ctx context.Context, orderID uuid.UUID) error {
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	return err
}
