package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Item struct {
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Price     int64     `json:"price"`
	AddedAt   time.Time `json:"added_at"`
}

// Store is the cart service's persistence port.
type Store interface {
	Get(ctx context.Context, userID uuid.UUID) ([]Item, error)
	Replace(ctx context.Context, userID uuid.UUID, items []Item) error
	Clear(ctx context.Context, userID uuid.UUID) (int, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Get(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, quantity, price, added_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY added_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price, &item.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Replace swaps the user's cart contents in one transaction.
func (s *PgStore) Replace(ctx context.Context, userID uuid.UUID, items []Item) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	now := time.Now().UTC()
	for _, item := range items {
		_, err := tx.Exec(ctx, `
			INSERT INTO cart_items (user_id, product_id, quantity, price, added_at)
			VALUES ($1, $2, $3, $4, $5)`,
			userID, item.ProductID, item.Quantity, item.Price, now,
		)
		if err != nil {
			return fmt.Errorf("insert cart item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Clear removes the user's cart and reports how many items it held.
// Clearing an empty cart is fine and returns zero.
func (s *PgStore) Clear(ctx context.Context, userID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
