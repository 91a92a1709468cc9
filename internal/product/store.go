package product

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopline/pkg/events"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Stock     int       `json:"stock"`
	Reserved  int       `json:"reserved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the product service's persistence port. Decrement adjusts a
// single product and distinguishes domain failures (missing product, short
// stock) from infrastructure ones; Reserve and Release are all-or-nothing
// across the given items.
type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, productID string) (*Product, error)
	Decrement(ctx context.Context, productID string, qty int) error
	Reserve(ctx context.Context, items []events.OrderItem) error
	Release(ctx context.Context, items []events.OrderItem) error
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, p *Product) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		p.ID, p.Name, p.Price, p.Stock, now,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, productID string) (*Product, error) {
	var p Product
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, price, stock, reserved, created_at, updated_at
		FROM products
		WHERE id = $1`, productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Reserved, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// Decrement takes qty out of stock if enough is available. The guard in
// the WHERE clause makes concurrent decrements safe without locking.
func (s *PgStore) Decrement(ctx context.Context, productID string, qty int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2`,
		productID, qty,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var stock int
	err = s.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("check stock: %w", err)
	}
	return fmt.Errorf("%w: have %d, want %d", ErrInsufficientStock, stock, qty)
}

// Reserve moves quantity from stock into reserved for every item, or for
// none of them.
func (s *PgStore) Reserve(ctx context.Context, items []events.OrderItem) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		tag, err := tx.Exec(ctx, `
			UPDATE products
			SET stock = stock - $2, reserved = reserved + $2, updated_at = NOW()
			WHERE id = $1 AND stock >= $2`,
			item.ProductID, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", item.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("reserve %s: %w", item.ProductID, ErrInsufficientStock)
		}
	}

	return tx.Commit(ctx)
}

// Release returns reserved quantity to stock; the compensation for Reserve.
func (s *PgStore) Release(ctx context.Context, items []events.OrderItem) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		_, err := tx.Exec(ctx, `
			UPDATE products
			SET stock = stock + $2, reserved = GREATEST(reserved - $2, 0), updated_at = NOW()
			WHERE id = $1`,
			item.ProductID, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("release %s: %w", item.ProductID, err)
		}
	}

	return tx.Commit(ctx)
}
