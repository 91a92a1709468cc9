// Package saga holds the synchronous checkout coordinator: the explicit,
// orchestrated alternative to the event-driven checkout flow. It runs the
// steps in a fixed order and unwinds best-effort compensations when one
// fails.
package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"shopline/pkg/events"
)

type CartClient interface {
	Validate(ctx context.Context, userID uuid.UUID) ([]events.OrderItem, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

type StockClient interface {
	Reserve(ctx context.Context, items []events.OrderItem) error
	Release(ctx context.Context, items []events.OrderItem) error
}

type OrderClient interface {
	Create(ctx context.Context, userID uuid.UUID, items []events.OrderItem, currency string) (string, error)
	Cancel(ctx context.Context, orderID, reason string) error
}

type PaymentClient interface {
	Capture(ctx context.Context, orderID string, userID uuid.UUID, amount int64, currency string) (string, error)
	Cancel(ctx context.Context, paymentID string) error
}

type Coordinator struct {
	cart     CartClient
	stock    StockClient
	orders   OrderClient
	payments PaymentClient
	logger   *slog.Logger
}

func NewCoordinator(cart CartClient, stock StockClient, orders OrderClient, payments PaymentClient, logger *slog.Logger) *Coordinator {
	return &Coordinator{cart: cart, stock: stock, orders: orders, payments: payments, logger: logger}
}

type Result struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Total     int64  `json:"total"`
	Currency  string `json:"currency"`
}

type step struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error

	// compensateOwnFailure registers the compensation even when the step
	// itself is the one that failed. Only capture needs it: a payment
	// record can exist despite the call erroring, and its compensation
	// no-ops when no payment id came back. Transactional steps must not
	// set it; compensating work that never happened would corrupt state.
	compensateOwnFailure bool
}

// Checkout runs validate cart → reserve stock → create order → capture
// payment → clear cart. When a step fails, the compensations of the steps
// that completed run in reverse; the failing capture step additionally
// voids any payment it produced. Compensation failures are logged and
// never change the outcome: the caller always gets the original step
// error.
func (c *Coordinator) Checkout(ctx context.Context, userID uuid.UUID, currency string) (*Result, error) {
	if currency == "" {
		currency = "USD"
	}

	var (
		items     []events.OrderItem
		orderID   string
		paymentID string
		total     int64
	)

	steps := []step{
		{
			name: "validate_cart",
			run: func(ctx context.Context) error {
				var err error
				items, err = c.cart.Validate(ctx, userID)
				if err != nil {
					return err
				}
				for _, item := range items {
					total += item.Price * int64(item.Quantity)
				}
				return nil
			},
		},
		{
			name: "reserve_stock",
			run: func(ctx context.Context) error {
				return c.stock.Reserve(ctx, items)
			},
			compensate: func(ctx context.Context) error {
				return c.stock.Release(ctx, items)
			},
		},
		{
			name: "create_order",
			run: func(ctx context.Context) error {
				var err error
				orderID, err = c.orders.Create(ctx, userID, items, currency)
				return err
			},
			compensate: func(ctx context.Context) error {
				return c.orders.Cancel(ctx, orderID, "checkout failed")
			},
		},
		{
			name: "capture_payment",
			run: func(ctx context.Context) error {
				var err error
				paymentID, err = c.payments.Capture(ctx, orderID, userID, total, currency)
				return err
			},
			compensate: func(ctx context.Context) error {
				if paymentID == "" {
					// Capture never produced a payment; nothing to void.
					return nil
				}
				return c.payments.Cancel(ctx, paymentID)
			},
			compensateOwnFailure: true,
		},
		{
			name: "clear_cart",
			run: func(ctx context.Context) error {
				return c.cart.Clear(ctx, userID)
			},
		},
	}

	var compensations []step
	for _, st := range steps {
		if err := st.run(ctx); err != nil {
			if st.compensate != nil && st.compensateOwnFailure {
				compensations = append(compensations, st)
			}
			c.logger.Error("checkout step failed", "step", st.name,
				"user_id", userID, "order_id", orderID, "err", err)
			c.unwind(ctx, compensations)
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
		if st.compensate != nil {
			compensations = append(compensations, st)
		}
	}

	c.logger.Info("checkout completed", "user_id", userID,
		"order_id", orderID, "payment_id", paymentID, "total", total)
	return &Result{OrderID: orderID, PaymentID: paymentID, Total: total, Currency: currency}, nil
}

func (c *Coordinator) unwind(ctx context.Context, compensations []step) {
	for i := len(compensations) - 1; i >= 0; i-- {
		st := compensations[i]
		if err := st.compensate(ctx); err != nil {
			c.logger.Error("compensation failed", "step", st.name, "err", err)
			continue
		}
		c.logger.Info("compensation applied", "step", st.name)
	}
}
