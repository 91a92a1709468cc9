package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"shopline/pkg/bus"
	"shopline/pkg/events"
)

const serviceName = "payment-service"

type Processor struct {
	store    Store
	capturer Capturer
	bus      bus.Bus
	logger   *slog.Logger
}

func NewProcessor(store Store, capturer Capturer, b bus.Bus, logger *slog.Logger) *Processor {
	return &Processor{store: store, capturer: capturer, bus: b, logger: logger}
}

// HandleEvent is the payment service's reaction dispatch.
func (p *Processor) HandleEvent(ctx context.Context, env events.Envelope) error {
	payload, err := events.Decode(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			return nil
		}
		return err
	}

	if data, ok := payload.(*events.OrderCreatedData); ok {
		return p.handleOrderCreated(ctx, env, data)
	}
	return nil
}

// handleOrderCreated attempts exactly one capture per order. A redelivered
// order.created for an order that already has a terminal payment is a
// no-op: the outcome event went out with the first delivery, and if it was
// lost the saga is stalled, not corrupted.
func (p *Processor) handleOrderCreated(ctx context.Context, env events.Envelope, data *events.OrderCreatedData) error {
	orderID, err := uuid.Parse(data.OrderID)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", data.OrderID, err)
	}
	userID, err := uuid.Parse(data.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", data.UserID, err)
	}

	existing, err := p.store.GetByOrderID(ctx, orderID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return fmt.Errorf("lookup payment for order %s: %w", data.OrderID, err)
	}
	if existing != nil && existing.Terminal() {
		p.logger.Info("duplicate order.created, payment already settled",
			"order_id", data.OrderID, "payment_status", existing.Status,
			"correlation_id", env.Metadata.CorrelationID)
		return nil
	}

	pay, err := p.capture(ctx, CaptureRequest{
		OrderID:  orderID,
		UserID:   userID,
		Amount:   data.Total,
		Currency: data.Currency,
	})
	if err != nil {
		return fmt.Errorf("capture for order %s: %w", data.OrderID, err)
	}

	p.publishOutcome(ctx, env.Metadata.CorrelationID, pay)
	return nil
}

type CaptureRequest struct {
	OrderID  uuid.UUID
	UserID   uuid.UUID
	Amount   int64
	Currency string
}

// Capture is the synchronous entry point used by POST /payments and the
// checkout coordinator. It settles the payment record but publishes
// nothing; the event-driven path owns the announcements.
func (p *Processor) Capture(ctx context.Context, req CaptureRequest) (*Payment, error) {
	pay, err := p.capture(ctx, req)
	if err != nil {
		return nil, err
	}
	if pay.Status == StatusFailed {
		return pay, &DeclineError{Code: pay.Reason}
	}
	return pay, nil
}

func (p *Processor) capture(ctx context.Context, req CaptureRequest) (*Payment, error) {
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	pay, err := p.store.UpsertPending(ctx, &Payment{
		ID:       uuid.NewString(),
		OrderID:  req.OrderID.String(),
		UserID:   req.UserID.String(),
		Amount:   req.Amount,
		Currency: currency,
		Method:   MethodAccountBalance,
	})
	if err != nil {
		return nil, err
	}
	if pay.Terminal() {
		return pay, nil
	}

	paymentID, err := uuid.Parse(pay.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid payment id: %w", err)
	}

	captureErr := p.capturer.Capture(ctx, req.UserID, req.OrderID, req.Amount)
	switch {
	case captureErr == nil:
		if _, err := p.store.MarkCompleted(ctx, paymentID); err != nil {
			return nil, err
		}
		pay.Status = StatusCompleted
	case errors.Is(captureErr, ErrDeclined):
		reason := DeclineReason(captureErr)
		if _, err := p.store.MarkFailed(ctx, paymentID, reason); err != nil {
			return nil, err
		}
		pay.Status = StatusFailed
		pay.Reason = reason
	default:
		// Infrastructure failure: leave the record pending and let the
		// message (or caller) retry.
		return nil, captureErr
	}

	return pay, nil
}

func (p *Processor) publishOutcome(ctx context.Context, correlationID string, pay *Payment) {
	var (
		eventType string
		payload   any
	)
	if pay.Status == StatusCompleted {
		eventType = events.PaymentSuccess
		payload = events.PaymentSuccessData{
			PaymentID: pay.ID,
			OrderID:   pay.OrderID,
			UserID:    pay.UserID,
			Amount:    pay.Amount,
			Currency:  pay.Currency,
			Method:    pay.Method,
		}
	} else {
		eventType = events.PaymentFailed
		payload = events.PaymentFailedData{
			OrderID: pay.OrderID,
			UserID:  pay.UserID,
			Reason:  pay.Reason,
			Code:    pay.Reason,
		}
	}

	if _, err := p.bus.Publish(ctx, eventType, payload, bus.WithCorrelation(correlationID)); err != nil {
		p.logger.Error("publish payment outcome failed",
			"event", eventType, "order_id", pay.OrderID, "err", err)
		return
	}
	p.logger.Info("published payment outcome",
		"event", eventType, "order_id", pay.OrderID, "correlation_id", correlationID)
}

func (p *Processor) Get(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	return p.store.Get(ctx, paymentID)
}

// Cancel voids a payment for the coordinator's compensation path. A
// completed payment is refunded to the account; a pending one is simply
// closed. Cancelling an already-cancelled or failed payment is a no-op.
func (p *Processor) Cancel(ctx context.Context, paymentID uuid.UUID) error {
	pay, err := p.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}

	applied, err := p.store.MarkCancelled(ctx, paymentID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if pay.Status == StatusCompleted {
		userID, err := uuid.Parse(pay.UserID)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		orderID, err := uuid.Parse(pay.OrderID)
		if err != nil {
			return fmt.Errorf("invalid order id: %w", err)
		}
		if err := p.capturer.Refund(ctx, userID, orderID, pay.Amount); err != nil {
			return fmt.Errorf("refund payment %s: %w", pay.ID, err)
		}
	}

	p.logger.Info("payment cancelled", "payment_id", pay.ID, "order_id", pay.OrderID)
	return nil
}

// RoutingKeys lists the events the payment service consumes.
func RoutingKeys() []string {
	return []string{events.OrderCreated}
}

func ServiceName() string { return serviceName }
