package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"shopline/pkg/bus"
	"shopline/pkg/events"
)

const serviceName = "order-service"

// Broadcaster pushes order status transitions to subscribed clients.
type Broadcaster interface {
	BroadcastOrderUpdate(orderID, status string)
}

type Service struct {
	store  Store
	bus    bus.Bus
	hub    Broadcaster
	logger *slog.Logger
}

func NewService(store Store, b bus.Bus, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{store: store, bus: b, hub: hub, logger: logger}
}

type NewOrder struct {
	UserID   uuid.UUID
	Items    []Item
	Currency string

	// Announce controls whether order.created is published. The synchronous
	// checkout coordinator sets it false because it drives payment and stock
	// itself; letting the event loose as well would run the saga twice.
	Announce bool
}

// Create persists a pending order and, when announcing, publishes
// order.created. The publish is attempted only after the commit; a publish
// failure stalls the saga but never undoes the order.
func (s *Service) Create(ctx context.Context, req NewOrder) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("order has no items")
	}
	var total int64
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item %s: quantity must be positive", item.ProductID)
		}
		total += item.Price * int64(item.Quantity)
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	o := &Order{
		ID:            uuid.NewString(),
		UserID:        req.UserID.String(),
		Items:         req.Items,
		Total:         total,
		Currency:      currency,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Insert(ctx, o); err != nil {
		return nil, err
	}

	if req.Announce {
		s.publishCreated(ctx, o)
	}
	return o, nil
}

func (s *Service) publishCreated(ctx context.Context, o *Order) {
	items := make([]events.OrderItem, len(o.Items))
	for i, item := range o.Items {
		items[i] = events.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price}
	}

	corrID, err := s.bus.Publish(ctx, events.OrderCreated, events.OrderCreatedData{
		OrderID:  o.ID,
		UserID:   o.UserID,
		Items:    items,
		Total:    o.Total,
		Currency: o.Currency,
	})
	if err != nil {
		s.logger.Error("publish order.created failed", "order_id", o.ID, "err", err)
		return
	}
	s.logger.Info("published order.created", "order_id", o.ID, "correlation_id", corrID)
}

func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	return s.store.ListByUser(ctx, userID)
}

// Cancel backs the coordinator's compensation path. Cancelling an order
// that already left pending is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, reason string) error {
	applied, err := s.store.Cancel(ctx, orderID, reason)
	if err != nil {
		return err
	}
	if applied {
		s.broadcast(orderID.String(), StatusCancelled)
	}
	return nil
}

// HandleEvent is the order service's reaction dispatch. Events the service
// is not interested in are acknowledged untouched.
func (s *Service) HandleEvent(ctx context.Context, env events.Envelope) error {
	payload, err := events.Decode(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			return nil
		}
		return err
	}

	switch data := payload.(type) {
	case *events.PaymentSuccessData:
		return s.applyPaymentSuccess(ctx, env, data)
	case *events.PaymentFailedData:
		return s.applyPaymentFailure(ctx, env, data)
	default:
		return nil
	}
}

func (s *Service) applyPaymentSuccess(ctx context.Context, env events.Envelope, data *events.PaymentSuccessData) error {
	orderID, err := uuid.Parse(data.OrderID)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", data.OrderID, err)
	}

	applied, err := s.store.MarkPaid(ctx, orderID, data.PaymentID, data.Method, env.Metadata.Timestamp)
	if err != nil {
		// Not-found is retryable: the order write may not be visible yet.
		return fmt.Errorf("confirm order %s: %w", data.OrderID, err)
	}
	if !applied {
		s.logger.Info("payment.success already applied", "order_id", data.OrderID,
			"correlation_id", env.Metadata.CorrelationID)
		return nil
	}

	s.logger.Info("order confirmed", "order_id", data.OrderID,
		"payment_id", data.PaymentID, "correlation_id", env.Metadata.CorrelationID)
	s.broadcast(data.OrderID, StatusConfirmed)
	return nil
}

func (s *Service) applyPaymentFailure(ctx context.Context, env events.Envelope, data *events.PaymentFailedData) error {
	orderID, err := uuid.Parse(data.OrderID)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", data.OrderID, err)
	}

	applied, err := s.store.MarkPaymentFailed(ctx, orderID, data.Reason)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", data.OrderID, err)
	}
	if !applied {
		s.logger.Info("payment.failed already applied", "order_id", data.OrderID,
			"correlation_id", env.Metadata.CorrelationID)
		return nil
	}

	s.logger.Info("order cancelled after failed payment", "order_id", data.OrderID,
		"reason", data.Reason, "correlation_id", env.Metadata.CorrelationID)
	s.broadcast(data.OrderID, StatusCancelled)

	_, err = s.bus.Publish(ctx, events.OrderCancelled, events.OrderCancelledData{
		OrderID: data.OrderID,
		UserID:  data.UserID,
		Reason:  data.Reason,
	}, bus.WithCorrelation(env.Metadata.CorrelationID))
	if err != nil {
		s.logger.Error("publish order.cancelled failed", "order_id", data.OrderID, "err", err)
	}
	return nil
}

func (s *Service) broadcast(orderID string, status Status) {
	if s.hub != nil {
		s.hub.BroadcastOrderUpdate(orderID, string(status))
	}
}

// RoutingKeys lists the events the order service consumes.
func RoutingKeys() []string {
	return []string{events.PaymentSuccess, events.PaymentFailed}
}

// ServiceName is the consumer identity used for queue naming.
func ServiceName() string { return serviceName }
