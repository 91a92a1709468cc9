package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"shopline/pkg/bus"
	"shopline/pkg/events"
)

const serviceName = "cart-service"

type Service struct {
	store  Store
	bus    bus.Bus
	logger *slog.Logger
}

func NewService(store Store, b bus.Bus, logger *slog.Logger) *Service {
	return &Service{store: store, bus: b, logger: logger}
}

func (s *Service) Get(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	return s.store.Get(ctx, userID)
}

func (s *Service) Replace(ctx context.Context, userID uuid.UUID, items []Item) error {
	for _, item := range items {
		if item.Quantity <= 0 {
			return fmt.Errorf("item %s: quantity must be positive", item.ProductID)
		}
	}
	return s.store.Replace(ctx, userID, items)
}

// Validate is the pre-checkout check: the cart must hold at least one item.
func (s *Service) Validate(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	items, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("cart is empty")
	}
	return items, nil
}

func (s *Service) Clear(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.store.Clear(ctx, userID)
}

// HandleEvent reacts only to payment.success. The cart stays intact while
// payment is pending so a failed payment leaves the user able to retry
// checkout without re-adding items.
func (s *Service) HandleEvent(ctx context.Context, env events.Envelope) error {
	payload, err := events.Decode(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			return nil
		}
		return err
	}

	data, ok := payload.(*events.PaymentSuccessData)
	if !ok {
		return nil
	}

	userID, err := uuid.Parse(data.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", data.UserID, err)
	}

	removed, err := s.store.Clear(ctx, userID)
	if err != nil {
		return fmt.Errorf("clear cart for user %s: %w", data.UserID, err)
	}
	if removed == 0 {
		// Already cleared (duplicate delivery) or never populated.
		s.logger.Info("cart already empty", "user_id", data.UserID,
			"correlation_id", env.Metadata.CorrelationID)
		return nil
	}

	s.logger.Info("cart cleared after payment", "user_id", data.UserID,
		"items", removed, "correlation_id", env.Metadata.CorrelationID)

	_, err = s.bus.Publish(ctx, events.CartCleared, events.CartClearedData{
		UserID:  data.UserID,
		OrderID: data.OrderID,
		Items:   removed,
	}, bus.WithCorrelation(env.Metadata.CorrelationID))
	if err != nil {
		s.logger.Error("publish cart.cleared failed", "user_id", data.UserID, "err", err)
	}
	return nil
}

// RoutingKeys lists the events the cart service consumes.
func RoutingKeys() []string {
	return []string{events.PaymentSuccess}
}

func ServiceName() string { return serviceName }
