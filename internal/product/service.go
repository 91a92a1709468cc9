package product

import (
	"context"
	"errors"
	"log/slog"

	"shopline/pkg/bus"
	"shopline/pkg/events"
)

const serviceName = "product-service"

type Service struct {
	store  Store
	bus    bus.Bus
	logger *slog.Logger
}

func NewService(store Store, b bus.Bus, logger *slog.Logger) *Service {
	return &Service{store: store, bus: b, logger: logger}
}

func (s *Service) Create(ctx context.Context, p *Product) error {
	return s.store.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, productID string) (*Product, error) {
	return s.store.Get(ctx, productID)
}

func (s *Service) Reserve(ctx context.Context, items []events.OrderItem) error {
	return s.store.Reserve(ctx, items)
}

func (s *Service) Release(ctx context.Context, items []events.OrderItem) error {
	return s.store.Release(ctx, items)
}

// HandleEvent reacts to order.created by decrementing stock per line item.
// A bad item (missing product, short stock) is recorded and skipped rather
// than failing the message, and already-adjusted items are not rolled
// back. Infrastructure errors do fail the message so it retries.
func (s *Service) HandleEvent(ctx context.Context, env events.Envelope) error {
	payload, err := events.Decode(env)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			return nil
		}
		return err
	}

	data, ok := payload.(*events.OrderCreatedData)
	if !ok {
		return nil
	}

	var (
		adjusted []events.StockAdjustment
		failed   []events.StockError
	)

	for _, item := range data.Items {
		err := s.store.Decrement(ctx, item.ProductID, item.Quantity)
		switch {
		case err == nil:
			adjusted = append(adjusted, events.StockAdjustment{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrInsufficientStock):
			failed = append(failed, events.StockError{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Reason:    err.Error(),
			})
		default:
			return err
		}
	}

	if len(failed) > 0 {
		s.logger.Warn("partial stock adjustment",
			"order_id", data.OrderID, "adjusted", len(adjusted), "failed", len(failed),
			"errors", failed, "correlation_id", env.Metadata.CorrelationID)
	} else {
		s.logger.Info("stock adjusted", "order_id", data.OrderID,
			"items", len(adjusted), "correlation_id", env.Metadata.CorrelationID)
	}

	_, err = s.bus.Publish(ctx, events.StockUpdated, events.StockUpdatedData{
		OrderID:  data.OrderID,
		Adjusted: adjusted,
		Errors:   failed,
	}, bus.WithCorrelation(env.Metadata.CorrelationID))
	if err != nil {
		s.logger.Error("publish stock.updated failed", "order_id", data.OrderID, "err", err)
	}
	return nil
}

// RoutingKeys lists the events the product service consumes.
func RoutingKeys() []string {
	return []string{events.OrderCreated}
}

func ServiceName() string { return serviceName }
