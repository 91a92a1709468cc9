package cart

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"shopline/pkg/bus"
	"shopline/pkg/events"
)

type memStore struct {
	mu    sync.Mutex
	carts map[string][]Item
}

func newMemStore() *memStore {
	return &memStore{carts: make(map[string][]Item)}
}

func (s *memStore) Get(_ context.Context, userID uuid.UUID) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.carts[userID.String()]...), nil
}

func (s *memStore) Replace(_ context.Context, userID uuid.UUID, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[userID.String()] = append([]Item(nil), items...)
	return nil
}

func (s *memStore) Clear(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.carts[userID.String()])
	delete(s.carts, userID.String())
	return n, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paymentSuccessEnvelope(t *testing.T, userID uuid.UUID, orderID string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.PaymentSuccess, "payment-service", "corr-3", events.PaymentSuccessData{
		PaymentID: "pay-1",
		OrderID:   orderID,
		UserID:    userID.String(),
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestPaymentSuccessClearsCartOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := bus.NewMemory("cart-service")
	svc := NewService(store, m, testLogger())

	userID := uuid.New()
	err := svc.Replace(context.Background(), userID, []Item{
		{ProductID: "p-1", Quantity: 2, Price: 1500},
		{ProductID: "p-2", Quantity: 1, Price: 700},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	env := paymentSuccessEnvelope(t, userID, "o-1")
	if err := svc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	items, err := svc.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("cart not cleared: %+v", items)
	}

	pubs := m.Published()
	if len(pubs) != 1 || pubs[0].EventType != events.CartCleared {
		t.Fatalf("published = %+v", pubs)
	}
	if pubs[0].Metadata.CorrelationID != "corr-3" {
		t.Errorf("correlation id = %q", pubs[0].Metadata.CorrelationID)
	}
	payload, err := events.Decode(pubs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data := payload.(*events.CartClearedData); data.Items != 2 || data.OrderID != "o-1" {
		t.Errorf("payload = %+v", data)
	}

	// Duplicate delivery finds an empty cart and announces nothing.
	if err := svc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if pubs := m.Published(); len(pubs) != 1 {
		t.Errorf("redelivery published again: %+v", pubs)
	}
}

func TestCartUntouchedByOtherEvents(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := bus.NewMemory("cart-service")
	svc := NewService(store, m, testLogger())

	userID := uuid.New()
	if err := svc.Replace(context.Background(), userID, []Item{{ProductID: "p-1", Quantity: 1, Price: 100}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	env, err := events.NewEnvelope(events.PaymentFailed, "payment-service", "corr", events.PaymentFailedData{
		UserID: userID.String(),
		Reason: "insufficient_funds",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := svc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	items, err := svc.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("cart must survive a failed payment, got %+v", items)
	}
	if pubs := m.Published(); len(pubs) != 0 {
		t.Errorf("published = %+v", pubs)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	svc := NewService(store, bus.NewMemory("cart-service"), testLogger())
	userID := uuid.New()

	if _, err := svc.Validate(context.Background(), userID); err == nil {
		t.Error("expected error for empty cart")
	}

	if err := svc.Replace(context.Background(), userID, []Item{{ProductID: "p-1", Quantity: 1, Price: 100}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	items, err := svc.Validate(context.Background(), userID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %+v", items)
	}
}

func TestReplaceRejectsNonPositiveQuantity(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), bus.NewMemory("cart-service"), testLogger())
	err := svc.Replace(context.Background(), uuid.New(), []Item{{ProductID: "p-1", Quantity: 0, Price: 100}})
	if err == nil {
		t.Error("expected error for zero quantity")
	}
}
