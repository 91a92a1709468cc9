package order

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shopline/pkg/bus"
	"shopline/pkg/events"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*Order)}
}

func (s *memStore) Insert(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, orderID uuid.UUID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID.String()]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) ListByUser(_ context.Context, userID uuid.UUID) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.UserID == userID.String() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *memStore) MarkPaid(_ context.Context, orderID uuid.UUID, paymentID, method string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID.String()]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return false, nil
	}
	o.Status = StatusConfirmed
	o.PaymentStatus = PaymentPaid
	o.PaymentID = paymentID
	o.PaymentMethod = method
	o.PaidAt = &paidAt
	return true, nil
}

func (s *memStore) MarkPaymentFailed(_ context.Context, orderID uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID.String()]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return false, nil
	}
	o.Status = StatusCancelled
	o.PaymentStatus = PaymentFailed
	o.CancelReason = reason
	return true, nil
}

func (s *memStore) Cancel(_ context.Context, orderID uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID.String()]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return false, nil
	}
	o.Status = StatusCancelled
	o.CancelReason = reason
	return true, nil
}

type recordingHub struct {
	mu      sync.Mutex
	updates []string
}

func (h *recordingHub) BroadcastOrderUpdate(orderID, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, orderID+":"+status)
}

func (h *recordingHub) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.updates...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func successEnvelope(t *testing.T, orderID string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.PaymentSuccess, "payment-service", "corr-1", events.PaymentSuccessData{
		PaymentID: "pay-1",
		OrderID:   orderID,
		Method:    "account_balance",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestCreatePublishesOrderCreated(t *testing.T) {
	t.Parallel()

	m := bus.NewMemory("order-service")
	svc := NewService(newMemStore(), m, nil, testLogger())

	o, err := svc.Create(context.Background(), NewOrder{
		UserID:   uuid.New(),
		Items:    []Item{{ProductID: "p-1", Quantity: 2, Price: 1500}},
		Announce: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Total != 3000 {
		t.Errorf("total = %d, want 3000", o.Total)
	}
	if o.Status != StatusPending || o.PaymentStatus != PaymentPending {
		t.Errorf("new order state = %s/%s", o.Status, o.PaymentStatus)
	}

	pubs := m.Published()
	if len(pubs) != 1 || pubs[0].EventType != events.OrderCreated {
		t.Fatalf("published = %+v", pubs)
	}
}

func TestCreateWithoutAnnounceStaysSilent(t *testing.T) {
	t.Parallel()

	m := bus.NewMemory("order-service")
	svc := NewService(newMemStore(), m, nil, testLogger())

	_, err := svc.Create(context.Background(), NewOrder{
		UserID: uuid.New(),
		Items:  []Item{{ProductID: "p-1", Quantity: 1, Price: 100}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pubs := m.Published(); len(pubs) != 0 {
		t.Errorf("expected no events, got %+v", pubs)
	}
}

func TestCreateSurvivesBusOutage(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), bus.Degraded{}, nil, testLogger())

	o, err := svc.Create(context.Background(), NewOrder{
		UserID:   uuid.New(),
		Items:    []Item{{ProductID: "p-1", Quantity: 1, Price: 100}},
		Announce: true,
	})
	if err != nil {
		t.Fatalf("create should succeed despite publish failure: %v", err)
	}
	if o.Status != StatusPending {
		t.Errorf("status = %s", o.Status)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), bus.NewMemory("order-service"), nil, testLogger())

	if _, err := svc.Create(context.Background(), NewOrder{UserID: uuid.New()}); err == nil {
		t.Error("expected error for empty items")
	}
	_, err := svc.Create(context.Background(), NewOrder{
		UserID: uuid.New(),
		Items:  []Item{{ProductID: "p-1", Quantity: 0, Price: 100}},
	})
	if err == nil {
		t.Error("expected error for zero quantity")
	}
}

func TestPaymentSuccessConfirmsOrder(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	hub := &recordingHub{}
	svc := NewService(store, bus.NewMemory("order-service"), hub, testLogger())

	o, err := svc.Create(context.Background(), NewOrder{
		UserID: uuid.New(),
		Items:  []Item{{ProductID: "p-1", Quantity: 1, Price: 100}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.HandleEvent(context.Background(), successEnvelope(t, o.ID)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), uuid.MustParse(o.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid {
		t.Errorf("order state = %s/%s", got.Status, got.PaymentStatus)
	}
	if got.PaymentID != "pay-1" {
		t.Errorf("payment id = %q", got.PaymentID)
	}
	updates := hub.all()
	if len(updates) != 1 || updates[0] != o.ID+":confirmed" {
		t.Errorf("broadcasts = %v", updates)
	}
}

func TestPaymentSuccessIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	hub := &recordingHub{}
	svc := NewService(store, bus.NewMemory("order-service"), hub, testLogger())

	o, err := svc.Create(context.Background(), NewOrder{
		UserID: uuid.New(),
		Items:  []Item{{ProductID: "p-1", Quantity: 1, Price: 100}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env := successEnvelope(t, o.ID)
	for i := 0; i < 3; i++ {
		if err := svc.HandleEvent(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if updates := hub.all(); len(updates) != 1 {
		t.Errorf("broadcasts = %v, want exactly one", updates)
	}
}

func TestPaymentSuccessForUnknownOrderIsRetryable(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), bus.NewMemory("order-service"), nil, testLogger())

	err := svc.HandleEvent(context.Background(), successEnvelope(t, uuid.NewString()))
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestPaymentFailureCancelsAndAnnounces(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := bus.NewMemory("order-service")
	hub := &recordingHub{}
	svc := NewService(store, m, hub, testLogger())

	o, err := svc.Create(context.Background(), NewOrder{
		UserID: uuid.New(),
		Items:  []Item{{ProductID: "p-1", Quantity: 1, Price: 100}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env, err := events.NewEnvelope(events.PaymentFailed, "payment-service", "corr-9", events.PaymentFailedData{
		OrderID: o.ID,
		UserID:  o.UserID,
		Reason:  "insufficient_funds",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := svc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), uuid.MustParse(o.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentFailed {
		t.Errorf("order state = %s/%s", got.Status, got.PaymentStatus)
	}
	if got.CancelReason != "insufficient_funds" {
		t.Errorf("cancel reason = %q", got.CancelReason)
	}

	pubs := m.Published()
	if len(pubs) != 1 || pubs[0].EventType != events.OrderCancelled {
		t.Fatalf("published = %+v", pubs)
	}
	if pubs[0].Metadata.CorrelationID != "corr-9" {
		t.Errorf("correlation id = %q, want corr-9", pubs[0].Metadata.CorrelationID)
	}

	// A redelivery after the terminal transition publishes nothing more.
	if err := svc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if pubs := m.Published(); len(pubs) != 1 {
		t.Errorf("redelivery published again: %+v", pubs)
	}
}

func TestHandleEventIgnoresForeignTypes(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), bus.NewMemory("order-service"), nil, testLogger())

	env, err := events.NewEnvelope(events.ShippingScheduled, "test", "corr", map[string]string{})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := svc.HandleEvent(context.Background(), env); err != nil {
		t.Errorf("unknown event should be acknowledged, got %v", err)
	}
}

func TestCancelIsNoopAfterTerminalState(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	hub := &recordingHub{}
	svc := NewService(store, bus.NewMemory("order-service"), hub, testLogger())

	o, err := svc.Create(context.Background(), NewOrder{
		UserID: uuid.New(),
		Items:  []Item{{ProductID: "p-1", Quantity: 1, Price: 100}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.HandleEvent(context.Background(), successEnvelope(t, o.ID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := svc.Cancel(context.Background(), uuid.MustParse(o.ID), "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := store.Get(context.Background(), uuid.MustParse(o.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("confirmed order was cancelled: %s", got.Status)
	}
}
