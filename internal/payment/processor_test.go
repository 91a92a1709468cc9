package payment

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
	mu      sync.Mutex
	byID    map[string]*Payment
	byOrder map[string]*Payment
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*Payment), byOrder: make(map[string]*Payment)}
}

func (s *memStore) Get(_ context.Context, paymentID uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[paymentID.String()]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetByOrderID(_ context.Context, orderID uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byOrder[orderID.String()]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpsertPending(_ context.Context, p *Payment) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byOrder[p.OrderID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *p
	cp.Status = StatusPending
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	s.byID[cp.ID] = &cp
	s.byOrder[cp.OrderID] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) MarkCompleted(_ context.Context, paymentID uuid.UUID) (bool, error) {
	return s.transition(paymentID, StatusCompleted, "")
}

func (s *memStore) MarkFailed(_ context.Context, paymentID uuid.UUID, reason string) (bool, error) {
	return s.transition(paymentID, StatusFailed, reason)
}

func (s *memStore) MarkCancelled(_ context.Context, paymentID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[paymentID.String()]
	if !ok {
		return false, nil
	}
	if p.Status != StatusPending && p.Status != StatusCompleted {
		return false, nil
	}
	p.Status = StatusCancelled
	return true, nil
}

func (s *memStore) transition(paymentID uuid.UUID, to Status, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[paymentID.String()]
	if !ok || p.Status != StatusPending {
		return false, nil
	}
	p.Status = to
	p.Reason = reason
	return true, nil
}

// fakeCapturer scripts the outcome of each capture attempt and records
// refunds.
type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	captures int
	refunds  int
}

func (c *fakeCapturer) Capture(context.Context, uuid.UUID, uuid.UUID, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++
	return c.err
}

func (c *fakeCapturer) Refund(context.Context, uuid.UUID, uuid.UUID, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func orderCreatedEnvelope(t *testing.T, orderID, userID uuid.UUID, total int64) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.OrderCreated, "order-service", "corr-7", events.OrderCreatedData{
		OrderID:  orderID.String(),
		UserID:   userID.String(),
		Total:    total,
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestOrderCreatedCapturesAndPublishesSuccess(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	capturer := &fakeCapturer{}
	m := bus.NewMemory("payment-service")
	proc := NewProcessor(store, capturer, m, testLogger())

	orderID, userID := uuid.New(), uuid.New()
	env := orderCreatedEnvelope(t, orderID, userID, 2500)

	if err := proc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	pay, err := store.GetByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pay.Status != StatusCompleted {
		t.Errorf("status = %s", pay.Status)
	}

	pubs := m.Published()
	if len(pubs) != 1 || pubs[0].EventType != events.PaymentSuccess {
		t.Fatalf("published = %+v", pubs)
	}
	if pubs[0].Metadata.CorrelationID != "corr-7" {
		t.Errorf("correlation id = %q", pubs[0].Metadata.CorrelationID)
	}
	payload, err := events.Decode(pubs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := payload.(*events.PaymentSuccessData)
	if data.OrderID != orderID.String() || data.Amount != 2500 || data.Method != MethodAccountBalance {
		t.Errorf("payload = %+v", data)
	}
}

func TestOrderCreatedDeclinePublishesFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	capturer := &fakeCapturer{err: &DeclineError{Code: ReasonInsufficientFunds}}
	m := bus.NewMemory("payment-service")
	proc := NewProcessor(store, capturer, m, testLogger())

	orderID := uuid.New()
	env := orderCreatedEnvelope(t, orderID, uuid.New(), 9999)

	if err := proc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("a decline settles the payment, got err: %v", err)
	}

	pay, err := store.GetByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pay.Status != StatusFailed || pay.Reason != ReasonInsufficientFunds {
		t.Errorf("payment = %+v", pay)
	}

	pubs := m.Published()
	if len(pubs) != 1 || pubs[0].EventType != events.PaymentFailed {
		t.Fatalf("published = %+v", pubs)
	}
	payload, _ := events.Decode(pubs[0])
	if payload.(*events.PaymentFailedData).Reason != ReasonInsufficientFunds {
		t.Errorf("failure payload = %+v", payload)
	}
}

func TestOrderCreatedInfraErrorIsRetryable(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	capturer := &fakeCapturer{err: errors.New("ledger db down")}
	m := bus.NewMemory("payment-service")
	proc := NewProcessor(store, capturer, m, testLogger())

	env := orderCreatedEnvelope(t, uuid.New(), uuid.New(), 100)
	if err := proc.HandleEvent(context.Background(), env); err == nil {
		t.Fatal("expected retryable error")
	}
	if pubs := m.Published(); len(pubs) != 0 {
		t.Errorf("nothing should be published on infra failure, got %+v", pubs)
	}

	// The broker redelivers; the infra recovers; the same message completes.
	capturer.err = nil
	if err := proc.HandleEvent(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if pubs := m.Published(); len(pubs) != 1 || pubs[0].EventType != events.PaymentSuccess {
		t.Errorf("published = %+v", m.Published())
	}
}

func TestDuplicateOrderCreatedIsNoop(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	capturer := &fakeCapturer{}
	m := bus.NewMemory("payment-service")
	proc := NewProcessor(store, capturer, m, testLogger())

	env := orderCreatedEnvelope(t, uuid.New(), uuid.New(), 100)
	for i := 0; i < 3; i++ {
		if err := proc.HandleEvent(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if capturer.captures != 1 {
		t.Errorf("captures = %d, want 1", capturer.captures)
	}
	if pubs := m.Published(); len(pubs) != 1 {
		t.Errorf("published %d outcome events, want 1", len(pubs))
	}
}

func TestSyncCaptureReturnsDeclineAndStaysSilent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	capturer := &fakeCapturer{err: &DeclineError{Code: ReasonAccountMissing}}
	m := bus.NewMemory("payment-service")
	proc := NewProcessor(store, capturer, m, testLogger())

	pay, err := proc.Capture(context.Background(), CaptureRequest{
		OrderID: uuid.New(),
		UserID:  uuid.New(),
		Amount:  500,
	})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("err = %v, want decline", err)
	}
	if DeclineReason(err) != ReasonAccountMissing {
		t.Errorf("reason = %q", DeclineReason(err))
	}
	if pay == nil || pay.Status != StatusFailed {
		t.Errorf("payment = %+v", pay)
	}
	if pubs := m.Published(); len(pubs) != 0 {
		t.Errorf("sync capture must not publish, got %+v", pubs)
	}
}

func TestCancelRefundsCompletedPayment(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	capturer := &fakeCapturer{}
	proc := NewProcessor(store, capturer, bus.NewMemory("payment-service"), testLogger())

	pay, err := proc.Capture(context.Background(), CaptureRequest{
		OrderID: uuid.New(),
		UserID:  uuid.New(),
		Amount:  500,
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	if err := proc.Cancel(context.Background(), uuid.MustParse(pay.ID)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if capturer.refunds != 1 {
		t.Errorf("refunds = %d, want 1", capturer.refunds)
	}

	// Second cancel finds a terminal record and does nothing.
	if err := proc.Cancel(context.Background(), uuid.MustParse(pay.ID)); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if capturer.refunds != 1 {
		t.Errorf("refunds after repeat = %d, want 1", capturer.refunds)
	}
}
