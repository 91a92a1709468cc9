package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"shopline/pkg/events"
)

// Memory is an in-process Bus used by tests and by local single-binary
// runs. Dispatch is synchronous: Publish returns after every bound handler
// has either succeeded or exhausted its retry budget, so a whole
// choreographed flow settles before the call returns.
type Memory struct {
	source string

	mu          sync.Mutex
	subs        []*memorySub
	published   []events.Envelope
	deadLetters []DeadLetter
	healthy     bool
}

type memorySub struct {
	service string
	keys    map[string]bool
	handler Handler
	cfg     consumeConfig
	ctx     context.Context
}

// DeadLetter records a message whose handler failed on every attempt.
type DeadLetter struct {
	Service  string
	Envelope events.Envelope
	Attempts int
	Err      error
}

func NewMemory(source string) *Memory {
	return &Memory{source: source, healthy: true}
}

func (m *Memory) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (string, error) {
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.correlationID == "" {
		cfg.correlationID = uuid.NewString()
	}

	m.mu.Lock()
	if !m.healthy {
		m.mu.Unlock()
		return "", ErrBusUnavailable
	}
	m.mu.Unlock()

	env, err := events.NewEnvelope(eventType, m.source, cfg.correlationID, payload)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.published = append(m.published, env)
	subs := make([]*memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		if !sub.keys[eventType] {
			continue
		}
		m.deliver(sub, env)
	}
	return cfg.correlationID, nil
}

func (m *Memory) deliver(sub *memorySub, env events.Envelope) {
	var lastErr error
	for attempt := 0; attempt < sub.cfg.maxRetries; attempt++ {
		lastErr = invoke(sub.ctx, sub.handler, env)
		if lastErr == nil {
			return
		}
	}

	m.mu.Lock()
	m.deadLetters = append(m.deadLetters, DeadLetter{
		Service:  sub.service,
		Envelope: env,
		Attempts: sub.cfg.maxRetries,
		Err:      lastErr,
	})
	m.mu.Unlock()
}

func (m *Memory) Subscribe(ctx context.Context, service string, routingKeys []string, handler Handler, opts ...ConsumeOption) error {
	cfg := defaultConsumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	keys := make(map[string]bool, len(routingKeys))
	for _, key := range routingKeys {
		keys[key] = true
	}

	m.mu.Lock()
	m.subs = append(m.subs, &memorySub{
		service: service,
		keys:    keys,
		handler: handler,
		cfg:     cfg,
		ctx:     ctx,
	})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// SetHealthy flips the simulated connection state; an unhealthy Memory bus
// rejects publishes with ErrBusUnavailable.
func (m *Memory) SetHealthy(ok bool) {
	m.mu.Lock()
	m.healthy = ok
	m.mu.Unlock()
}

func (m *Memory) Close() {
	m.SetHealthy(false)
}

// Published returns every envelope accepted so far, oldest first.
func (m *Memory) Published() []events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Envelope, len(m.published))
	copy(out, m.published)
	return out
}

// DeadLetters returns messages that exhausted their retry budget.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}
