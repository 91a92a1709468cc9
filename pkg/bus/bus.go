package bus

import (
	"context"
	"errors"
	"time"

	"shopline/pkg/events"
)

// ErrBusUnavailable is returned when the broker cannot be reached. Services
// that tolerate running without events may log it and continue degraded.
var ErrBusUnavailable = errors.New("message bus unavailable")

// Handler processes one delivered envelope. A nil return acknowledges the
// message; an error triggers the retry/dead-letter path. Handlers run
// concurrently up to the consumer's prefetch limit and must not assume
// ordering between messages.
type Handler func(ctx context.Context, env events.Envelope) error

// Bus is the publish/subscribe surface shared by producers and consumers.
// Implementations: Rabbit (AMQP) and Memory (tests).
type Bus interface {
	// Publish wraps payload in an envelope and emits it with eventType as
	// the routing key. It returns the envelope's correlation id.
	Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (string, error)

	// Subscribe declares the consumer's queue and dead-letter queue, binds
	// the routing keys, and dispatches deliveries to handler.
	Subscribe(ctx context.Context, service string, routingKeys []string, handler Handler, opts ...ConsumeOption) error

	// Healthy reports whether the connection and channel are open.
	Healthy() bool

	Close()
}

// Degraded stands in for the bus when the broker was unreachable at
// startup and the service chose to keep serving HTTP without events.
// Every operation reports ErrBusUnavailable and health stays false.
type Degraded struct{}

func (Degraded) Publish(context.Context, string, any, ...PublishOption) (string, error) {
	return "", ErrBusUnavailable
}

func (Degraded) Subscribe(context.Context, string, []string, Handler, ...ConsumeOption) error {
	return ErrBusUnavailable
}

func (Degraded) Healthy() bool { return false }

func (Degraded) Close() {}

type publishConfig struct {
	correlationID string
}

type PublishOption func(*publishConfig)

// WithCorrelation propagates the correlation id of the inbound event that
// caused this publish. Consumers publishing follow-on events must use it so
// a whole causal chain shares one id.
func WithCorrelation(id string) PublishOption {
	return func(c *publishConfig) { c.correlationID = id }
}

type consumeConfig struct {
	prefetch   int
	maxRetries int
	baseDelay  time.Duration
	dlqTTL     time.Duration
}

type ConsumeOption func(*consumeConfig)

func WithPrefetch(n int) ConsumeOption {
	return func(c *consumeConfig) { c.prefetch = n }
}

func WithMaxRetries(n int) ConsumeOption {
	return func(c *consumeConfig) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) ConsumeOption {
	return func(c *consumeConfig) { c.baseDelay = d }
}

func WithDLQTTL(d time.Duration) ConsumeOption {
	return func(c *consumeConfig) { c.dlqTTL = d }
}

func defaultConsumeConfig() consumeConfig {
	return consumeConfig{
		prefetch:   16,
		maxRetries: 5,
		baseDelay:  500 * time.Millisecond,
		dlqTTL:     24 * time.Hour,
	}
}

// retryDelay grows exponentially with the attempt number, capped at one
// minute.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	delay := base * time.Duration(1<<attempt)
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
