package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"shopline/pkg/events"
	"shopline/pkg/telemetry"
)

const attemptHeader = "x-attempt"

// Rabbit is the AMQP-backed bus. One instance per process; producers and
// consumers share its connection and publishing channel.
type Rabbit struct {
	url      string
	exchange string
	service  string
	logger   *slog.Logger
	metrics  *telemetry.ServiceMetrics

	reconnectMax   int
	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	healthy bool
	closed  bool
	subs    []subscription
}

type subscription struct {
	ctx     context.Context
	service string
	keys    []string
	handler Handler
	cfg     consumeConfig
}

type RabbitOption func(*Rabbit)

func WithMetrics(m *telemetry.ServiceMetrics) RabbitOption {
	return func(r *Rabbit) { r.metrics = m }
}

func WithReconnect(attempts int, delay time.Duration) RabbitOption {
	return func(r *Rabbit) {
		r.reconnectMax = attempts
		r.reconnectDelay = delay
	}
}

// Connect dials the broker and declares the shared topic exchange. On
// failure it returns ErrBusUnavailable; the caller decides whether to run
// degraded or abort.
func Connect(url, exchange, service string, logger *slog.Logger, opts ...RabbitOption) (*Rabbit, error) {
	r := &Rabbit{
		url:            url,
		exchange:       exchange,
		service:        service,
		logger:         logger,
		reconnectMax:   5,
		reconnectDelay: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.dial(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return r, nil
}

func (r *Rabbit) dial() error {
	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.ch = ch
	r.healthy = true
	r.mu.Unlock()

	go r.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))
	return nil
}

// watch waits for a connection-level close and runs the bounded reconnect
// loop. After the budget is spent the bus stays unhealthy until the process
// is restarted.
func (r *Rabbit) watch(closed <-chan *amqp091.Error) {
	reason, ok := <-closed
	if !ok {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.healthy = false
	r.mu.Unlock()

	r.logger.Warn("bus connection lost", "reason", reason.Error())

	for attempt := 1; attempt <= r.reconnectMax; attempt++ {
		time.Sleep(r.reconnectDelay)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		if err := r.dial(); err != nil {
			r.logger.Warn("bus reconnect failed", "attempt", attempt, "err", err)
			continue
		}

		r.logger.Info("bus reconnected", "attempt", attempt)
		r.restartConsumers()
		return
	}

	r.logger.Error("bus reconnect attempts exhausted", "attempts", r.reconnectMax)
}

func (r *Rabbit) restartConsumers() {
	r.mu.Lock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		if err := r.startConsumer(sub); err != nil {
			r.logger.Error("restart consumer failed", "consumer", sub.service, "err", err)
		}
	}
}

func (r *Rabbit) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy && r.conn != nil && !r.conn.IsClosed()
}

func (r *Rabbit) Close() {
	r.mu.Lock()
	r.closed = true
	r.healthy = false
	ch, conn := r.ch, r.conn
	r.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Publish wraps payload in an envelope and emits it persistently with
// eventType as the routing key. The returned string is the envelope's
// correlation id.
func (r *Rabbit) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (string, error) {
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.correlationID == "" {
		cfg.correlationID = uuid.NewString()
	}

	env, err := events.NewEnvelope(eventType, r.service, cfg.correlationID, payload)
	if err != nil {
		return "", err
	}
	body, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	r.mu.Lock()
	ch := r.ch
	ok := r.healthy
	r.mu.Unlock()
	if !ok || ch == nil {
		return "", ErrBusUnavailable
	}

	err = ch.PublishWithContext(ctx, r.exchange, eventType, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		Timestamp:     env.Metadata.Timestamp,
		CorrelationId: cfg.correlationID,
		Body:          body,
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.Failed.Inc()
		}
		return "", fmt.Errorf("publish %s: %w", eventType, err)
	}

	if r.metrics != nil {
		r.metrics.Published.Inc()
	}
	return cfg.correlationID, nil
}

// Subscribe declares the consumer topology and starts dispatching. The
// subscription is remembered so a reconnect can restart it.
func (r *Rabbit) Subscribe(ctx context.Context, service string, routingKeys []string, handler Handler, opts ...ConsumeOption) error {
	cfg := defaultConsumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := subscription{ctx: ctx, service: service, keys: routingKeys, handler: handler, cfg: cfg}

	if err := r.startConsumer(sub); err != nil {
		return err
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}

func (r *Rabbit) startConsumer(sub subscription) error {
	r.mu.Lock()
	conn := r.conn
	ok := r.healthy
	r.mu.Unlock()
	if !ok || conn == nil {
		return ErrBusUnavailable
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}

	queue := sub.service + ".events"
	dlx := r.exchange + ".dlx"
	dlq := queue + ".dlq"

	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, amqp091.Table{
		"x-message-ttl": sub.cfg.dlqTTL.Milliseconds(),
	}); err != nil {
		ch.Close()
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(dlq, queue, dlx, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range sub.keys {
		if err := ch.QueueBind(queue, key, r.exchange, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := ch.Qos(sub.cfg.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go func() {
		<-sub.ctx.Done()
		ch.Close()
	}()

	go func() {
		for msg := range msgs {
			// Unacked deliveries are capped by prefetch, which bounds the
			// number of concurrent handlers.
			go r.dispatch(sub, ch, queue, msg)
		}
	}()

	r.logger.Info("consumer started", "queue", queue, "keys", sub.keys, "prefetch", sub.cfg.prefetch)
	return nil
}

func (r *Rabbit) dispatch(sub subscription, ch *amqp091.Channel, queue string, msg amqp091.Delivery) {
	env, err := events.DecodeEnvelope(msg.Body)
	if err != nil {
		// Malformed payloads will never succeed; straight to the DLQ.
		r.logger.Error("dead-lettering malformed message", "queue", queue, "err", err)
		if r.metrics != nil {
			r.metrics.DeadLettered.Inc()
		}
		_ = msg.Nack(false, false)
		return
	}

	attempt := attemptFromHeaders(msg.Headers)

	if err := invoke(sub.ctx, sub.handler, env); err == nil {
		if r.metrics != nil {
			r.metrics.Consumed.Inc()
		}
		_ = msg.Ack(false)
		return
	} else if attempt+1 >= sub.cfg.maxRetries {
		r.logger.Error("retries exhausted, dead-lettering",
			"queue", queue, "event", env.EventType,
			"correlation_id", env.Metadata.CorrelationID,
			"attempt", attempt, "err", err)
		if r.metrics != nil {
			r.metrics.Failed.Inc()
			r.metrics.DeadLettered.Inc()
		}
		_ = msg.Nack(false, false)
		return
	} else {
		r.logger.Warn("handler failed, scheduling retry",
			"queue", queue, "event", env.EventType,
			"correlation_id", env.Metadata.CorrelationID,
			"attempt", attempt, "err", err)
		if r.metrics != nil {
			r.metrics.Failed.Inc()
		}
	}

	delay := retryDelay(sub.cfg.baseDelay, attempt)
	select {
	case <-sub.ctx.Done():
		_ = msg.Nack(false, true)
		return
	case <-time.After(delay):
	}

	// Redeliver through the default exchange with the attempt counter
	// bumped, then ack the original so the broker forgets it.
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(attempt + 1)

	err = ch.PublishWithContext(sub.ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		CorrelationId: msg.CorrelationId,
		Headers:       headers,
		Body:          msg.Body,
	})
	if err != nil {
		// Fall back to a broker requeue; the attempt counter stays put but
		// the message is not lost.
		r.logger.Error("retry republish failed, requeueing", "queue", queue, "err", err)
		_ = msg.Nack(false, true)
		return
	}

	if r.metrics != nil {
		r.metrics.Retried.Inc()
	}
	_ = msg.Ack(false)
}

func attemptFromHeaders(headers amqp091.Table) int {
	raw, ok := headers[attemptHeader]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// invoke runs the handler, converting a panic into an error so one bad
// message cannot take down the consuming process.
func invoke(ctx context.Context, handler Handler, env events.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, env)
}
