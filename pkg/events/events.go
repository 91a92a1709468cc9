package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is stamped into every envelope's metadata.
const Version = "1.0"

// Routing keys shared by all services. Each consumer binds the subset it
// reacts to; everything else on its queue is acknowledged and skipped.
const (
	OrderCreated   = "order.created"
	OrderCancelled = "order.cancelled"
	PaymentSuccess = "payment.success"
	PaymentFailed  = "payment.failed"
	CartCleared    = "cart.cleared"
	StockUpdated   = "stock.updated"

	// Reserved for consumers that do not exist yet.
	ShippingScheduled = "shipping.scheduled"
	NotificationSent  = "notification.sent"
	AnalyticsRecorded = "analytics.recorded"
)

// ErrUnknownEvent marks an envelope whose type has no payload variant.
// Handlers treat it as "not for me" and acknowledge the message.
var ErrUnknownEvent = errors.New("unknown event type")

type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Version       string    `json:"version"`
	CorrelationID string    `json:"correlation_id"`
}

// Envelope is the unit of communication between services. Data holds the
// JSON-encoded payload struct matching EventType.
type Envelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata"`
}

func NewEnvelope(eventType, source, correlationID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType: eventType,
		Data:      data,
		Metadata: Metadata{
			Timestamp:     time.Now().UTC(),
			Source:        source,
			Version:       Version,
			CorrelationID: correlationID,
		},
	}, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, errors.New("envelope missing event_type")
	}
	return env, nil
}

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
}

type OrderCreatedData struct {
	OrderID  string      `json:"order_id"`
	UserID   string      `json:"user_id"`
	Items    []OrderItem `json:"items"`
	Total    int64       `json:"total"`
	Currency string      `json:"currency"`
}

type OrderCancelledData struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

type PaymentSuccessData struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Method    string `json:"method"`
}

type PaymentFailedData struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
	Code    string `json:"code"`
}

type CartClearedData struct {
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
	Items   int    `json:"items"`
}

type StockAdjustment struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type StockError struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

type StockUpdatedData struct {
	OrderID  string            `json:"order_id"`
	Adjusted []StockAdjustment `json:"adjusted"`
	Errors   []StockError      `json:"errors,omitempty"`
}

// Decode unmarshals an envelope's data into the payload struct for its
// event type. Reserved or unrecognized types return ErrUnknownEvent.
func Decode(env Envelope) (any, error) {
	var payload any
	switch env.EventType {
	case OrderCreated:
		payload = &OrderCreatedData{}
	case OrderCancelled:
		payload = &OrderCancelledData{}
	case PaymentSuccess:
		payload = &PaymentSuccessData{}
	case PaymentFailed:
		payload = &PaymentFailedData{}
	case CartCleared:
		payload = &CartClearedData{}
	case StockUpdated:
		payload = &StockUpdatedData{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.EventType)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", env.EventType, err)
	}
	return payload, nil
}
