package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"shopline/internal/order"
	"shopline/pkg/events"
)

// LocalOrderClient adapts the in-process order service for the
// coordinator, which runs inside the order service itself. Orders created
// this way are not announced on the bus; the coordinator drives the
// remaining steps directly.
type LocalOrderClient struct {
	svc *order.Service
}

func NewLocalOrderClient(svc *order.Service) *LocalOrderClient {
	return &LocalOrderClient{svc: svc}
}

func (c *LocalOrderClient) Create(ctx context.Context, userID uuid.UUID, items []events.OrderItem, currency string) (string, error) {
	orderItems := make([]order.Item, len(items))
	for i, item := range items {
		orderItems[i] = order.Item{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price}
	}

	o, err := c.svc.Create(ctx, order.NewOrder{
		UserID:   userID,
		Items:    orderItems,
		Currency: currency,
		Announce: false,
	})
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

func (c *LocalOrderClient) Cancel(ctx context.Context, orderID, reason string) error {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return fmt.Errorf("invalid order id: %w", err)
	}
	return c.svc.Cancel(ctx, id, reason)
}

// HTTP client implementations of the coordinator's collaborator ports.
// Every call is a fallible remote call with a bounded timeout, never a
// transactional operation.

type httpClient struct {
	base   string
	client *http.Client
}

func newHTTPClient(base string, timeout time.Duration) httpClient {
	return httpClient{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

func (c httpClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type HTTPCartClient struct {
	httpClient
}

func NewHTTPCartClient(base string, timeout time.Duration) *HTTPCartClient {
	return &HTTPCartClient{newHTTPClient(base, timeout)}
}

func (c *HTTPCartClient) Validate(ctx context.Context, userID uuid.UUID) ([]events.OrderItem, error) {
	var resp struct {
		Items []events.OrderItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodPost, "/cart/"+userID.String()+"/validate", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *HTTPCartClient) Clear(ctx context.Context, userID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/cart/"+userID.String()+"/clear", nil, nil)
}

type HTTPStockClient struct {
	httpClient
}

func NewHTTPStockClient(base string, timeout time.Duration) *HTTPStockClient {
	return &HTTPStockClient{newHTTPClient(base, timeout)}
}

type stockRequest struct {
	Items []events.OrderItem `json:"items"`
}

func (c *HTTPStockClient) Reserve(ctx context.Context, items []events.OrderItem) error {
	return c.do(ctx, http.MethodPost, "/products/reserve", stockRequest{Items: items}, nil)
}

func (c *HTTPStockClient) Release(ctx context.Context, items []events.OrderItem) error {
	return c.do(ctx, http.MethodPost, "/products/release", stockRequest{Items: items}, nil)
}

type HTTPPaymentClient struct {
	httpClient
}

func NewHTTPPaymentClient(base string, timeout time.Duration) *HTTPPaymentClient {
	return &HTTPPaymentClient{newHTTPClient(base, timeout)}
}

func (c *HTTPPaymentClient) Capture(ctx context.Context, orderID string, userID uuid.UUID, amount int64, currency string) (string, error) {
	req := map[string]any{
		"order_id": orderID,
		"user_id":  userID.String(),
		"amount":   amount,
		"currency": currency,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/payments", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *HTTPPaymentClient) Cancel(ctx context.Context, paymentID string) error {
	return c.do(ctx, http.MethodPut, "/payments/"+paymentID+"/cancel", nil, nil)
}
