package websocket

import (
	"context"
	"encoding/json"
)

// OrderUpdate is one status transition on an order's saga, pushed to every
// client watching that order.
type OrderUpdate struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (u OrderUpdate) encode() []byte {
	b, _ := json.Marshal(u)
	return b
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

type registration struct {
	client   *Client
	snapshot OrderUpdate
}

// Hub fans order status updates out to the clients watching each order.
// While an order has watchers the hub remembers its latest update, so a
// client that subscribes between transitions is caught up immediately
// instead of waiting for the next one. Run must be started before clients
// subscribe or updates flow.
type Hub struct {
	register   chan registration
	unregister chan *Client
	updates    chan OrderUpdate

	watchers map[string]map[*Client]struct{}
	latest   map[string]OrderUpdate
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan registration),
		unregister: make(chan *Client),
		updates:    make(chan OrderUpdate, 16),
		watchers:   make(map[string]map[*Client]struct{}),
		latest:     make(map[string]OrderUpdate),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case reg := <-h.register:
			h.add(reg)
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.updates:
			h.fanOut(upd)
		case <-ctx.Done():
			for _, set := range h.watchers {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// Subscribe registers the client and queues its first status frame: the
// hub's latest update for the order when one is held, the caller's snapshot
// otherwise.
func (h *Hub) Subscribe(c *Client, snapshot OrderUpdate) {
	h.register <- registration{client: c, snapshot: snapshot}
}

// BroadcastOrderUpdate satisfies the order service's Broadcaster port.
func (h *Hub) BroadcastOrderUpdate(orderID, status string) {
	h.updates <- OrderUpdate{OrderID: orderID, Status: status}
}

func (h *Hub) add(reg registration) {
	c := reg.client
	set, ok := h.watchers[c.orderID]
	if !ok {
		set = make(map[*Client]struct{})
		h.watchers[c.orderID] = set
	}
	set[c] = struct{}{}

	first, ok := h.latest[c.orderID]
	if !ok {
		first = reg.snapshot
	}
	select {
	case c.send <- first.encode():
	default:
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.watchers[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; !exists {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.watchers, c.orderID)
		delete(h.latest, c.orderID)
	}
}

func (h *Hub) fanOut(upd OrderUpdate) {
	set, ok := h.watchers[upd.OrderID]
	if !ok {
		return
	}
	h.latest[upd.OrderID] = upd

	msg := upd.encode()
	for c := range set {
		select {
		case c.send <- msg:
		default:
			// Slow consumer; cut it loose rather than stall the hub.
			delete(set, c)
			close(c.send)
		}
	}
}
