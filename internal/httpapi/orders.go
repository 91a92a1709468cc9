package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"shopline/internal/order"
	"shopline/internal/saga"
)

type OrderServer struct {
	orderSvc    *order.Service
	coordinator *saga.Coordinator
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewOrderServer(orderSvc *order.Service, coordinator *saga.Coordinator, healthy func() bool, reg *prometheus.Registry, logger *slog.Logger) *OrderServer {
	s := &OrderServer{
		orderSvc:    orderSvc,
		coordinator: coordinator,
		logger:      logger,
		mux:         newBaseMux(healthy, reg),
	}
	s.routes()
	return s
}

func (s *OrderServer) routes() {
	s.mux.HandleFunc("POST /orders", s.createOrder)
	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("PUT /orders/{orderID}", s.updateOrder)
	s.mux.HandleFunc("POST /checkout", s.checkout)
}

func (s *OrderServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle exposes the mux for extra routes (the websocket endpoint).
func (s *OrderServer) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *OrderServer) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Items    []order.Item `json:"items"`
		Currency string       `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orderSvc.Create(r.Context(), order.NewOrder{
		UserID:   userID,
		Items:    req.Items,
		Currency: req.Currency,
		Announce: true,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, o)
}

func (s *OrderServer) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := s.orderSvc.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *OrderServer) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.orderSvc.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// updateOrder accepts the partial updates the saga needs; today that is
// cancellation only.
func (s *OrderServer) updateOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status != string(order.StatusCancelled) {
		writeError(w, http.StatusBadRequest, "only cancellation is supported")
		return
	}

	if err := s.orderSvc.Cancel(r.Context(), orderID, req.Reason); err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("cancel order", "order_id", orderID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// checkout runs the synchronous saga coordinator path.
func (s *OrderServer) checkout(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		writeError(w, http.StatusNotImplemented, "synchronous checkout is disabled")
		return
	}

	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Currency string `json:"currency"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	result, err := s.coordinator.Checkout(r.Context(), userID, req.Currency)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, result)
}
