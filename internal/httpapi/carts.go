package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"shopline/internal/cart"
)

type CartServer struct {
	cartSvc *cart.Service
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewCartServer(cartSvc *cart.Service, healthy func() bool, reg *prometheus.Registry, logger *slog.Logger) *CartServer {
	s := &CartServer{
		cartSvc: cartSvc,
		logger:  logger,
		mux:     newBaseMux(healthy, reg),
	}
	s.routes()
	return s
}

func (s *CartServer) routes() {
	s.mux.HandleFunc("GET /cart/{userID}", s.getCart)
	s.mux.HandleFunc("PUT /cart/{userID}", s.putCart)
	s.mux.HandleFunc("POST /cart/{userID}/validate", s.validateCart)
	s.mux.HandleFunc("DELETE /cart/{userID}/clear", s.clearCart)
}

func (s *CartServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *CartServer) getCart(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	items, err := s.cartSvc.Get(r.Context(), userID)
	if err != nil {
		s.logger.Error("get cart", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []cart.Item{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *CartServer) putCart(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		Items []cart.Item `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.cartSvc.Replace(r.Context(), userID, req.Items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"items": len(req.Items)})
}

func (s *CartServer) validateCart(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	items, err := s.cartSvc.Validate(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *CartServer) clearCart(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	removed, err := s.cartSvc.Clear(r.Context(), userID)
	if err != nil {
		s.logger.Error("clear cart", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
