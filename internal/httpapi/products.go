package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"shopline/internal/product"
	"shopline/pkg/events"
)

type ProductServer struct {
	productSvc *product.Service
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewProductServer(productSvc *product.Service, healthy func() bool, reg *prometheus.Registry, logger *slog.Logger) *ProductServer {
	s := &ProductServer{
		productSvc: productSvc,
		logger:     logger,
		mux:        newBaseMux(healthy, reg),
	}
	s.routes()
	return s
}

func (s *ProductServer) routes() {
	s.mux.HandleFunc("POST /products", s.createProduct)
	s.mux.HandleFunc("GET /products/{productID}", s.getProduct)
	s.mux.HandleFunc("POST /products/reserve", s.reserve)
	s.mux.HandleFunc("POST /products/release", s.release)
}

func (s *ProductServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *ProductServer) createProduct(w http.ResponseWriter, r *http.Request) {
	var p product.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.ID == "" || p.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	if err := s.productSvc.Create(r.Context(), &p); err != nil {
		s.logger.Error("create product", "product_id", p.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (s *ProductServer) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.productSvc.Get(r.Context(), r.PathValue("productID"))
	if err != nil {
		if errors.Is(err, product.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		s.logger.Error("get product", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (s *ProductServer) reserve(w http.ResponseWriter, r *http.Request) {
	items, ok := s.decodeItems(w, r)
	if !ok {
		return
	}

	if err := s.productSvc.Reserve(r.Context(), items); err != nil {
		if errors.Is(err, product.ErrInsufficientStock) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("reserve stock", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reserved"})
}

func (s *ProductServer) release(w http.ResponseWriter, r *http.Request) {
	items, ok := s.decodeItems(w, r)
	if !ok {
		return
	}

	if err := s.productSvc.Release(r.Context(), items); err != nil {
		s.logger.Error("release stock", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *ProductServer) decodeItems(w http.ResponseWriter, r *http.Request) ([]events.OrderItem, bool) {
	var req struct {
		Items []events.OrderItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return nil, false
	}
	return req.Items, true
}
