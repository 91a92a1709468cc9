package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"shopline/internal/payment"
)

type PaymentServer struct {
	processor *payment.Processor
	accounts  *payment.Accounts
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewPaymentServer(processor *payment.Processor, accounts *payment.Accounts, healthy func() bool, reg *prometheus.Registry, logger *slog.Logger) *PaymentServer {
	s := &PaymentServer{
		processor: processor,
		accounts:  accounts,
		logger:    logger,
		mux:       newBaseMux(healthy, reg),
	}
	s.routes()
	return s
}

func (s *PaymentServer) routes() {
	s.mux.HandleFunc("POST /payments", s.capture)
	s.mux.HandleFunc("GET /payments/{paymentID}", s.getPayment)
	s.mux.HandleFunc("PUT /payments/{paymentID}/cancel", s.cancelPayment)
	s.mux.HandleFunc("POST /accounts", s.createAccount)
	s.mux.HandleFunc("POST /accounts/deposit", s.deposit)
	s.mux.HandleFunc("GET /accounts/balance", s.balance)
}

func (s *PaymentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// capture is the synchronous capture path used by the checkout
// coordinator. Declines come back as 402; the payment record carries the
// reason either way.
func (s *PaymentServer) capture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID  string `json:"order_id"`
		UserID   string `json:"user_id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	pay, err := s.processor.Capture(r.Context(), payment.CaptureRequest{
		OrderID:  orderID,
		UserID:   userID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		if errors.Is(err, payment.ErrDeclined) {
			writeError(w, http.StatusPaymentRequired, err.Error())
			return
		}
		s.logger.Error("capture payment", "order_id", req.OrderID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, pay)
}

func (s *PaymentServer) getPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathUUID(r, "paymentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	pay, err := s.processor.Get(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		s.logger.Error("get payment", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, pay)
}

func (s *PaymentServer) cancelPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathUUID(r, "paymentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	if err := s.processor.Cancel(r.Context(), paymentID); err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		s.logger.Error("cancel payment", "payment_id", paymentID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *PaymentServer) createAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.accounts.Create(r.Context(), userID); err != nil {
		if errors.Is(err, payment.ErrAccountExists) {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		s.logger.Error("create account", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID.String()})
}

func (s *PaymentServer) deposit(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	balance, err := s.accounts.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, payment.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *PaymentServer) balance(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	balance, err := s.accounts.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, payment.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.logger.Error("get balance", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}
