package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// HeaderOperator carries the acting operator's id on operator routes.
const HeaderOperator = "X-Operator-Id"

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg, Kind: kind})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sales.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, sales.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, sales.ErrProductInactive):
		return http.StatusConflict, "product_inactive"
	case errors.Is(err, sales.ErrGatewayRejected):
		return http.StatusPaymentRequired, "gateway_rejected"
	case errors.Is(err, sales.ErrGatewayUnreachable):
		return http.StatusBadGateway, "gateway_unreachable"
	case errors.Is(err, sales.ErrNotFound), errors.Is(err, sales.ErrUnknownTransaction):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sales.ErrDuplicateSignal):
		return http.StatusConflict, "duplicate_signal"
	case errors.Is(err, sales.ErrAlreadyLinked):
		return http.StatusConflict, "already_linked"
	case errors.Is(err, sales.ErrExpiredReference):
		return http.StatusGone, "expired_reference"
	}
	return http.StatusInternalServerError, "internal"
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
