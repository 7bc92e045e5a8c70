package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-pos-payments/internal/checkout"
	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

type SalesHandler struct {
	Checkout  *checkout.Orchestrator
	Completer *reconcile.Completer
	Limiter   *RateLimiter // optional, guards sale creation
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *SalesHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}
		r.Post("/sales", h.createSale)
	})
	r.Get("/sales/{id}/payment-status", h.paymentStatus)
	r.Post("/sales/{id}/cancel", h.cancelSale)
}

func (h *SalesHandler) createSale(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateSaleInput
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Kind: "validation_error"})
		return
	}
	req.Method = normalizeMethod(req.Method)

	// Covers the gateway push plus the insert transaction.
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := h.Checkout.CreateSale(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if res.Status == sales.SalePending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (h *SalesHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Checkout.PaymentStatus(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *SalesHandler) cancelSale(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelReq
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Kind: "validation_error"})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled at till"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Completer.Cancel(ctx, h.Checkout.Store, id, reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, res)
}

func normalizeMethod(m sales.PaymentMethod) sales.PaymentMethod {
	return sales.PaymentMethod(strings.ToLower(strings.TrimSpace(string(m))))
}

type resultBody struct {
	Kind       reconcile.ResultKind `json:"kind"`
	SaleID     string               `json:"saleId,omitempty"`
	SaleStatus sales.SaleStatus     `json:"saleStatus,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// writeResult renders an explicit reconciliation outcome.
func writeResult(w http.ResponseWriter, res reconcile.Result) {
	code := http.StatusOK
	switch res.Kind {
	case reconcile.KindDuplicate:
		code = http.StatusConflict
	case reconcile.KindUnknown:
		code = http.StatusNotFound
	case reconcile.KindInvalid:
		code = http.StatusBadRequest
	case reconcile.KindError:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, resultBody{Kind: res.Kind, SaleID: res.SaleID, SaleStatus: res.SaleStatus, Message: res.Message})
}
