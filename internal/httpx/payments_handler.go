package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// PaymentsHandler serves the asynchronous confirmation channels.
type PaymentsHandler struct {
	Callbacks *reconcile.CallbackReconciler
	QR        *reconcile.QRMatcher
	Manual    *reconcile.ManualEntryVerifier
	Limiter   *RateLimiter // optional, guards operator routes
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type createQRReq struct {
	Amount     decimal.Decimal `json:"amount"`
	SaleID     string          `json:"saleId"`
	TTLSeconds int             `json:"ttlSeconds"`
}

type createQRResp struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Amount    string    `json:"amount"`
	ExpiresAt time.Time `json:"expiresAt"`
	SaleID    string    `json:"saleId,omitempty"`
}

type recordEntryReq struct {
	RawText         string          `json:"rawText"`
	TransactionCode string          `json:"transactionCode"`
	Amount          decimal.Decimal `json:"amount"`
	Sender          string          `json:"sender"`
}

type verifyEntryReq struct {
	Accept *bool  `json:"accept"`
	Reason string `json:"reason"`
}

type linkEntryReq struct {
	SaleID string `json:"saleId"`
}

type manualEntryResp struct {
	ID              string             `json:"id"`
	TransactionCode string             `json:"transactionCode"`
	Amount          string             `json:"amount"`
	Sender          string             `json:"sender,omitempty"`
	Status          sales.ManualStatus `json:"status"`
	RecordedBy      string             `json:"recordedBy"`
	VerifiedBy      string             `json:"verifiedBy,omitempty"`
	RejectReason    string             `json:"rejectReason,omitempty"`
	SaleID          string             `json:"saleId,omitempty"`
	VerifiedAt      *time.Time         `json:"verifiedAt,omitempty"`
	LinkedAt        *time.Time         `json:"linkedAt,omitempty"`
}

func entryView(e sales.ManualEntry) manualEntryResp {
	return manualEntryResp{
		ID:              e.ID,
		TransactionCode: e.TransactionCode,
		Amount:          e.Amount.StringFixed(2),
		Sender:          e.Sender,
		Status:          e.Status,
		RecordedBy:      e.RecordedBy,
		VerifiedBy:      e.VerifiedBy,
		RejectReason:    e.RejectReason,
		SaleID:          e.SaleID,
		VerifiedAt:      e.VerifiedAt,
		LinkedAt:        e.LinkedAt,
	}
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/mpesa/callback", h.callback)
	r.Get("/qr/{reference}/status", h.qrStatus)

	r.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}
		r.Post("/qr", h.createQR)
		r.Post("/manual-entries", h.recordEntry)
		r.Post("/manual-entries/{id}/verify", h.verifyEntry)
		r.Post("/manual-entries/{id}/link", h.linkEntry)
	})
}

// callback always answers 200 with the accepted envelope. Nothing partial is
// ever committed: Handle either commits a whole transition or rolls back.
func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Warn("callback body read failed", "err", err)
		writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res := h.Callbacks.Handle(ctx, body)
	slog.Info("callback handled", "kind", res.Kind, "sale_id", res.SaleID, "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func (h *PaymentsHandler) createQR(w http.ResponseWriter, r *http.Request) {
	var req createQRReq
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Kind: "validation_error"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q, err := h.QR.CreateQR(ctx, req.Amount, strings.TrimSpace(req.SaleID), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createQRResp{
		ID:        q.ID,
		Reference: q.Reference,
		Amount:    q.Amount.StringFixed(2),
		ExpiresAt: q.ExpiresAt,
		SaleID:    q.SaleID,
	})
}

func (h *PaymentsHandler) qrStatus(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	v, err := h.QR.Status(ctx, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *PaymentsHandler) recordEntry(w http.ResponseWriter, r *http.Request) {
	var req recordEntryReq
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Kind: "validation_error"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	e, err := h.Manual.Record(ctx, reconcile.RecordInput{
		RawText:         req.RawText,
		TransactionCode: req.TransactionCode,
		Amount:          req.Amount,
		Sender:          req.Sender,
		Operator:        r.Header.Get(HeaderOperator),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entryView(e))
}

func (h *PaymentsHandler) verifyEntry(w http.ResponseWriter, r *http.Request) {
	var req verifyEntryReq
	if err := decode(w, r, &req); err != nil || req.Accept == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "accept is required", Kind: "validation_error"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	e, err := h.Manual.Verify(ctx, chi.URLParam(r, "id"), r.Header.Get(HeaderOperator), *req.Accept, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryView(e))
}

func (h *PaymentsHandler) linkEntry(w http.ResponseWriter, r *http.Request) {
	var req linkEntryReq
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Kind: "validation_error"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	e, err := h.Manual.Link(ctx, chi.URLParam(r, "id"), req.SaleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryView(e))
}
