package sales

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	SKU       string
	Name      string
	Stock     int
	Price     decimal.Decimal
	Active    bool
	UpdatedAt time.Time
}

type PaymentMethod string

const (
	MethodCash    PaymentMethod = "cash"
	MethodCard    PaymentMethod = "card"
	MethodMpesa   PaymentMethod = "mpesa"
	MethodMpesaQR PaymentMethod = "mpesa_qr"
)

// Immediate reports whether the method settles at the till, without an
// asynchronous confirmation.
func (m PaymentMethod) Immediate() bool {
	return m == MethodCash || m == MethodCard
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodMpesa, MethodMpesaQR:
		return true
	}
	return false
}

// LineItem is a snapshot of the product at sale time. It is never updated
// after the sale row is inserted.
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

type Sale struct {
	ID            string
	Items         []LineItem
	Total         decimal.Decimal
	AmountPaid    decimal.Decimal
	Receipt       string
	Method        PaymentMethod
	Status        SaleStatus
	CustomerPhone string
	CustomerName  string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type PaymentIntent struct {
	ID                string
	SaleID            string
	CheckoutRequestID string
	MerchantRequestID string
	Amount            decimal.Decimal
	Phone             string
	Status            IntentStatus
	ReceiptNumber     string
	ErrorDescription  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

type QRCodePayment struct {
	ID            string
	Reference     string
	Amount        decimal.Decimal
	ExpiresAt     time.Time
	Status        QRStatus
	SaleID        string // empty when not linked
	ReceiptNumber string
	CreatedAt     time.Time
	PaidAt        *time.Time
}

// Expired reports whether the QR payment can no longer be matched at now.
func (q QRCodePayment) Expired(now time.Time) bool {
	return q.Status == QRExpired || (q.Status == QRPending && now.After(q.ExpiresAt))
}

type ManualEntry struct {
	ID              string
	TransactionCode string
	Amount          decimal.Decimal
	Sender          string
	RawText         string
	Status          ManualStatus
	RecordedBy      string
	VerifiedBy      string
	RejectReason    string
	SaleID          string // empty when not linked
	CreatedAt       time.Time
	VerifiedAt      *time.Time
	LinkedAt        *time.Time
}

// Notification is one entry of the inbound payment notification feed.
type Notification struct {
	ID              string
	TransactionCode string
	Reference       string
	Amount          decimal.Decimal
	Sender          string
	ReceivedAt      time.Time
	MatchedQRID     string // empty when unmatched
}

type StockAnomaly struct {
	ProductID string
	SaleID    string
	Requested int
	Available int
	At        time.Time
}
