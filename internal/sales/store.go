package sales

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Reader is the read side used by status polls and pre-persistence validation.
type Reader interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	GetSale(ctx context.Context, id string) (Sale, error)
	GetIntentBySale(ctx context.Context, saleID string) (PaymentIntent, error)
	GetQRByReference(ctx context.Context, ref string) (QRCodePayment, error)
	GetManualEntry(ctx context.Context, id string) (ManualEntry, error)
	ListMatchableQR(ctx context.Context, now time.Time) ([]QRCodePayment, error)
	ListUnmatchedNotifications(ctx context.Context, since time.Time) ([]Notification, error)
}

// Store is the shared relational row set. All terminal transitions go
// through InTx; fn's error rolls the whole transaction back.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	InsertNotification(ctx context.Context, n Notification) (bool, error)
}

// Tx is a single database transaction. Lock* methods take a row lock that is
// held until commit; Update* methods are compare-and-swap on the current
// status and report whether a row changed.
type Tx interface {
	LockProducts(ctx context.Context, ids []string) (map[string]Product, error)
	LockStock(ctx context.Context, productID string) (int, error)
	SetStock(ctx context.Context, productID string, stock int) error
	RecordStockAnomaly(ctx context.Context, a StockAnomaly) error

	InsertSale(ctx context.Context, s Sale) error
	LockSale(ctx context.Context, id string) (Sale, error)
	UpdateSaleStatus(ctx context.Context, id string, st SaleTransition) (bool, error)

	InsertIntent(ctx context.Context, pi PaymentIntent) error
	LockIntentByCheckoutID(ctx context.Context, checkoutID string) (PaymentIntent, error)
	UpdateIntent(ctx context.Context, id string, from IntentStatus, u IntentUpdate) (bool, error)

	InsertQR(ctx context.Context, q QRCodePayment) error
	LockQR(ctx context.Context, id string) (QRCodePayment, error)
	MarkQRPaid(ctx context.Context, id, receipt string, at time.Time) (bool, error)
	ExpireQR(ctx context.Context, now time.Time) (int, error)
	MarkNotificationMatched(ctx context.Context, notificationID, qrID string) (bool, error)

	InsertManualEntry(ctx context.Context, e ManualEntry) error
	LockManualEntry(ctx context.Context, id string) (ManualEntry, error)
	DecideManualEntry(ctx context.Context, id string, to ManualStatus, operator, reason string, at time.Time) (bool, error)
	LinkManualEntry(ctx context.Context, id, saleID string, at time.Time) (bool, error)
}

// SaleTransition is applied only if the sale is still in From.
type SaleTransition struct {
	From       SaleStatus
	To         SaleStatus
	AmountPaid decimal.Decimal
	Receipt    string
	At         time.Time
}

type IntentUpdate struct {
	Status           IntentStatus
	ReceiptNumber    string
	Amount           decimal.Decimal
	ErrorDescription string
	At               time.Time
}
