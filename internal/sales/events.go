package sales

import (
	"encoding/json"
	"time"
)

const (
	EventSaleCompleted  = "SaleCompleted"
	EventSaleFailed     = "SaleFailed"
	EventSaleCancelled  = "SaleCancelled"
	EventStockAnomaly   = "StockAnomaly"
	EventPaymentArrived = "PaymentNotification"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // sale_id
	Payload       json.RawMessage `json:"payload"`
}

// Source names the confirmation channel that drove a transition.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceQR      Source = "qr"
	SourceManual  Source = "manual"
	SourceTill    Source = "till"
	SourceCancel  Source = "cancel"
)

type SaleFinalizedPayload struct {
	SaleID        string `json:"sale_id"`
	FinalStatus   string `json:"final_status"`
	AmountPaid    string `json:"amount_paid"`
	ReceiptNumber string `json:"receipt_number,omitempty"`
	Source        Source `json:"source"`
	Reason        string `json:"reason,omitempty"`
}

type StockAnomalyPayload struct {
	SaleID    string `json:"sale_id"`
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// NotificationPayload is the wire form of one inbound feed entry.
type NotificationPayload struct {
	TransactionCode string    `json:"transaction_code"`
	Reference       string    `json:"reference"`
	Amount          string    `json:"amount"`
	Sender          string    `json:"sender"`
	ReceivedAt      time.Time `json:"received_at"`
}
