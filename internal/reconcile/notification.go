package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	kafkax "github.com/ariefcatur/go-pos-payments/internal/kafka"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// ParsedNotification is what can be read out of a raw payment SMS.
type ParsedNotification struct {
	TransactionCode string
	Amount          decimal.Decimal
	Sender          string
}

var (
	reCode   = regexp.MustCompile(`^\s*([A-Z0-9]{5,12})\s+Confirmed\b`)
	reAmount = regexp.MustCompile(`(?i)\bKsh\s?([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	reSender = regexp.MustCompile(`(?i)\breceived from\s+(.+?)(?:\s+on\s+\d|\.\s|\.?$)`)
)

// ParseNotification extracts transaction code, amount and sender from a raw
// notification text such as
//
//	QJ7X1 Confirmed. Ksh800.00 received from JANE DOE 254712345678 on 1/3/24 at 10:15 AM.
//
// Fields that cannot be found are left zero; the caller decides what is
// required.
func ParseNotification(raw string) ParsedNotification {
	var p ParsedNotification
	if m := reCode.FindStringSubmatch(raw); m != nil {
		p.TransactionCode = m[1]
	}
	if m := reAmount.FindStringSubmatch(raw); m != nil {
		if d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", "")); err == nil {
			p.Amount = d
		}
	}
	if m := reSender.FindStringSubmatch(raw); m != nil {
		p.Sender = strings.TrimSpace(m[1])
	}
	return p
}

// FeedIngester stores inbound notification feed entries for the matcher.
type FeedIngester struct {
	Store sales.Store
	Now   func() time.Time
}

// HandleMessage accepts either an envelope v1 wrapping a NotificationPayload
// or a bare NotificationPayload. Redelivery of a stored transaction code is a
// no-op. Malformed messages are logged and dropped so they do not block the
// partition.
func (f *FeedIngester) HandleMessage(ctx context.Context, m kafka.Message) error {
	p, err := decodeNotification(m.Value)
	if err != nil {
		slog.Warn("feed message dropped", "offset", m.Offset, "err", err)
		return nil
	}
	n, err := f.toNotification(p)
	if err != nil {
		slog.Warn("feed message dropped", "offset", m.Offset, "transaction_code", p.TransactionCode, "err", err)
		return nil
	}

	inserted, err := f.Store.InsertNotification(ctx, n)
	if err != nil {
		return fmt.Errorf("store notification %s: %w", n.TransactionCode, err)
	}
	if !inserted {
		slog.Info("feed notification duplicate", "transaction_code", n.TransactionCode)
		return nil
	}
	slog.Info("feed notification stored", "transaction_code", n.TransactionCode, "reference", n.Reference, "amount", n.Amount.String())
	return nil
}

func decodeNotification(b []byte) (sales.NotificationPayload, error) {
	var ev sales.Envelope
	if err := json.Unmarshal(b, &ev); err == nil && ev.EventType != "" && len(ev.Payload) > 0 {
		if ev.EventType != sales.EventPaymentArrived {
			return sales.NotificationPayload{}, fmt.Errorf("unexpected event type %q", ev.EventType)
		}
		return kafkax.UnwrapPayload[sales.NotificationPayload](ev.Payload)
	}
	return kafkax.UnwrapPayload[sales.NotificationPayload](b)
}

func (f *FeedIngester) toNotification(p sales.NotificationPayload) (sales.Notification, error) {
	code := strings.TrimSpace(p.TransactionCode)
	if code == "" {
		return sales.Notification{}, fmt.Errorf("%w: transaction code is required", sales.ErrValidation)
	}
	amt, err := decimal.NewFromString(strings.TrimSpace(p.Amount))
	if err != nil || !amt.IsPositive() {
		return sales.Notification{}, fmt.Errorf("%w: amount %q", sales.ErrValidation, p.Amount)
	}
	at := p.ReceivedAt
	if at.IsZero() {
		at = f.now()
	}
	return sales.Notification{
		ID:              uuid.NewString(),
		TransactionCode: code,
		Reference:       strings.TrimSpace(p.Reference),
		Amount:          amt,
		Sender:          strings.TrimSpace(p.Sender),
		ReceivedAt:      at.UTC(),
	}, nil
}

func (f *FeedIngester) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}
