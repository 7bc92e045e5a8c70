// Package reconcile turns asynchronous payment confirmations (gateway
// webhook, QR notification feed, operator entry) into sale transitions.
//
// All three channels end in Completer.Apply, which moves a sale out of
// Pending only if it is still Pending and deducts inventory in the same
// transaction. Whichever writer commits first wins; every later signal for
// the same sale observes a terminal status and becomes a no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	kafkax "github.com/ariefcatur/go-pos-payments/internal/kafka"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// Confirmation is the typed correlation record every channel produces.
type Confirmation struct {
	SaleID  string
	Status  sales.SaleStatus // Completed, Failed or Cancelled
	Amount  decimal.Decimal  // confirmed amount, Completed only
	Receipt string
	Reason  string
	Source  sales.Source
}

// Transition describes one effective terminal transition. It is produced
// inside the transaction and announced after commit.
type Transition struct {
	Sale      sales.Sale
	From      sales.SaleStatus
	Source    sales.Source
	Reason    string
	Anomalies []sales.StockAnomaly
}

type Completer struct {
	Ledger *inventory.Ledger

	// Finalized receives sale.finalized events, Anomalies inventory.anomaly
	// events. Either may be nil.
	Finalized kafkax.Publisher
	Anomalies kafkax.Publisher
	Producer  string

	Now func() time.Time
}

// Apply performs the guarded transition inside tx. It returns
// sales.ErrDuplicateSignal when the sale is no longer Pending.
func (c *Completer) Apply(ctx context.Context, tx sales.Tx, cf Confirmation) (*Transition, error) {
	if cf.Status != sales.SaleCompleted && cf.Status != sales.SaleFailed && cf.Status != sales.SaleCancelled {
		return nil, fmt.Errorf("%w: target status %q", sales.ErrValidation, cf.Status)
	}

	sale, err := tx.LockSale(ctx, cf.SaleID)
	if err != nil {
		return nil, err
	}
	if sale.Status.Terminal() {
		return nil, fmt.Errorf("%w: sale %s already %s", sales.ErrDuplicateSignal, sale.ID, sale.Status)
	}

	now := c.now()
	paid := decimal.Zero
	if cf.Status == sales.SaleCompleted {
		paid = cf.Amount
	}
	ok, err := tx.UpdateSaleStatus(ctx, sale.ID, sales.SaleTransition{
		From:       sales.SalePending,
		To:         cf.Status,
		AmountPaid: paid,
		Receipt:    cf.Receipt,
		At:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("update sale %s: %w", sale.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: sale %s changed concurrently", sales.ErrDuplicateSignal, sale.ID)
	}

	t := &Transition{From: sale.Status, Source: cf.Source, Reason: cf.Reason}
	if cf.Status == sales.SaleCompleted {
		if !paid.Equal(sale.Total) {
			slog.Warn("confirmed amount differs from sale total",
				"sale_id", sale.ID, "total", sale.Total.String(), "paid", paid.String(), "source", cf.Source)
		}
		t.Anomalies, err = c.Ledger.DeductSale(ctx, tx, sale)
		if err != nil {
			return nil, fmt.Errorf("deduct sale %s: %w", sale.ID, err)
		}
		sale.CompletedAt = &now
	}
	sale.Status, sale.AmountPaid, sale.Receipt = cf.Status, paid, cf.Receipt
	t.Sale = sale
	return t, nil
}

// Complete runs Apply in its own transaction and announces the result.
func (c *Completer) Complete(ctx context.Context, store sales.Store, cf Confirmation) (Result, error) {
	var t *Transition
	err := store.InTx(ctx, func(tx sales.Tx) error {
		var err error
		t, err = c.Apply(ctx, tx, cf)
		return err
	})
	if err != nil {
		res := resultFor(err, cf.SaleID)
		if res.Kind == KindError {
			return res, err
		}
		return res, nil
	}
	c.Announce(t)
	return Result{Kind: KindApplied, SaleID: t.Sale.ID, SaleStatus: t.Sale.Status}, nil
}

// Cancel moves a Pending sale to Cancelled through the same guard, so a late
// confirmation after cancellation is a duplicate.
func (c *Completer) Cancel(ctx context.Context, store sales.Store, saleID, reason string) (Result, error) {
	return c.Complete(ctx, store, Confirmation{
		SaleID: saleID,
		Status: sales.SaleCancelled,
		Reason: reason,
		Source: sales.SourceCancel,
	})
}

// Announce publishes the events for a committed transition. nil is a no-op.
func (c *Completer) Announce(t *Transition) {
	if t == nil {
		return
	}
	slog.Info("sale finalized",
		"sale_id", t.Sale.ID, "status", t.Sale.Status, "source", t.Source, "amount_paid", t.Sale.AmountPaid.String())

	if c.Finalized != nil {
		eventType := sales.EventSaleCompleted
		switch t.Sale.Status {
		case sales.SaleFailed:
			eventType = sales.EventSaleFailed
		case sales.SaleCancelled:
			eventType = sales.EventSaleCancelled
		}
		c.publish(c.Finalized, t.Sale.ID, eventType, sales.SaleFinalizedPayload{
			SaleID:        t.Sale.ID,
			FinalStatus:   string(t.Sale.Status),
			AmountPaid:    t.Sale.AmountPaid.StringFixed(2),
			ReceiptNumber: t.Sale.Receipt,
			Source:        t.Source,
			Reason:        t.Reason,
		})
	}
	if c.Anomalies != nil {
		for _, a := range t.Anomalies {
			c.publish(c.Anomalies, a.SaleID, sales.EventStockAnomaly, sales.StockAnomalyPayload{
				SaleID:    a.SaleID,
				ProductID: a.ProductID,
				Requested: a.Requested,
				Available: a.Available,
			})
		}
	}
}

func (c *Completer) publish(p kafkax.Publisher, saleID, eventType string, payload any) {
	ev := sales.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    c.now(),
		Producer:      c.Producer,
		CorrelationID: saleID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(sales.PartitionKey(saleID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType)...)
}

func (c *Completer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// ResultKind is the explicit outcome of processing one signal.
type ResultKind string

const (
	KindApplied   ResultKind = "applied"
	KindDuplicate ResultKind = "duplicate"
	KindUnknown   ResultKind = "unknown_transaction"
	KindInvalid   ResultKind = "invalid"
	KindError     ResultKind = "error"
)

type Result struct {
	Kind       ResultKind
	SaleID     string
	SaleStatus sales.SaleStatus
	Message    string
}

func resultFor(err error, saleID string) Result {
	r := Result{SaleID: saleID, Message: err.Error()}
	switch {
	case errors.Is(err, sales.ErrDuplicateSignal):
		r.Kind = KindDuplicate
	case errors.Is(err, sales.ErrUnknownTransaction), errors.Is(err, sales.ErrNotFound):
		r.Kind = KindUnknown
	case errors.Is(err, sales.ErrValidation), errors.Is(err, sales.ErrExpiredReference), errors.Is(err, sales.ErrAlreadyLinked):
		r.Kind = KindInvalid
	default:
		r.Kind = KindError
	}
	return r
}
