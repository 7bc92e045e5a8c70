package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// QRMatcher correlates stored feed notifications with outstanding QR
// payments by reference and amount.
type QRMatcher struct {
	Store     sales.Store
	Completer *Completer

	TTL    time.Duration // default lifetime of a new QR payment
	Window time.Duration // how far back unmatched notifications are considered

	Now func() time.Time
}

// CreateQR issues a Pending QR payment. A non-empty saleID must name a
// Pending sale; ttl <= 0 uses the matcher default.
func (m *QRMatcher) CreateQR(ctx context.Context, amount decimal.Decimal, saleID string, ttl time.Duration) (sales.QRCodePayment, error) {
	if ttl <= 0 {
		ttl = m.TTL
	}
	q, err := sales.NewQRCodePayment(amount, saleID, m.now(), ttl)
	if err != nil {
		return sales.QRCodePayment{}, err
	}
	err = m.Store.InTx(ctx, func(tx sales.Tx) error {
		if saleID != "" {
			s, err := tx.LockSale(ctx, saleID)
			if err != nil {
				return err
			}
			if s.Status != sales.SalePending {
				return fmt.Errorf("%w: sale %s is %s", sales.ErrValidation, s.ID, s.Status)
			}
		}
		return tx.InsertQR(ctx, q)
	})
	if err != nil {
		return sales.QRCodePayment{}, err
	}
	slog.Info("qr payment created", "qr_id", q.ID, "reference", q.Reference, "sale_id", saleID, "expires_at", q.ExpiresAt)
	return q, nil
}

// QRStatusView is the status-poll response body.
type QRStatusView struct {
	Reference     string     `json:"reference"`
	Status        string     `json:"status"`
	Amount        string     `json:"amount"`
	PaidAt        *time.Time `json:"paidAt"`
	ReceiptNumber string     `json:"receiptNumber,omitempty"`
	IsExpired     bool       `json:"isExpired"`
	SaleID        string     `json:"saleId,omitempty"`
}

// Status reports a QR payment. A Pending payment past its expiry reads as
// Expired even before the sweep has run.
func (m *QRMatcher) Status(ctx context.Context, reference string) (QRStatusView, error) {
	q, err := m.Store.GetQRByReference(ctx, reference)
	if err != nil {
		return QRStatusView{}, err
	}
	expired := q.Expired(m.now())
	st := q.Status
	if expired {
		st = sales.QRExpired
	}
	return QRStatusView{
		Reference:     q.Reference,
		Status:        string(st),
		Amount:        q.Amount.StringFixed(2),
		PaidAt:        q.PaidAt,
		ReceiptNumber: q.ReceiptNumber,
		IsExpired:     expired,
		SaleID:        q.SaleID,
	}, nil
}

// Run calls RunOnce every interval until ctx is done.
func (m *QRMatcher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("qr match pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce expires stale QR payments, then matches unmatched notifications
// oldest first. Each QR payment and each notification is used at most once;
// notifications that lose a tie stay unmatched for manual review.
func (m *QRMatcher) RunOnce(ctx context.Context) (int, error) {
	now := m.now()

	var expired int
	if err := m.Store.InTx(ctx, func(tx sales.Tx) error {
		var err error
		expired, err = tx.ExpireQR(ctx, now)
		return err
	}); err != nil {
		return 0, fmt.Errorf("expire qr: %w", err)
	}
	if expired > 0 {
		slog.Info("qr payments expired", "count", expired)
	}

	qrs, err := m.Store.ListMatchableQR(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list qr: %w", err)
	}
	if len(qrs) == 0 {
		return 0, nil
	}
	notes, err := m.Store.ListUnmatchedNotifications(ctx, now.Add(-m.window()))
	if err != nil {
		return 0, fmt.Errorf("list notifications: %w", err)
	}

	used := make(map[string]bool, len(qrs))
	matched := 0
	for _, n := range notes {
		q, ok := pick(qrs, used, n)
		if !ok {
			continue
		}
		used[q.ID] = true

		res, err := m.match(ctx, q, n)
		if err != nil {
			slog.Error("qr match failed", "qr_id", q.ID, "reference", q.Reference, "transaction_code", n.TransactionCode, "err", err)
			continue
		}
		if res.Kind == KindApplied || res.Kind == KindDuplicate {
			matched++
		}
	}
	return matched, nil
}

func pick(qrs []sales.QRCodePayment, used map[string]bool, n sales.Notification) (sales.QRCodePayment, bool) {
	for _, q := range qrs {
		if used[q.ID] {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(n.Reference), q.Reference) {
			continue
		}
		if !n.Amount.Equal(q.Amount) || n.ReceivedAt.After(q.ExpiresAt) {
			continue
		}
		return q, true
	}
	return sales.QRCodePayment{}, false
}

// match marks q Paid from n and, when q is linked to a sale, drives the
// sale's guarded completion in the same transaction.
func (m *QRMatcher) match(ctx context.Context, q sales.QRCodePayment, n sales.Notification) (Result, error) {
	var (
		t    *Transition
		note string
	)
	err := m.Store.InTx(ctx, func(tx sales.Tx) error {
		now := m.now()
		cur, err := tx.LockQR(ctx, q.ID)
		if err != nil {
			return err
		}
		if cur.Expired(now) {
			return fmt.Errorf("%w: qr %s expired at %s", sales.ErrExpiredReference, cur.Reference, cur.ExpiresAt.Format(time.RFC3339))
		}
		if cur.Status != sales.QRPending {
			return fmt.Errorf("%w: qr %s already %s", sales.ErrDuplicateSignal, cur.Reference, cur.Status)
		}

		ok, err := tx.MarkNotificationMatched(ctx, n.ID, cur.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: notification %s already matched", sales.ErrDuplicateSignal, n.TransactionCode)
		}
		ok, err = tx.MarkQRPaid(ctx, cur.ID, n.TransactionCode, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: qr %s changed concurrently", sales.ErrDuplicateSignal, cur.Reference)
		}

		if cur.SaleID == "" {
			return nil
		}
		t, err = m.Completer.Apply(ctx, tx, Confirmation{
			SaleID:  cur.SaleID,
			Status:  sales.SaleCompleted,
			Amount:  n.Amount,
			Receipt: n.TransactionCode,
			Source:  sales.SourceQR,
		})
		if errors.Is(err, sales.ErrDuplicateSignal) {
			// Payment was real; the sale had already been settled elsewhere.
			note = err.Error()
			return nil
		}
		return err
	})
	if err != nil {
		res := resultFor(err, q.SaleID)
		if res.Kind == KindError {
			return res, err
		}
		slog.Info("qr match skipped", "reference", q.Reference, "transaction_code", n.TransactionCode, "kind", res.Kind, "reason", err)
		return res, nil
	}

	slog.Info("qr payment matched", "qr_id", q.ID, "reference", q.Reference, "transaction_code", n.TransactionCode, "sale_id", q.SaleID)
	if note != "" {
		slog.Warn("qr paid for settled sale", "reference", q.Reference, "sale_id", q.SaleID, "reason", note)
		return Result{Kind: KindDuplicate, SaleID: q.SaleID, Message: note}, nil
	}
	if t == nil {
		return Result{Kind: KindApplied}, nil
	}
	m.Completer.Announce(t)
	return Result{Kind: KindApplied, SaleID: t.Sale.ID, SaleStatus: t.Sale.Status}, nil
}

func (m *QRMatcher) window() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return 24 * time.Hour
}

func (m *QRMatcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}
