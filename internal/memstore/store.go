// Package memstore is an in-process sales.Store. Transactions are serialized
// by a single mutex and applied to a copy of the state, so a failing
// transaction leaves nothing behind. Used by the "memory" store driver and by
// unit tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

type state struct {
	products      map[string]sales.Product
	sales         map[string]sales.Sale
	intents       map[string]sales.PaymentIntent // by id
	qrs           map[string]sales.QRCodePayment // by id
	notifications map[string]sales.Notification  // by id
	manual        map[string]sales.ManualEntry   // by id
	anomalies     []sales.StockAnomaly
}

func newState() *state {
	return &state{
		products:      map[string]sales.Product{},
		sales:         map[string]sales.Sale{},
		intents:       map[string]sales.PaymentIntent{},
		qrs:           map[string]sales.QRCodePayment{},
		notifications: map[string]sales.Notification{},
		manual:        map[string]sales.ManualEntry{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.sales {
		v.Items = append([]sales.LineItem(nil), v.Items...)
		c.sales[k] = v
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.qrs {
		c.qrs[k] = v
	}
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	for k, v := range s.manual {
		c.manual[k] = v
	}
	c.anomalies = append([]sales.StockAnomaly(nil), s.anomalies...)
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

var _ sales.Store = (*Store)(nil)

func New() *Store { return &Store{st: newState()} }

// PutProduct seeds or replaces a product.
func (s *Store) PutProduct(p sales.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

// Anomalies returns every recorded stock anomaly.
func (s *Store) Anomalies() []sales.StockAnomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sales.StockAnomaly(nil), s.st.anomalies...)
}

// SaleCount is the number of persisted sales.
func (s *Store) SaleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.sales)
}

func (s *Store) InTx(ctx context.Context, fn func(tx sales.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Products(_ context.Context, ids []string) (map[string]sales.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.st}).LockProducts(context.Background(), ids)
}

func (s *Store) GetSale(_ context.Context, id string) (sales.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.st}).LockSale(context.Background(), id)
}

func (s *Store) GetIntentBySale(_ context.Context, saleID string) (sales.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pi := range s.st.intents {
		if pi.SaleID == saleID {
			return pi, nil
		}
	}
	return sales.PaymentIntent{}, sales.ErrNotFound
}

func (s *Store) GetQRByReference(_ context.Context, ref string) (sales.QRCodePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.st.qrs {
		if q.Reference == ref {
			return q, nil
		}
	}
	return sales.QRCodePayment{}, sales.ErrNotFound
}

func (s *Store) GetManualEntry(_ context.Context, id string) (sales.ManualEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.manual[id]
	if !ok {
		return sales.ManualEntry{}, sales.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListMatchableQR(_ context.Context, now time.Time) ([]sales.QRCodePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sales.QRCodePayment
	for _, q := range s.st.qrs {
		if q.Status == sales.QRPending && !now.After(q.ExpiresAt) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListUnmatchedNotifications(_ context.Context, since time.Time) ([]sales.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sales.Notification
	for _, n := range s.st.notifications {
		if n.MatchedQRID == "" && !n.ReceivedAt.Before(since) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

func (s *Store) InsertNotification(_ context.Context, n sales.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.notifications {
		if existing.TransactionCode == n.TransactionCode {
			return false, nil
		}
	}
	s.st.notifications[n.ID] = n
	return true, nil
}

type tx struct{ st *state }

func (t *tx) LockProducts(_ context.Context, ids []string) (map[string]sales.Product, error) {
	out := map[string]sales.Product{}
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) LockStock(_ context.Context, productID string) (int, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return 0, fmt.Errorf("%w: product %s", sales.ErrNotFound, productID)
	}
	return p.Stock, nil
}

func (t *tx) SetStock(_ context.Context, productID string, stock int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %s", sales.ErrNotFound, productID)
	}
	p.Stock = stock
	t.st.products[productID] = p
	return nil
}

func (t *tx) RecordStockAnomaly(_ context.Context, a sales.StockAnomaly) error {
	t.st.anomalies = append(t.st.anomalies, a)
	return nil
}

func (t *tx) InsertSale(_ context.Context, s sales.Sale) error {
	if _, ok := t.st.sales[s.ID]; ok {
		return fmt.Errorf("%w: sale %s exists", sales.ErrValidation, s.ID)
	}
	s.Items = append([]sales.LineItem(nil), s.Items...)
	t.st.sales[s.ID] = s
	return nil
}

func (t *tx) LockSale(_ context.Context, id string) (sales.Sale, error) {
	s, ok := t.st.sales[id]
	if !ok {
		return sales.Sale{}, fmt.Errorf("%w: sale %s", sales.ErrNotFound, id)
	}
	s.Items = append([]sales.LineItem(nil), s.Items...)
	return s, nil
}

func (t *tx) UpdateSaleStatus(_ context.Context, id string, st sales.SaleTransition) (bool, error) {
	if !sales.CanTransition(st.From, st.To) {
		return false, fmt.Errorf("%w: %s -> %s", sales.ErrValidation, st.From, st.To)
	}
	s, ok := t.st.sales[id]
	if !ok || s.Status != st.From {
		return false, nil
	}
	s.Status, s.AmountPaid, s.Receipt = st.To, st.AmountPaid, st.Receipt
	if st.To == sales.SaleCompleted {
		at := st.At
		s.CompletedAt = &at
	}
	t.st.sales[id] = s
	return true, nil
}

func (t *tx) InsertIntent(_ context.Context, pi sales.PaymentIntent) error {
	for _, existing := range t.st.intents {
		if existing.CheckoutRequestID == pi.CheckoutRequestID || existing.SaleID == pi.SaleID {
			return fmt.Errorf("%w: checkout request %s already recorded", sales.ErrValidation, pi.CheckoutRequestID)
		}
	}
	pi.UpdatedAt = pi.CreatedAt
	t.st.intents[pi.ID] = pi
	return nil
}

func (t *tx) LockIntentByCheckoutID(_ context.Context, checkoutID string) (sales.PaymentIntent, error) {
	for _, pi := range t.st.intents {
		if pi.CheckoutRequestID == checkoutID {
			return pi, nil
		}
	}
	return sales.PaymentIntent{}, sales.ErrNotFound
}

func (t *tx) UpdateIntent(_ context.Context, id string, from sales.IntentStatus, u sales.IntentUpdate) (bool, error) {
	pi, ok := t.st.intents[id]
	if !ok || pi.Status != from {
		return false, nil
	}
	pi.Status, pi.ReceiptNumber, pi.ErrorDescription, pi.UpdatedAt = u.Status, u.ReceiptNumber, u.ErrorDescription, u.At
	if u.Amount.IsPositive() {
		pi.Amount = u.Amount
	}
	if u.Status == sales.IntentCompleted {
		pi.CompletedAt = &u.At
	}
	t.st.intents[id] = pi
	return true, nil
}

func (t *tx) InsertQR(_ context.Context, q sales.QRCodePayment) error {
	for _, existing := range t.st.qrs {
		if existing.Reference == q.Reference {
			return fmt.Errorf("%w: reference %s already exists", sales.ErrValidation, q.Reference)
		}
	}
	t.st.qrs[q.ID] = q
	return nil
}

func (t *tx) LockQR(_ context.Context, id string) (sales.QRCodePayment, error) {
	q, ok := t.st.qrs[id]
	if !ok {
		return sales.QRCodePayment{}, sales.ErrNotFound
	}
	return q, nil
}

func (t *tx) MarkQRPaid(_ context.Context, id, receipt string, at time.Time) (bool, error) {
	q, ok := t.st.qrs[id]
	if !ok || q.Status != sales.QRPending || at.After(q.ExpiresAt) {
		return false, nil
	}
	q.Status, q.ReceiptNumber, q.PaidAt = sales.QRPaid, receipt, &at
	t.st.qrs[id] = q
	return true, nil
}

func (t *tx) ExpireQR(_ context.Context, now time.Time) (int, error) {
	n := 0
	for id, q := range t.st.qrs {
		if q.Status == sales.QRPending && now.After(q.ExpiresAt) {
			q.Status = sales.QRExpired
			t.st.qrs[id] = q
			n++
		}
	}
	return n, nil
}

func (t *tx) MarkNotificationMatched(_ context.Context, notificationID, qrID string) (bool, error) {
	n, ok := t.st.notifications[notificationID]
	if !ok || n.MatchedQRID != "" {
		return false, nil
	}
	n.MatchedQRID = qrID
	t.st.notifications[notificationID] = n
	return true, nil
}

func (t *tx) InsertManualEntry(_ context.Context, e sales.ManualEntry) error {
	for _, existing := range t.st.manual {
		if existing.TransactionCode == e.TransactionCode {
			return fmt.Errorf("%w: transaction code %s already recorded", sales.ErrValidation, e.TransactionCode)
		}
	}
	t.st.manual[e.ID] = e
	return nil
}

func (t *tx) LockManualEntry(_ context.Context, id string) (sales.ManualEntry, error) {
	e, ok := t.st.manual[id]
	if !ok {
		return sales.ManualEntry{}, sales.ErrNotFound
	}
	return e, nil
}

func (t *tx) DecideManualEntry(_ context.Context, id string, to sales.ManualStatus, operator, reason string, at time.Time) (bool, error) {
	e, ok := t.st.manual[id]
	if !ok || e.Status != sales.ManualPending {
		return false, nil
	}
	e.Status, e.VerifiedBy, e.RejectReason, e.VerifiedAt = to, operator, reason, &at
	t.st.manual[id] = e
	return true, nil
}

func (t *tx) LinkManualEntry(_ context.Context, id, saleID string, at time.Time) (bool, error) {
	e, ok := t.st.manual[id]
	if !ok || e.Status != sales.ManualVerified || e.SaleID != "" {
		return false, nil
	}
	e.SaleID, e.LinkedAt = saleID, &at
	t.st.manual[id] = e
	return true, nil
}
