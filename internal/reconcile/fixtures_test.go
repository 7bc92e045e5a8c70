package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	"github.com/ariefcatur/go-pos-payments/internal/memstore"
	"github.com/ariefcatur/go-pos-payments/internal/redisx"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []sales.Envelope
}

func (p *recordingPublisher) Publish(_, value []byte, _ ...kafka.Header) {
	var ev sales.Envelope
	if err := json.Unmarshal(value, &ev); err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: map[string]string{}} }

func (c *mapCache) Get(_ context.Context, k string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[k]
	if !ok {
		return "", redisx.ErrMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, k, v string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = v
	return nil
}

func (c *mapCache) Exists(_ context.Context, k string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[k]
	return ok, nil
}

type fixture struct {
	store     *memstore.Store
	completer *Completer
	finalized *recordingPublisher
	anomalies *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		finalized: &recordingPublisher{},
		anomalies: &recordingPublisher{},
		now:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.completer = &Completer{
		Ledger:    &inventory.Ledger{Now: clock},
		Finalized: f.finalized,
		Anomalies: f.anomalies,
		Producer:  "pos-test",
		Now:       clock,
	}
	f.store.PutProduct(sales.Product{ID: "sugar", SKU: "SUG", Name: "Sugar", Stock: 10, Price: decimal.NewFromInt(500), Active: true})
	f.store.PutProduct(sales.Product{ID: "milk", SKU: "MLK", Name: "Milk", Stock: 10, Price: decimal.NewFromInt(150), Active: true})
	return f
}

func (f *fixture) clock() func() time.Time { return func() time.Time { return f.now } }

// pendingSale stores the standard test cart (1 x 500, 2 x 150) as Pending.
// A non-empty checkoutID also stores a Sent intent for it.
func (f *fixture) pendingSale(t *testing.T, saleID string, method sales.PaymentMethod, checkoutID string) sales.Sale {
	t.Helper()
	s := sales.Sale{
		ID: saleID,
		Items: []sales.LineItem{
			{ProductID: "sugar", Name: "Sugar", Quantity: 1, UnitPrice: decimal.NewFromInt(500), LineTotal: decimal.NewFromInt(500)},
			{ProductID: "milk", Name: "Milk", Quantity: 2, UnitPrice: decimal.NewFromInt(150), LineTotal: decimal.NewFromInt(300)},
		},
		Total:         decimal.NewFromInt(800),
		AmountPaid:    decimal.Zero,
		Method:        method,
		Status:        sales.SalePending,
		CustomerPhone: "254712345678",
		CreatedAt:     f.now,
	}
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx sales.Tx) error {
		if err := tx.InsertSale(ctx, s); err != nil {
			return err
		}
		if checkoutID == "" {
			return nil
		}
		return tx.InsertIntent(ctx, sales.PaymentIntent{
			ID:                "pi-" + saleID,
			SaleID:            saleID,
			CheckoutRequestID: checkoutID,
			MerchantRequestID: "m-" + saleID,
			Amount:            s.Total,
			Phone:             s.CustomerPhone,
			Status:            sales.IntentSent,
			CreatedAt:         f.now,
		})
	}))
	return s
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	ps, err := f.store.Products(context.Background(), []string{id})
	require.NoError(t, err)
	return ps[id].Stock
}

func (f *fixture) sale(t *testing.T, id string) sales.Sale {
	t.Helper()
	s, err := f.store.GetSale(context.Background(), id)
	require.NoError(t, err)
	return s
}

func successCallback(checkoutID, amount, receipt string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"m_1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%s},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20240301101512},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, checkoutID, amount, receipt))
}

func failureCallback(checkoutID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"m_1",
		"CheckoutRequestID":%q,
		"ResultCode":%d,
		"ResultDesc":%q}}}`, checkoutID, code, desc))
}
