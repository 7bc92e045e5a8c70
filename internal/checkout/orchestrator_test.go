package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	"github.com/ariefcatur/go-pos-payments/internal/memstore"
	"github.com/ariefcatur/go-pos-payments/internal/mpesa"
	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/redisx"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []mpesa.PushRequest
	res   mpesa.PushResult
	err   error
	delay time.Duration
	// onPush runs while the push is in flight.
	onPush func()
}

func (g *fakeGateway) Push(ctx context.Context, pr mpesa.PushRequest) (mpesa.PushResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, pr)
	res, err, delay, onPush := g.res, g.err, g.delay, g.onPush
	g.mu.Unlock()
	if onPush != nil {
		onPush()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return mpesa.PushResult{}, fmt.Errorf("%w: %v", mpesa.ErrUnreachable, ctx.Err())
		}
	}
	return res, err
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memCache) Get(_ context.Context, k string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[k]
	if !ok {
		return "", redisx.ErrMiss
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, k, v string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = v
	return nil
}

func (c *memCache) Exists(_ context.Context, k string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[k]
	return ok, nil
}

type env struct {
	store *memstore.Store
	gw    *fakeGateway
	cache *memCache
	orch  *Orchestrator
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: memstore.New(),
		gw: &fakeGateway{res: mpesa.PushResult{
			Accepted:          true,
			CheckoutRequestID: "ws_1",
			MerchantRequestID: "m_1",
			Code:              "0",
			Description:       "Success. Request accepted for processing",
		}},
		cache: &memCache{m: map[string]string{}},
		now:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	e.orch = &Orchestrator{
		Store:   e.store,
		Gateway: e.gw,
		Completer: &reconcile.Completer{
			Ledger: &inventory.Ledger{Now: clock},
			Now:    clock,
		},
		Cache:       e.cache,
		PushTimeout: time.Second,
		QRTTL:       10 * time.Minute,
		Now:         clock,
	}
	e.store.PutProduct(sales.Product{ID: "sugar", Name: "Sugar", Stock: 10, Price: decimal.NewFromInt(500), Active: true})
	e.store.PutProduct(sales.Product{ID: "milk", Name: "Milk", Stock: 10, Price: decimal.NewFromInt(150), Active: true})
	e.store.PutProduct(sales.Product{ID: "soda", Name: "Soda", Stock: 10, Price: decimal.NewFromInt(80), Active: false})
	return e
}

func (e *env) stock(t *testing.T, id string) int {
	t.Helper()
	ps, err := e.store.Products(context.Background(), []string{id})
	require.NoError(t, err)
	return ps[id].Stock
}

func sampleCart(method sales.PaymentMethod) CreateSaleInput {
	return CreateSaleInput{
		Items:  []LineInput{{ProductID: "sugar", Quantity: 1}, {ProductID: "milk", Quantity: 2}},
		Method: method,
		Phone:  "0712345678",
	}
}

func TestCreateSale_MpesaPending(t *testing.T) {
	e := newEnv(t)

	res, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	require.NoError(t, err)
	assert.Equal(t, sales.SalePending, res.Status)
	assert.Equal(t, "800.00", res.Total)
	assert.Equal(t, "ws_1", res.CheckoutRequestID)

	require.Len(t, e.gw.calls, 1)
	call := e.gw.calls[0]
	assert.Equal(t, "254712345678", call.Phone)
	assert.True(t, call.Amount.Equal(decimal.NewFromInt(800)))
	assert.Len(t, call.Reference, 12)

	s, err := e.store.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, sales.SalePending, s.Status)
	assert.True(t, s.AmountPaid.IsZero())
	assert.Equal(t, "254712345678", s.CustomerPhone)
	require.Len(t, s.Items, 2)
	assert.True(t, s.Items[1].LineTotal.Equal(decimal.NewFromInt(300)))

	pi, err := e.store.GetIntentBySale(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, sales.IntentSent, pi.Status)
	assert.Equal(t, "ws_1", pi.CheckoutRequestID)

	// stock moves only on confirmation
	assert.Equal(t, 10, e.stock(t, "sugar"))
	assert.Equal(t, 10, e.stock(t, "milk"))
}

func TestCreateSale_AcceptedPushSurvivesStockChange(t *testing.T) {
	e := newEnv(t)
	e.gw.onPush = func() {
		e.store.PutProduct(sales.Product{ID: "sugar", Name: "Sugar", Stock: 0, Price: decimal.NewFromInt(500), Active: true})
		e.store.PutProduct(sales.Product{ID: "milk", Name: "Milk", Stock: 10, Price: decimal.NewFromInt(150), Active: false})
	}

	res, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	require.NoError(t, err)
	assert.Equal(t, sales.SalePending, res.Status)
	assert.Equal(t, 1, e.store.SaleCount())

	pi, err := e.store.GetIntentBySale(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, "ws_1", pi.CheckoutRequestID)

	// the confirmation still lands and the shortfall becomes an anomaly
	cb := &reconcile.CallbackReconciler{Store: e.store, Completer: e.orch.Completer, Now: func() time.Time { return e.now }}
	out := cb.Handle(context.Background(), []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"m_1","CheckoutRequestID":"ws_1","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":800},{"Name":"MpesaReceiptNumber","Value":"QJ7X1ABC"}]}}}}`))
	assert.Equal(t, reconcile.KindApplied, out.Kind)

	s, err := e.store.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, sales.SaleCompleted, s.Status)
	assert.Equal(t, 0, e.stock(t, "sugar"))
	assert.Equal(t, 8, e.stock(t, "milk"))
	require.Len(t, e.store.Anomalies(), 1)
	assert.Equal(t, "sugar", e.store.Anomalies()[0].ProductID)
}

func TestCreateSale_GatewayRejectedPersistsNothing(t *testing.T) {
	e := newEnv(t)
	e.gw.res = mpesa.PushResult{Code: "400.002.02", Description: "Bad Request - Invalid PhoneNumber"}
	e.gw.err = fmt.Errorf("%w: code=400.002.02", mpesa.ErrRejected)

	_, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	assert.ErrorIs(t, err, sales.ErrGatewayRejected)
	assert.Zero(t, e.store.SaleCount())
	assert.Equal(t, 10, e.stock(t, "sugar"))
}

func TestCreateSale_NotAcceptedIsRejected(t *testing.T) {
	e := newEnv(t)
	e.gw.res = mpesa.PushResult{Accepted: false, Code: "1", Description: "declined"}

	_, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	assert.ErrorIs(t, err, sales.ErrGatewayRejected)
	assert.Zero(t, e.store.SaleCount())
}

func TestCreateSale_GatewayUnreachable(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"network", fmt.Errorf("%w: connection refused", mpesa.ErrUnreachable)},
		{"unauthorized", fmt.Errorf("%w: push status 401", mpesa.ErrUnauthorized)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.gw.err = tc.err
			_, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
			assert.ErrorIs(t, err, sales.ErrGatewayUnreachable)
			assert.ErrorIs(t, err, tc.err)
			assert.Zero(t, e.store.SaleCount())
		})
	}
}

func TestCreateSale_PushTimeout(t *testing.T) {
	e := newEnv(t)
	e.orch.PushTimeout = 20 * time.Millisecond
	e.gw.delay = time.Second

	start := time.Now()
	_, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	assert.ErrorIs(t, err, sales.ErrGatewayUnreachable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, e.store.SaleCount())
}

func TestCreateSale_Validation(t *testing.T) {
	cases := []struct {
		name string
		in   CreateSaleInput
		want error
	}{
		{"no items", CreateSaleInput{Method: sales.MethodCash}, sales.ErrValidation},
		{"zero quantity", CreateSaleInput{Items: []LineInput{{ProductID: "sugar"}}, Method: sales.MethodCash}, sales.ErrValidation},
		{"blank product", CreateSaleInput{Items: []LineInput{{ProductID: " ", Quantity: 1}}, Method: sales.MethodCash}, sales.ErrValidation},
		{"unknown method", CreateSaleInput{Items: []LineInput{{ProductID: "sugar", Quantity: 1}}, Method: "cheque"}, sales.ErrValidation},
		{"mpesa without phone", CreateSaleInput{Items: []LineInput{{ProductID: "sugar", Quantity: 1}}, Method: sales.MethodMpesa}, sales.ErrValidation},
		{"bad phone", CreateSaleInput{Items: []LineInput{{ProductID: "sugar", Quantity: 1}}, Method: sales.MethodMpesa, Phone: "12345"}, sales.ErrValidation},
		{"unknown product", CreateSaleInput{Items: []LineInput{{ProductID: "caviar", Quantity: 1}}, Method: sales.MethodCash}, sales.ErrValidation},
		{"inactive product", CreateSaleInput{Items: []LineInput{{ProductID: "soda", Quantity: 1}}, Method: sales.MethodCash}, sales.ErrProductInactive},
		{"insufficient stock", CreateSaleInput{Items: []LineInput{{ProductID: "sugar", Quantity: 11}}, Method: sales.MethodCash}, sales.ErrInsufficientStock},
		{"merged lines exceed stock", CreateSaleInput{Items: []LineInput{{ProductID: "sugar", Quantity: 6}, {ProductID: "sugar", Quantity: 5}}, Method: sales.MethodMpesa, Phone: "0712345678"}, sales.ErrInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.orch.CreateSale(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, e.gw.calls)
			assert.Zero(t, e.store.SaleCount())
		})
	}
}

func TestCreateSale_CashCompletesAndDeducts(t *testing.T) {
	e := newEnv(t)
	in := sampleCart(sales.MethodCash)
	in.Phone = ""

	res, err := e.orch.CreateSale(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, sales.SaleCompleted, res.Status)

	s, err := e.store.GetSale(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, sales.SaleCompleted, s.Status)
	assert.True(t, s.AmountPaid.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, 9, e.stock(t, "sugar"))
	assert.Equal(t, 8, e.stock(t, "milk"))
	assert.Empty(t, e.gw.calls)
}

func TestCreateSale_QRCreatesLinkedPayment(t *testing.T) {
	e := newEnv(t)

	res, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesaQR))
	require.NoError(t, err)
	assert.Equal(t, sales.SalePending, res.Status)
	require.NotEmpty(t, res.QRReference)
	require.NotNil(t, res.QRExpiresAt)
	assert.Equal(t, e.now.Add(10*time.Minute), *res.QRExpiresAt)

	q, err := e.store.GetQRByReference(context.Background(), res.QRReference)
	require.NoError(t, err)
	assert.Equal(t, res.SaleID, q.SaleID)
	assert.True(t, q.Amount.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, sales.QRPending, q.Status)
	assert.Empty(t, e.gw.calls)
}

func TestPaymentStatus_CachesOnlyTerminal(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	require.NoError(t, err)
	key := fmt.Sprintf(redisx.KeySaleStatus, res.SaleID)

	ps, err := e.orch.PaymentStatus(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, string(sales.IntentSent), ps.Status)
	assert.Equal(t, string(sales.SalePending), ps.SaleStatus)
	assert.Equal(t, "awaiting payment confirmation", ps.Message)
	assert.Nil(t, ps.CompletedAt)
	assert.NotContains(t, e.cache.m, key)

	rec := &reconcile.CallbackReconciler{Store: e.store, Completer: e.orch.Completer, Now: func() time.Time { return e.now }}
	body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m_1","CheckoutRequestID":"ws_1","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":800},{"Name":"MpesaReceiptNumber","Value":"QJ7X1ABC"}]}}}}`)
	require.Equal(t, reconcile.KindApplied, rec.Handle(context.Background(), body).Kind)

	ps, err = e.orch.PaymentStatus(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, string(sales.IntentCompleted), ps.Status)
	assert.Equal(t, string(sales.SaleCompleted), ps.SaleStatus)
	assert.Equal(t, "QJ7X1ABC", ps.ReceiptNumber)
	require.NotNil(t, ps.CompletedAt)
	assert.Contains(t, e.cache.m, key)

	// served from cache from now on
	e.cache.m[key] = `{"saleId":"` + res.SaleID + `","status":"COMPLETED","saleStatus":"COMPLETED","receiptNumber":"CACHED"}`
	ps, err = e.orch.PaymentStatus(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, "CACHED", ps.ReceiptNumber)
}

func TestPaymentStatus_FailedCarriesGatewayMessage(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.CreateSale(context.Background(), sampleCart(sales.MethodMpesa))
	require.NoError(t, err)

	rec := &reconcile.CallbackReconciler{Store: e.store, Completer: e.orch.Completer}
	body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m_1","CheckoutRequestID":"ws_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)
	require.Equal(t, reconcile.KindApplied, rec.Handle(context.Background(), body).Kind)

	ps, err := e.orch.PaymentStatus(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, string(sales.IntentFailed), ps.Status)
	assert.Equal(t, "Request cancelled by user", ps.Message)
}

func TestPaymentStatus_UnknownSale(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.PaymentStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, sales.ErrNotFound)
}
