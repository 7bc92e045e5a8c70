package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-payments/internal/checkout"
	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	"github.com/ariefcatur/go-pos-payments/internal/memstore"
	"github.com/ariefcatur/go-pos-payments/internal/mpesa"
	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

type stubGateway struct {
	res mpesa.PushResult
	err error
}

func (g *stubGateway) Push(context.Context, mpesa.PushRequest) (mpesa.PushResult, error) {
	return g.res, g.err
}

type testServer struct {
	*httptest.Server
	store *memstore.Store
	gw    *stubGateway
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	store := memstore.New()
	store.PutProduct(sales.Product{ID: "sugar", Name: "Sugar", Stock: 10, Price: decimal.NewFromInt(500), Active: true})
	store.PutProduct(sales.Product{ID: "milk", Name: "Milk", Stock: 10, Price: decimal.NewFromInt(150), Active: true})
	store.PutProduct(sales.Product{ID: "soda", Name: "Soda", Stock: 10, Price: decimal.NewFromInt(80), Active: false})

	gw := &stubGateway{res: mpesa.PushResult{Accepted: true, CheckoutRequestID: "ws_1", MerchantRequestID: "m_1", Code: "0"}}
	completer := &reconcile.Completer{Ledger: &inventory.Ledger{}}
	orch := &checkout.Orchestrator{Store: store, Gateway: gw, Completer: completer, PushTimeout: time.Second}
	matcher := &reconcile.QRMatcher{Store: store, Completer: completer, TTL: 10 * time.Minute}

	r := NewRouter()
	(&SalesHandler{Checkout: orch, Completer: completer, Limiter: limiter}).Register(r)
	(&PaymentsHandler{
		Callbacks: &reconcile.CallbackReconciler{Store: store, Completer: completer},
		QR:        matcher,
		Manual:    &reconcile.ManualEntryVerifier{Store: store, Completer: completer},
		Limiter:   limiter,
	}).Register(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, gw: gw}
}

func (s *testServer) do(t *testing.T, method, path, operator string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set(HeaderOperator, operator)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var sampleSale = map[string]any{
	"items":         []map[string]any{{"productId": "sugar", "quantity": 1}, {"productId": "milk", "quantity": 2}},
	"paymentMethod": "MPESA",
	"phone":         "0712345678",
}

func TestCallback_AlwaysAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_404","ResultCode":0,"ResultDesc":"ok"}}}`,
	} {
		resp, out := s.do(t, http.MethodPost, "/mpesa/callback", "", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.Equal(t, float64(0), out["ResultCode"])
		assert.Equal(t, "Accepted", out["ResultDesc"])
	}
}

func TestSaleFlow_PushThenCallback(t *testing.T) {
	s := newTestServer(t, nil)

	resp, out := s.do(t, http.MethodPost, "/sales", "", sampleSale)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "PENDING", out["status"])
	assert.Equal(t, "800.00", out["total"])
	assert.Equal(t, "ws_1", out["checkoutRequestId"])
	saleID := out["saleId"].(string)

	resp, out = s.do(t, http.MethodGet, "/sales/"+saleID+"/payment-status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SENT", out["status"])

	cb := `{"Body":{"stkCallback":{"MerchantRequestID":"m_1","CheckoutRequestID":"ws_1","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":800},{"Name":"MpesaReceiptNumber","Value":"QJ7X1ABC"}]}}}}`
	resp, _ = s.do(t, http.MethodPost, "/mpesa/callback", "", cb)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = s.do(t, http.MethodGet, "/sales/"+saleID+"/payment-status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", out["status"])
	assert.Equal(t, "COMPLETED", out["saleStatus"])
	assert.Equal(t, "QJ7X1ABC", out["receiptNumber"])

	// cancelling a settled sale is a duplicate
	resp, out = s.do(t, http.MethodPost, "/sales/"+saleID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate", out["kind"])
}

func TestCreateSale_StatusCodes(t *testing.T) {
	cases := []struct {
		name  string
		body  any
		gwErr error
		want  int
		kind  string
	}{
		{"cash", map[string]any{"items": []map[string]any{{"productId": "sugar", "quantity": 1}}, "paymentMethod": "cash"}, nil, http.StatusCreated, ""},
		{"invalid json", `{"items":`, nil, http.StatusBadRequest, "validation_error"},
		{"bad phone", map[string]any{"items": []map[string]any{{"productId": "sugar", "quantity": 1}}, "paymentMethod": "mpesa", "phone": "123"}, nil, http.StatusBadRequest, "validation_error"},
		{"insufficient stock", map[string]any{"items": []map[string]any{{"productId": "sugar", "quantity": 50}}, "paymentMethod": "cash"}, nil, http.StatusConflict, "insufficient_stock"},
		{"inactive", map[string]any{"items": []map[string]any{{"productId": "soda", "quantity": 1}}, "paymentMethod": "cash"}, nil, http.StatusConflict, "product_inactive"},
		{"rejected", sampleSale, fmt.Errorf("%w: code=1", mpesa.ErrRejected), http.StatusPaymentRequired, "gateway_rejected"},
		{"unreachable", sampleSale, fmt.Errorf("%w: timeout", mpesa.ErrUnreachable), http.StatusBadGateway, "gateway_unreachable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			s.gw.err = tc.gwErr
			resp, out := s.do(t, http.MethodPost, "/sales", "", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.kind != "" {
				assert.Equal(t, tc.kind, out["kind"])
			}
		})
	}
}

func TestPaymentStatus_NotFound(t *testing.T) {
	s := newTestServer(t, nil)
	resp, out := s.do(t, http.MethodGet, "/sales/nope/payment-status", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", out["kind"])
}

func TestCancelPendingSale(t *testing.T) {
	s := newTestServer(t, nil)
	_, out := s.do(t, http.MethodPost, "/sales", "", sampleSale)
	saleID := out["saleId"].(string)

	resp, out := s.do(t, http.MethodPost, "/sales/"+saleID+"/cancel", "", map[string]string{"reason": "customer left"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", out["kind"])
	assert.Equal(t, "CANCELLED", out["saleStatus"])

	resp, _ = s.do(t, http.MethodPost, "/sales/missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQREndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	resp, out := s.do(t, http.MethodPost, "/qr", "op-1", map[string]any{"amount": "250", "ttlSeconds": 60})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ref := out["reference"].(string)
	assert.Equal(t, "250.00", out["amount"])

	resp, out = s.do(t, http.MethodGet, "/qr/"+ref+"/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", out["status"])
	assert.Equal(t, false, out["isExpired"])

	resp, _ = s.do(t, http.MethodGet, "/qr/QRNOPE/status", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = s.do(t, http.MethodPost, "/qr", "op-1", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", out["kind"])
}

func TestManualEntryFlow(t *testing.T) {
	s := newTestServer(t, nil)
	_, out := s.do(t, http.MethodPost, "/sales", "", sampleSale)
	saleID := out["saleId"].(string)

	raw := "QJ7X1 Confirmed. Ksh800.00 received from JANE DOE 254712345678 on 1/3/24 at 10:15 AM."
	resp, _ := s.do(t, http.MethodPost, "/manual-entries", "", map[string]string{"rawText": raw})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "operator header is required")

	resp, out = s.do(t, http.MethodPost, "/manual-entries", "op-1", map[string]string{"rawText": raw})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "QJ7X1", out["transactionCode"])
	assert.Equal(t, "800.00", out["amount"])
	assert.Equal(t, "PENDING", out["status"])
	id := out["id"].(string)

	resp, _ = s.do(t, http.MethodPost, "/manual-entries/"+id+"/verify", "op-2", map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "accept is required")

	resp, out = s.do(t, http.MethodPost, "/manual-entries/"+id+"/verify", "op-2", map[string]any{"accept": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "VERIFIED", out["status"])
	assert.Equal(t, "op-2", out["verifiedBy"])

	resp, out = s.do(t, http.MethodPost, "/manual-entries/"+id+"/link", "op-2", map[string]string{"saleId": saleID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, saleID, out["saleId"])

	resp, out = s.do(t, http.MethodPost, "/manual-entries/"+id+"/link", "op-2", map[string]string{"saleId": saleID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_linked", out["kind"])

	sale, err := s.store.GetSale(context.Background(), saleID)
	require.NoError(t, err)
	assert.Equal(t, sales.SaleCompleted, sale.Status)
	assert.Equal(t, "QJ7X1", sale.Receipt)
}

func TestRateLimitedRoutes(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(0.001, 2))

	body := map[string]any{"items": []map[string]any{{"productId": "sugar", "quantity": 1}}, "paymentMethod": "cash"}
	for i := 0; i < 2; i++ {
		resp, _ := s.do(t, http.MethodPost, "/sales", "till-1", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := s.do(t, http.MethodPost, "/sales", "till-1", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// buckets are per operator
	resp, _ = s.do(t, http.MethodPost, "/sales", "till-2", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// the gateway webhook is never limited
	for i := 0; i < 5; i++ {
		resp, _ = s.do(t, http.MethodPost, "/mpesa/callback", "till-1", `{}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrap: %w", sales.ErrValidation), http.StatusBadRequest},
		{sales.ErrInsufficientStock, http.StatusConflict},
		{sales.ErrProductInactive, http.StatusConflict},
		{sales.ErrGatewayRejected, http.StatusPaymentRequired},
		{sales.ErrGatewayUnreachable, http.StatusBadGateway},
		{sales.ErrNotFound, http.StatusNotFound},
		{sales.ErrUnknownTransaction, http.StatusNotFound},
		{sales.ErrDuplicateSignal, http.StatusConflict},
		{sales.ErrAlreadyLinked, http.StatusConflict},
		{sales.ErrExpiredReference, http.StatusGone},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
	}

	rec := httptest.NewRecorder()
	writeError(rec, errors.New("pq: connection reset by peer"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
