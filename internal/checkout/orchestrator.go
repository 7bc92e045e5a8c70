// Package checkout creates sales and answers client status polls.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-payments/internal/mpesa"
	"github.com/ariefcatur/go-pos-payments/internal/reconcile"
	"github.com/ariefcatur/go-pos-payments/internal/redisx"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// Gateway submits push payments; *mpesa.Client satisfies it.
type Gateway interface {
	Push(ctx context.Context, pr mpesa.PushRequest) (mpesa.PushResult, error)
}

type Orchestrator struct {
	Store     sales.Store
	Gateway   Gateway
	Completer *reconcile.Completer
	Cache     redisx.Cache // optional terminal status cache

	PushTimeout time.Duration
	QRTTL       time.Duration

	Now func() time.Time
}

type LineInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateSaleInput struct {
	Items        []LineInput         `json:"items"`
	Method       sales.PaymentMethod `json:"paymentMethod"`
	Phone        string              `json:"phone"`
	CustomerName string              `json:"customerName"`
}

// CreateSaleResult is the correlation handle returned to the till.
type CreateSaleResult struct {
	SaleID            string           `json:"saleId"`
	Status            sales.SaleStatus `json:"status"`
	Total             string           `json:"total"`
	CheckoutRequestID string           `json:"checkoutRequestId,omitempty"`
	QRReference       string           `json:"qrReference,omitempty"`
	QRExpiresAt       *time.Time       `json:"qrExpiresAt,omitempty"`
	Message           string           `json:"message,omitempty"`
}

// CreateSale validates the cart against current stock and settles or
// defers payment by method. Nothing is persisted when validation or the
// gateway push fails.
func (o *Orchestrator) CreateSale(ctx context.Context, in CreateSaleInput) (CreateSaleResult, error) {
	lines, err := mergeLines(in.Items)
	if err != nil {
		return CreateSaleResult{}, err
	}
	if !in.Method.Valid() {
		return CreateSaleResult{}, fmt.Errorf("%w: unknown payment method %q", sales.ErrValidation, in.Method)
	}
	phone := strings.TrimSpace(in.Phone)
	if in.Method == sales.MethodMpesa || phone != "" {
		phone, err = mpesa.NormalizePhone(phone)
		if err != nil {
			return CreateSaleResult{}, fmt.Errorf("%w: %v", sales.ErrValidation, err)
		}
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := o.Store.Products(ctx, ids)
	if err != nil {
		return CreateSaleResult{}, fmt.Errorf("load products: %w", err)
	}
	items, total, err := price(lines, products)
	if err != nil {
		return CreateSaleResult{}, err
	}

	now := o.now()
	sale := sales.Sale{
		ID:            uuid.NewString(),
		Items:         items,
		Total:         total,
		AmountPaid:    decimal.Zero,
		Method:        in.Method,
		Status:        sales.SalePending,
		CustomerPhone: phone,
		CustomerName:  strings.TrimSpace(in.CustomerName),
		CreatedAt:     now,
	}

	switch in.Method {
	case sales.MethodMpesa:
		return o.createPushSale(ctx, sale)
	case sales.MethodMpesaQR:
		return o.createQRSale(ctx, sale, lines)
	default:
		return o.createImmediateSale(ctx, sale, lines)
	}
}

func (o *Orchestrator) createImmediateSale(ctx context.Context, sale sales.Sale, lines []LineInput) (CreateSaleResult, error) {
	var t *reconcile.Transition
	err := o.Store.InTx(ctx, func(tx sales.Tx) error {
		if err := recheck(ctx, tx, lines); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		var err error
		t, err = o.Completer.Apply(ctx, tx, reconcile.Confirmation{
			SaleID: sale.ID,
			Status: sales.SaleCompleted,
			Amount: sale.Total,
			Source: sales.SourceTill,
		})
		return err
	})
	if err != nil {
		return CreateSaleResult{}, err
	}
	o.Completer.Announce(t)
	return CreateSaleResult{SaleID: sale.ID, Status: sales.SaleCompleted, Total: sale.Total.StringFixed(2)}, nil
}

// createPushSale persists the sale once the gateway accepts the push. Stock
// is not rechecked after acceptance; a shortfall at completion clamps and
// records an anomaly.
func (o *Orchestrator) createPushSale(ctx context.Context, sale sales.Sale) (CreateSaleResult, error) {
	pctx := ctx
	if o.PushTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.PushTimeout)
		defer cancel()
	}
	res, err := o.Gateway.Push(pctx, mpesa.PushRequest{
		Amount:      sale.Total,
		Phone:       sale.CustomerPhone,
		Reference:   "POS" + strings.ToUpper(strings.ReplaceAll(sale.ID, "-", "")[:9]),
		Description: "POS sale",
	})
	if err != nil {
		slog.Warn("push rejected", "sale_id", sale.ID, "code", res.Code, "err", err)
		return CreateSaleResult{}, gatewayError(err)
	}
	if !res.Accepted || res.CheckoutRequestID == "" {
		return CreateSaleResult{}, fmt.Errorf("%w: code=%s %s", sales.ErrGatewayRejected, res.Code, res.Description)
	}

	pi := sales.PaymentIntent{
		ID:                uuid.NewString(),
		SaleID:            sale.ID,
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		Amount:            sale.Total,
		Phone:             sale.CustomerPhone,
		Status:            sales.IntentSent,
		CreatedAt:         sale.CreatedAt,
		UpdatedAt:         sale.CreatedAt,
	}
	err = o.Store.InTx(ctx, func(tx sales.Tx) error {
		if err := tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		if err := tx.InsertIntent(ctx, pi); err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		return nil
	})
	if err != nil {
		// The customer has a prompt on their phone; a callback for it will be
		// acknowledged as unknown.
		slog.Error("push accepted but sale not stored", "sale_id", sale.ID, "checkout_id", pi.CheckoutRequestID, "err", err)
		return CreateSaleResult{}, err
	}
	slog.Info("sale pending push confirmation", "sale_id", sale.ID, "checkout_id", pi.CheckoutRequestID, "total", sale.Total.String())
	return CreateSaleResult{
		SaleID:            sale.ID,
		Status:            sales.SalePending,
		Total:             sale.Total.StringFixed(2),
		CheckoutRequestID: pi.CheckoutRequestID,
		Message:           res.Description,
	}, nil
}

func (o *Orchestrator) createQRSale(ctx context.Context, sale sales.Sale, lines []LineInput) (CreateSaleResult, error) {
	ttl := o.QRTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	q, err := sales.NewQRCodePayment(sale.Total, sale.ID, sale.CreatedAt, ttl)
	if err != nil {
		return CreateSaleResult{}, err
	}
	err = o.Store.InTx(ctx, func(tx sales.Tx) error {
		if err := recheck(ctx, tx, lines); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		return tx.InsertQR(ctx, q)
	})
	if err != nil {
		return CreateSaleResult{}, err
	}
	slog.Info("sale pending qr payment", "sale_id", sale.ID, "reference", q.Reference, "expires_at", q.ExpiresAt)
	return CreateSaleResult{
		SaleID:      sale.ID,
		Status:      sales.SalePending,
		Total:       sale.Total.StringFixed(2),
		QRReference: q.Reference,
		QRExpiresAt: &q.ExpiresAt,
	}, nil
}

// gatewayError maps client errors to sale error kinds. A refused token is
// unreachable: the push was never accepted and the next attempt refetches.
func gatewayError(err error) error {
	if errors.Is(err, mpesa.ErrRejected) {
		return fmt.Errorf("%w: %w", sales.ErrGatewayRejected, err)
	}
	return fmt.Errorf("%w: %w", sales.ErrGatewayUnreachable, err)
}

// mergeLines folds repeated products into one line, keeping first-seen order.
func mergeLines(in []LineInput) ([]LineInput, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", sales.ErrValidation)
	}
	idx := map[string]int{}
	out := make([]LineInput, 0, len(in))
	for _, l := range in {
		id := strings.TrimSpace(l.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: item without product id", sales.ErrValidation)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", sales.ErrValidation, id)
		}
		if i, ok := idx[id]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[id] = len(out)
		out = append(out, LineInput{ProductID: id, Quantity: l.Quantity})
	}
	return out, nil
}

func check(l LineInput, p sales.Product, ok bool) error {
	if !ok {
		return fmt.Errorf("%w: unknown product %s", sales.ErrValidation, l.ProductID)
	}
	if !p.Active {
		return fmt.Errorf("%w: %s", sales.ErrProductInactive, p.ID)
	}
	if l.Quantity > p.Stock {
		return fmt.Errorf("%w: %s has %d, requested %d", sales.ErrInsufficientStock, p.ID, p.Stock, l.Quantity)
	}
	return nil
}

func price(lines []LineInput, products map[string]sales.Product) ([]sales.LineItem, decimal.Decimal, error) {
	items := make([]sales.LineItem, 0, len(lines))
	total := decimal.Zero
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if err := check(l, p, ok); err != nil {
			return nil, decimal.Zero, err
		}
		lt := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		items = append(items, sales.LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
			LineTotal: lt,
		})
		total = total.Add(lt)
	}
	if !total.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("%w: sale total must be positive", sales.ErrValidation)
	}
	return items, total, nil
}

// recheck repeats the availability check under row locks.
func recheck(ctx context.Context, tx sales.Tx, lines []LineInput) error {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	locked, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}
	for _, l := range lines {
		p, ok := locked[l.ProductID]
		if err := check(l, p, ok); err != nil {
			return err
		}
	}
	return nil
}

// PaymentStatus is the sale status-poll response body.
type PaymentStatus struct {
	SaleID        string     `json:"saleId"`
	Status        string     `json:"status"`
	SaleStatus    string     `json:"saleStatus"`
	ReceiptNumber string     `json:"receiptNumber,omitempty"`
	CompletedAt   *time.Time `json:"completedAt"`
	Message       string     `json:"message,omitempty"`
}

// PaymentStatus reads the current state of a sale's payment. Only terminal
// answers are cached; they cannot change.
func (o *Orchestrator) PaymentStatus(ctx context.Context, saleID string) (PaymentStatus, error) {
	key := fmt.Sprintf(redisx.KeySaleStatus, saleID)
	if o.Cache != nil {
		if s, err := o.Cache.Get(ctx, key); err == nil && s != "" {
			var ps PaymentStatus
			if json.Unmarshal([]byte(s), &ps) == nil {
				return ps, nil
			}
		}
	}

	s, err := o.Store.GetSale(ctx, saleID)
	if err != nil {
		return PaymentStatus{}, err
	}
	ps := PaymentStatus{
		SaleID:        s.ID,
		Status:        string(s.Status),
		SaleStatus:    string(s.Status),
		ReceiptNumber: s.Receipt,
		CompletedAt:   s.CompletedAt,
	}
	terminal := s.Status.Terminal()

	if s.Method == sales.MethodMpesa {
		pi, err := o.Store.GetIntentBySale(ctx, s.ID)
		switch {
		case err == nil:
			ps.Status = string(pi.Status)
			ps.Message = pi.ErrorDescription
			if ps.ReceiptNumber == "" {
				ps.ReceiptNumber = pi.ReceiptNumber
			}
			terminal = terminal && pi.Status.Terminal()
		case errors.Is(err, sales.ErrNotFound):
		default:
			return PaymentStatus{}, err
		}
	}
	if ps.Message == "" {
		ps.Message = statusMessage(s.Status)
	}

	if terminal && o.Cache != nil {
		if b, err := json.Marshal(ps); err == nil {
			_ = o.Cache.Set(ctx, key, string(b), redisx.TTLStatusCache)
		}
	}
	return ps, nil
}

func statusMessage(st sales.SaleStatus) string {
	switch st {
	case sales.SalePending:
		return "awaiting payment confirmation"
	case sales.SaleCompleted:
		return "payment received"
	case sales.SaleFailed:
		return "payment failed"
	case sales.SaleCancelled:
		return "sale cancelled"
	}
	return ""
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}
