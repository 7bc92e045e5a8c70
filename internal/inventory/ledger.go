package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// Ledger deducts stock inside the caller's transaction. It has no memory of
// which sales it has already seen: the guarded sale transition that calls it
// is the only idempotency boundary.
type Ledger struct {
	Now func() time.Time
}

// Deduct lowers stock by qty. When stock would go negative it clamps at zero,
// records a StockAnomaly and returns it instead of failing, so a confirmed
// payment is never rolled back over a stock mismatch.
func (l *Ledger) Deduct(ctx context.Context, tx sales.Tx, saleID, productID string, qty int) (*sales.StockAnomaly, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: deduct qty %d for product %s", sales.ErrValidation, qty, productID)
	}
	stock, err := tx.LockStock(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lock stock %s: %w", productID, err)
	}

	next := stock - qty
	var anomaly *sales.StockAnomaly
	if next < 0 {
		next = 0
		anomaly = &sales.StockAnomaly{
			ProductID: productID,
			SaleID:    saleID,
			Requested: qty,
			Available: stock,
			At:        l.now(),
		}
		if err := tx.RecordStockAnomaly(ctx, *anomaly); err != nil {
			return nil, fmt.Errorf("record anomaly %s: %w", productID, err)
		}
		slog.Warn("stock clamped at zero",
			"sale_id", saleID, "product_id", productID, "requested", qty, "available", stock)
	}

	if err := tx.SetStock(ctx, productID, next); err != nil {
		return nil, fmt.Errorf("set stock %s: %w", productID, err)
	}
	return anomaly, nil
}

// DeductSale deducts every line of a sale and collects the anomalies.
// Rows are locked in product id order, the same order LockProducts uses,
// so two sales sharing products cannot deadlock each other.
func (l *Ledger) DeductSale(ctx context.Context, tx sales.Tx, s sales.Sale) ([]sales.StockAnomaly, error) {
	items := make([]sales.LineItem, len(s.Items))
	copy(items, s.Items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	var out []sales.StockAnomaly
	for _, it := range items {
		a, err := l.Deduct(ctx, tx, s.ID, it.ProductID, it.Quantity)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}
