package inventory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-payments/internal/inventory"
	"github.com/ariefcatur/go-pos-payments/internal/memstore"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

func seeded(stock map[string]int) *memstore.Store {
	st := memstore.New()
	for id, n := range stock {
		st.PutProduct(sales.Product{ID: id, SKU: id, Name: id, Stock: n, Price: decimal.NewFromInt(10), Active: true})
	}
	return st
}

func stockOf(t *testing.T, st *memstore.Store, id string) int {
	t.Helper()
	ps, err := st.Products(context.Background(), []string{id})
	require.NoError(t, err)
	return ps[id].Stock
}

func TestDeductSale(t *testing.T) {
	st := seeded(map[string]int{"a": 5, "b": 3})
	l := &inventory.Ledger{}
	sale := sales.Sale{ID: "s1", Items: []sales.LineItem{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 2}}}

	err := st.InTx(context.Background(), func(tx sales.Tx) error {
		anomalies, err := l.DeductSale(context.Background(), tx, sale)
		assert.Empty(t, anomalies)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, st, "a"))
	assert.Equal(t, 1, stockOf(t, st, "b"))
	assert.Empty(t, st.Anomalies())
}

type lockOrderTx struct {
	sales.Tx
	locked []string
}

func (t *lockOrderTx) LockStock(ctx context.Context, productID string) (int, error) {
	t.locked = append(t.locked, productID)
	return t.Tx.LockStock(ctx, productID)
}

func TestDeductSale_LocksInProductOrder(t *testing.T) {
	st := seeded(map[string]int{"a": 5, "b": 5, "c": 5})
	l := &inventory.Ledger{}
	sale := sales.Sale{ID: "s1", Items: []sales.LineItem{
		{ProductID: "c", Quantity: 1}, {ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 1},
	}}

	var locked []string
	err := st.InTx(context.Background(), func(tx sales.Tx) error {
		rec := &lockOrderTx{Tx: tx}
		_, err := l.DeductSale(context.Background(), rec, sale)
		locked = rec.locked
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, locked)
	assert.Equal(t, "c", sale.Items[0].ProductID, "caller's line order is untouched")
	assert.Equal(t, 4, stockOf(t, st, "c"))
}

func TestDeduct_ClampsAndRecordsAnomaly(t *testing.T) {
	st := seeded(map[string]int{"a": 1})
	l := &inventory.Ledger{}

	var got *sales.StockAnomaly
	err := st.InTx(context.Background(), func(tx sales.Tx) error {
		var err error
		got, err = l.Deduct(context.Background(), tx, "s1", "a", 3)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Requested)
	assert.Equal(t, 1, got.Available)
	assert.Equal(t, 0, stockOf(t, st, "a"))
	require.Len(t, st.Anomalies(), 1)
	assert.Equal(t, "s1", st.Anomalies()[0].SaleID)
}

func TestDeduct_RejectsNonPositiveQty(t *testing.T) {
	st := seeded(map[string]int{"a": 1})
	l := &inventory.Ledger{}
	err := st.InTx(context.Background(), func(tx sales.Tx) error {
		_, err := l.Deduct(context.Background(), tx, "s1", "a", 0)
		return err
	})
	require.ErrorIs(t, err, sales.ErrValidation)
	assert.Equal(t, 1, stockOf(t, st, "a"))
}

func TestDeduct_UnknownProductRollsBack(t *testing.T) {
	st := seeded(map[string]int{"a": 5})
	l := &inventory.Ledger{}
	sale := sales.Sale{ID: "s1", Items: []sales.LineItem{{ProductID: "a", Quantity: 1}, {ProductID: "missing", Quantity: 1}}}

	err := st.InTx(context.Background(), func(tx sales.Tx) error {
		_, err := l.DeductSale(context.Background(), tx, sale)
		return err
	})
	require.ErrorIs(t, err, sales.ErrNotFound)
	assert.Equal(t, 5, stockOf(t, st, "a"))
}
