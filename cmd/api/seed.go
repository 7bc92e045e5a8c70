package main

import (
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// demoProducts is the catalogue loaded by the memory driver, or into
// Postgres with SEED_DEMO=1.
func demoProducts() []sales.Product {
	return []sales.Product{
		{ID: "p-sugar-1kg", SKU: "SUG-1KG", Name: "Sugar 1kg", Stock: 40, Price: decimal.NewFromInt(500), Active: true},
		{ID: "p-milk-500", SKU: "MLK-500", Name: "Milk 500ml", Stock: 120, Price: decimal.NewFromInt(150), Active: true},
		{ID: "p-bread-400", SKU: "BRD-400", Name: "Bread 400g", Stock: 60, Price: decimal.NewFromInt(65), Active: true},
		{ID: "p-tea-100", SKU: "TEA-100", Name: "Tea leaves 100g", Stock: 0, Price: decimal.NewFromInt(120), Active: true},
		{ID: "p-soda-old", SKU: "SOD-OLD", Name: "Soda (discontinued)", Stock: 10, Price: decimal.NewFromInt(80), Active: false},
	}
}
