package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		price NUMERIC(12,2) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		total NUMERIC(12,2) NOT NULL,
		amount_paid NUMERIC(12,2) NOT NULL DEFAULT 0,
		receipt_number TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		customer_phone TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sales_status ON sales(status)`,

	`CREATE TABLE IF NOT EXISTS sale_items (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(12,2) NOT NULL,
		line_total NUMERIC(12,2) NOT NULL,
		PRIMARY KEY (sale_id, line_no)
	)`,

	`CREATE TABLE IF NOT EXISTS payment_intents (
		id TEXT PRIMARY KEY,
		sale_id TEXT UNIQUE NOT NULL REFERENCES sales(id),
		checkout_request_id TEXT UNIQUE NOT NULL,
		merchant_request_id TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		phone TEXT NOT NULL,
		status TEXT NOT NULL,
		receipt_number TEXT NOT NULL DEFAULT '',
		error_description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS qr_payments (
		id TEXT PRIMARY KEY,
		reference TEXT UNIQUE NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		sale_id TEXT REFERENCES sales(id),
		receipt_number TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		paid_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qr_payments_status ON qr_payments(status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS payment_notifications (
		id TEXT PRIMARY KEY,
		transaction_code TEXT UNIQUE NOT NULL,
		reference TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL,
		matched_qr_id TEXT REFERENCES qr_payments(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_notifications_unmatched ON payment_notifications(received_at) WHERE matched_qr_id IS NULL`,

	`CREATE TABLE IF NOT EXISTS manual_entries (
		id TEXT PRIMARY KEY,
		transaction_code TEXT UNIQUE NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		raw_text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		recorded_by TEXT NOT NULL,
		verified_by TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		sale_id TEXT REFERENCES sales(id),
		created_at TIMESTAMPTZ NOT NULL,
		verified_at TIMESTAMPTZ,
		linked_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS stock_anomalies (
		id BIGSERIAL PRIMARY KEY,
		product_id TEXT NOT NULL,
		sale_id TEXT NOT NULL,
		requested INTEGER NOT NULL,
		available INTEGER NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates every table the service needs. Safe to run on each start.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
