package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo is the Postgres Store.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

func (r *Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertProduct creates or replaces a catalogue row.
func (r *Repo) UpsertProduct(ctx context.Context, p Product) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products (id, sku, name, stock, price, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET sku=EXCLUDED.sku, name=EXCLUDED.name, stock=EXCLUDED.stock,
		    price=EXCLUDED.price, active=EXCLUDED.active, updated_at=now()`,
		p.ID, p.SKU, p.Name, p.Stock, p.Price, p.Active)
	return err
}

func (r *Repo) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	return selectProducts(ctx, r.DB, ids, false)
}

func (r *Repo) GetSale(ctx context.Context, id string) (Sale, error) {
	return selectSale(ctx, r.DB, id, false)
}

func (r *Repo) GetIntentBySale(ctx context.Context, saleID string) (PaymentIntent, error) {
	return scanIntent(r.DB.QueryRow(ctx, intentColumns+` WHERE sale_id=$1`, saleID))
}

func (r *Repo) GetQRByReference(ctx context.Context, ref string) (QRCodePayment, error) {
	return scanQR(r.DB.QueryRow(ctx, qrColumns+` WHERE reference=$1`, ref))
}

func (r *Repo) GetManualEntry(ctx context.Context, id string) (ManualEntry, error) {
	return scanManual(r.DB.QueryRow(ctx, manualColumns+` WHERE id=$1`, id))
}

func (r *Repo) ListMatchableQR(ctx context.Context, now time.Time) ([]QRCodePayment, error) {
	rows, err := r.DB.Query(ctx, qrColumns+` WHERE status='PENDING' AND expires_at >= $1 ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QRCodePayment
	for rows.Next() {
		q, err := scanQR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *Repo) ListUnmatchedNotifications(ctx context.Context, since time.Time) ([]Notification, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, transaction_code, reference, amount, sender, received_at
		FROM payment_notifications
		WHERE matched_qr_id IS NULL AND received_at >= $1
		ORDER BY received_at, id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.TransactionCode, &n.Reference, &n.Amount, &n.Sender, &n.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertNotification is idempotent on transaction_code.
func (r *Repo) InsertNotification(ctx context.Context, n Notification) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO payment_notifications(id, transaction_code, reference, amount, sender, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (transaction_code) DO NOTHING`,
		n.ID, n.TransactionCode, n.Reference, n.Amount, n.Sender, n.ReceivedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

type pgTx struct{ q querier }

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	return selectProducts(ctx, t.q, ids, true)
}

func (t *pgTx) LockStock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := t.q.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	return stock, err
}

func (t *pgTx) SetStock(ctx context.Context, productID string, stock int) error {
	_, err := t.q.Exec(ctx, `UPDATE products SET stock=$2, updated_at=now() WHERE id=$1`, productID, stock)
	return err
}

func (t *pgTx) RecordStockAnomaly(ctx context.Context, a StockAnomaly) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO stock_anomalies(product_id, sale_id, requested, available, at)
		VALUES ($1,$2,$3,$4,$5)`, a.ProductID, a.SaleID, a.Requested, a.Available, a.At)
	return err
}

func (t *pgTx) InsertSale(ctx context.Context, s Sale) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO sales(id, total, amount_paid, receipt_number, method, status, customer_phone, customer_name, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.Total, s.AmountPaid, s.Receipt, string(s.Method), string(s.Status), s.CustomerPhone, s.CustomerName, s.CreatedAt, s.CompletedAt)
	if err != nil {
		return err
	}
	for i, it := range s.Items {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO sale_items(sale_id, line_no, product_id, name, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			s.ID, i+1, it.ProductID, it.Name, it.Quantity, it.UnitPrice, it.LineTotal); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, id string) (Sale, error) {
	return selectSale(ctx, t.q, id, true)
}

func (t *pgTx) UpdateSaleStatus(ctx context.Context, id string, st SaleTransition) (bool, error) {
	if !CanTransition(st.From, st.To) {
		return false, fmt.Errorf("%w: %s -> %s", ErrValidation, st.From, st.To)
	}
	var completedAt *time.Time
	if st.To == SaleCompleted {
		completedAt = &st.At
	}
	ct, err := t.q.Exec(ctx, `
		UPDATE sales SET status=$3, amount_paid=$4, receipt_number=$5, completed_at=$6, updated_at=$7
		WHERE id=$1 AND status=$2`,
		id, string(st.From), string(st.To), st.AmountPaid, st.Receipt, completedAt, st.At)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) InsertIntent(ctx context.Context, pi PaymentIntent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payment_intents(id, sale_id, checkout_request_id, merchant_request_id, amount, phone, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		pi.ID, pi.SaleID, pi.CheckoutRequestID, pi.MerchantRequestID, pi.Amount, pi.Phone, string(pi.Status), pi.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: checkout request %s already recorded", ErrValidation, pi.CheckoutRequestID)
	}
	return err
}

func (t *pgTx) LockIntentByCheckoutID(ctx context.Context, checkoutID string) (PaymentIntent, error) {
	return scanIntent(t.q.QueryRow(ctx, intentColumns+` WHERE checkout_request_id=$1 FOR UPDATE`, checkoutID))
}

func (t *pgTx) UpdateIntent(ctx context.Context, id string, from IntentStatus, u IntentUpdate) (bool, error) {
	var completedAt *time.Time
	if u.Status == IntentCompleted {
		completedAt = &u.At
	}
	ct, err := t.q.Exec(ctx, `
		UPDATE payment_intents
		SET status=$3, receipt_number=$4, error_description=$5, updated_at=$6, completed_at=$7,
		    amount = CASE WHEN $8::numeric > 0 THEN $8::numeric ELSE amount END
		WHERE id=$1 AND status=$2`,
		id, string(from), string(u.Status), u.ReceiptNumber, u.ErrorDescription, u.At, completedAt, u.Amount)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) InsertQR(ctx context.Context, q QRCodePayment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO qr_payments(id, reference, amount, expires_at, status, sale_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		q.ID, q.Reference, q.Amount, q.ExpiresAt, string(q.Status), nullable(q.SaleID), q.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: reference %s already exists", ErrValidation, q.Reference)
	}
	return err
}

func (t *pgTx) LockQR(ctx context.Context, id string) (QRCodePayment, error) {
	return scanQR(t.q.QueryRow(ctx, qrColumns+` WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) MarkQRPaid(ctx context.Context, id, receipt string, at time.Time) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE qr_payments SET status='PAID', receipt_number=$2, paid_at=$3
		WHERE id=$1 AND status='PENDING' AND expires_at >= $3`, id, receipt, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) ExpireQR(ctx context.Context, now time.Time) (int, error) {
	ct, err := t.q.Exec(ctx, `UPDATE qr_payments SET status='EXPIRED' WHERE status='PENDING' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (t *pgTx) MarkNotificationMatched(ctx context.Context, notificationID, qrID string) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE payment_notifications SET matched_qr_id=$2
		WHERE id=$1 AND matched_qr_id IS NULL`, notificationID, qrID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) InsertManualEntry(ctx context.Context, e ManualEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO manual_entries(id, transaction_code, amount, sender, raw_text, status, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TransactionCode, e.Amount, e.Sender, e.RawText, string(e.Status), e.RecordedBy, e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction code %s already recorded", ErrValidation, e.TransactionCode)
	}
	return err
}

func (t *pgTx) LockManualEntry(ctx context.Context, id string) (ManualEntry, error) {
	return scanManual(t.q.QueryRow(ctx, manualColumns+` WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) DecideManualEntry(ctx context.Context, id string, to ManualStatus, operator, reason string, at time.Time) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE manual_entries SET status=$2, verified_by=$3, reject_reason=$4, verified_at=$5
		WHERE id=$1 AND status='PENDING'`, id, string(to), operator, reason, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) LinkManualEntry(ctx context.Context, id, saleID string, at time.Time) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE manual_entries SET sale_id=$2, linked_at=$3
		WHERE id=$1 AND status='VERIFIED' AND sale_id IS NULL`, id, saleID, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// ---- scanning helpers ----

func selectProducts(ctx context.Context, q querier, ids []string, lock bool) (map[string]Product, error) {
	out := map[string]Product{}
	if len(ids) == 0 {
		return out, nil
	}
	sql := `SELECT id, sku, name, stock, price, active, updated_at FROM products WHERE id = ANY($1) ORDER BY id COLLATE "C"`
	if lock {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.Price, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func selectSale(ctx context.Context, q querier, id string, lock bool) (Sale, error) {
	sql := `SELECT id, total, amount_paid, receipt_number, method, status, customer_phone, customer_name, created_at, completed_at
	        FROM sales WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		s              Sale
		method, status string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&s.ID, &s.Total, &s.AmountPaid, &s.Receipt, &method, &status,
		&s.CustomerPhone, &s.CustomerName, &s.CreatedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, fmt.Errorf("%w: sale %s", ErrNotFound, id)
	}
	if err != nil {
		return Sale{}, err
	}
	s.Method, s.Status = PaymentMethod(method), SaleStatus(status)

	rows, err := q.Query(ctx, `
		SELECT product_id, name, quantity, unit_price, line_total
		FROM sale_items WHERE sale_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return Sale{}, err
		}
		s.Items = append(s.Items, it)
	}
	return s, rows.Err()
}

const intentColumns = `SELECT id, sale_id, checkout_request_id, merchant_request_id, amount, phone, status,
	receipt_number, error_description, created_at, updated_at, completed_at FROM payment_intents`

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var (
		pi     PaymentIntent
		status string
	)
	err := row.Scan(&pi.ID, &pi.SaleID, &pi.CheckoutRequestID, &pi.MerchantRequestID, &pi.Amount, &pi.Phone,
		&status, &pi.ReceiptNumber, &pi.ErrorDescription, &pi.CreatedAt, &pi.UpdatedAt, &pi.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, ErrNotFound
	}
	pi.Status = IntentStatus(status)
	return pi, err
}

const qrColumns = `SELECT id, reference, amount, expires_at, status, sale_id, receipt_number, created_at, paid_at FROM qr_payments`

func scanQR(row pgx.Row) (QRCodePayment, error) {
	var (
		q      QRCodePayment
		status string
		saleID *string
	)
	err := row.Scan(&q.ID, &q.Reference, &q.Amount, &q.ExpiresAt, &status, &saleID, &q.ReceiptNumber, &q.CreatedAt, &q.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return QRCodePayment{}, ErrNotFound
	}
	q.Status, q.SaleID = QRStatus(status), deref(saleID)
	return q, err
}

const manualColumns = `SELECT id, transaction_code, amount, sender, raw_text, status, recorded_by, verified_by,
	reject_reason, sale_id, created_at, verified_at, linked_at FROM manual_entries`

func scanManual(row pgx.Row) (ManualEntry, error) {
	var (
		e      ManualEntry
		status string
		saleID *string
	)
	err := row.Scan(&e.ID, &e.TransactionCode, &e.Amount, &e.Sender, &e.RawText, &status, &e.RecordedBy,
		&e.VerifiedBy, &e.RejectReason, &saleID, &e.CreatedAt, &e.VerifiedAt, &e.LinkedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ManualEntry{}, ErrNotFound
	}
	e.Status, e.SaleID = ManualStatus(status), deref(saleID)
	return e, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
