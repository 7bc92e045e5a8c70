package sales

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewQRCodePayment builds a Pending QR payment with a fresh opaque
// reference. saleID may be empty.
func NewQRCodePayment(amount decimal.Decimal, saleID string, now time.Time, ttl time.Duration) (QRCodePayment, error) {
	if !amount.IsPositive() {
		return QRCodePayment{}, fmt.Errorf("%w: qr amount must be positive", ErrValidation)
	}
	if ttl <= 0 {
		return QRCodePayment{}, fmt.Errorf("%w: qr ttl must be positive", ErrValidation)
	}
	id := uuid.New()
	return QRCodePayment{
		ID:        id.String(),
		Reference: "QR" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10]),
		Amount:    amount,
		ExpiresAt: now.Add(ttl),
		Status:    QRPending,
		SaleID:    saleID,
		CreatedAt: now,
	}, nil
}
