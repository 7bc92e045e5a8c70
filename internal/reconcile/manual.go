package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

// ManualEntryVerifier is the operator fallback: record, verify, link.
type ManualEntryVerifier struct {
	Store     sales.Store
	Completer *Completer
	Now       func() time.Time
}

type RecordInput struct {
	RawText         string
	TransactionCode string
	Amount          decimal.Decimal
	Sender          string
	Operator        string
}

// Record stores a Pending entry. Fields parsed from RawText are overridden by
// any field given explicitly.
func (v *ManualEntryVerifier) Record(ctx context.Context, in RecordInput) (sales.ManualEntry, error) {
	if strings.TrimSpace(in.Operator) == "" {
		return sales.ManualEntry{}, fmt.Errorf("%w: operator is required", sales.ErrValidation)
	}
	p := ParseNotification(in.RawText)
	if c := strings.TrimSpace(in.TransactionCode); c != "" {
		p.TransactionCode = c
	}
	if !in.Amount.IsZero() {
		p.Amount = in.Amount
	}
	if s := strings.TrimSpace(in.Sender); s != "" {
		p.Sender = s
	}
	if p.TransactionCode == "" {
		return sales.ManualEntry{}, fmt.Errorf("%w: transaction code is required", sales.ErrValidation)
	}
	if !p.Amount.IsPositive() {
		return sales.ManualEntry{}, fmt.Errorf("%w: amount must be positive", sales.ErrValidation)
	}

	e := sales.ManualEntry{
		ID:              uuid.NewString(),
		TransactionCode: strings.ToUpper(p.TransactionCode),
		Amount:          p.Amount,
		Sender:          p.Sender,
		RawText:         in.RawText,
		Status:          sales.ManualPending,
		RecordedBy:      in.Operator,
		CreatedAt:       v.now(),
	}
	if err := v.Store.InTx(ctx, func(tx sales.Tx) error {
		return tx.InsertManualEntry(ctx, e)
	}); err != nil {
		return sales.ManualEntry{}, err
	}
	slog.Info("manual entry recorded", "entry_id", e.ID, "transaction_code", e.TransactionCode, "amount", e.Amount.String(), "operator", e.RecordedBy)
	return e, nil
}

// Verify accepts or rejects a Pending entry. Rejection needs a reason. A
// second decision on the same entry is ErrDuplicateSignal.
func (v *ManualEntryVerifier) Verify(ctx context.Context, id, operator string, accept bool, reason string) (sales.ManualEntry, error) {
	if strings.TrimSpace(operator) == "" {
		return sales.ManualEntry{}, fmt.Errorf("%w: operator is required", sales.ErrValidation)
	}
	reason = strings.TrimSpace(reason)
	to := sales.ManualVerified
	if !accept {
		if reason == "" {
			return sales.ManualEntry{}, fmt.Errorf("%w: rejection reason is required", sales.ErrValidation)
		}
		to = sales.ManualRejected
	}

	var out sales.ManualEntry
	err := v.Store.InTx(ctx, func(tx sales.Tx) error {
		e, err := tx.LockManualEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != sales.ManualPending {
			return fmt.Errorf("%w: entry %s already %s", sales.ErrDuplicateSignal, e.ID, e.Status)
		}
		now := v.now()
		ok, err := tx.DecideManualEntry(ctx, e.ID, to, operator, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entry %s changed concurrently", sales.ErrDuplicateSignal, e.ID)
		}
		e.Status, e.VerifiedBy, e.RejectReason, e.VerifiedAt = to, operator, reason, &now
		out = e
		return nil
	})
	if err != nil {
		return sales.ManualEntry{}, err
	}
	slog.Info("manual entry decided", "entry_id", out.ID, "status", out.Status, "operator", operator, "reason", reason)
	return out, nil
}

// Link attaches a Verified entry to a Pending sale and completes the sale
// through the shared guard. Nothing is linked if the sale cannot complete.
func (v *ManualEntryVerifier) Link(ctx context.Context, id, saleID string) (sales.ManualEntry, error) {
	if strings.TrimSpace(saleID) == "" {
		return sales.ManualEntry{}, fmt.Errorf("%w: sale id is required", sales.ErrValidation)
	}

	var (
		out sales.ManualEntry
		t   *Transition
	)
	err := v.Store.InTx(ctx, func(tx sales.Tx) error {
		e, err := tx.LockManualEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.SaleID != "" {
			return fmt.Errorf("%w: entry %s is linked to sale %s", sales.ErrAlreadyLinked, e.ID, e.SaleID)
		}
		if e.Status != sales.ManualVerified {
			return fmt.Errorf("%w: entry %s is %s, not verified", sales.ErrValidation, e.ID, e.Status)
		}

		s, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return fmt.Errorf("%w: sale %s already %s", sales.ErrDuplicateSignal, s.ID, s.Status)
		}
		if !e.Amount.Equal(s.Total) {
			return fmt.Errorf("%w: entry amount %s does not match sale total %s", sales.ErrValidation, e.Amount, s.Total)
		}

		now := v.now()
		ok, err := tx.LinkManualEntry(ctx, e.ID, s.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entry %s", sales.ErrAlreadyLinked, e.ID)
		}

		t, err = v.Completer.Apply(ctx, tx, Confirmation{
			SaleID:  s.ID,
			Status:  sales.SaleCompleted,
			Amount:  e.Amount,
			Receipt: e.TransactionCode,
			Source:  sales.SourceManual,
		})
		if err != nil {
			return err
		}
		e.SaleID, e.LinkedAt = s.ID, &now
		out = e
		return nil
	})
	if err != nil {
		if errors.Is(err, sales.ErrDuplicateSignal) {
			slog.Info("manual link skipped", "entry_id", id, "sale_id", saleID, "reason", err)
		}
		return sales.ManualEntry{}, err
	}
	v.Completer.Announce(t)
	return out, nil
}

func (v *ManualEntryVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}
