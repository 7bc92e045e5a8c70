package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ariefcatur/go-pos-payments/internal/redisx"
	"github.com/ariefcatur/go-pos-payments/internal/sales"
)

const callbackSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["Body"],
  "properties": {
    "Body": {
      "type": "object",
      "required": ["stkCallback"],
      "properties": {
        "stkCallback": {
          "type": "object",
          "required": ["MerchantRequestID", "CheckoutRequestID", "ResultCode", "ResultDesc"],
          "properties": {
            "MerchantRequestID": { "type": "string" },
            "CheckoutRequestID": { "type": "string", "minLength": 1 },
            "ResultCode": { "type": "integer" },
            "ResultDesc": { "type": "string" },
            "CallbackMetadata": {
              "type": "object",
              "required": ["Item"],
              "properties": {
                "Item": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["Name"],
                    "properties": { "Name": { "type": "string" } }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var callbackLoader = gojsonschema.NewStringLoader(callbackSchema)

// Callback is the typed form of one gateway webhook delivery.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Set only when ResultCode == 0.
	Receipt         string
	Amount          decimal.Decimal
	TransactionDate time.Time
	Phone           string
}

func (cb Callback) Succeeded() bool { return cb.ResultCode == 0 }

type wireCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback checks body against the webhook schema before reading any
// field. A body without a checkout request id is ErrUnknownTransaction; any
// other shape problem is ErrValidation.
func ParseCallback(body []byte) (Callback, error) {
	res, err := gojsonschema.Validate(callbackLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Callback{}, fmt.Errorf("%w: callback is not json: %v", sales.ErrUnknownTransaction, err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var w wireCallback
	decodeErr := dec.Decode(&w)
	sc := w.Body.StkCallback

	if !res.Valid() {
		var sb strings.Builder
		for _, e := range res.Errors() {
			sb.WriteString(e.String())
			sb.WriteString("; ")
		}
		if strings.TrimSpace(sc.CheckoutRequestID) == "" {
			return Callback{}, fmt.Errorf("%w: %s", sales.ErrUnknownTransaction, sb.String())
		}
		return Callback{CheckoutRequestID: sc.CheckoutRequestID}, fmt.Errorf("%w: %s", sales.ErrValidation, sb.String())
	}
	if decodeErr != nil {
		return Callback{}, fmt.Errorf("%w: decode callback: %v", sales.ErrValidation, decodeErr)
	}

	cb := Callback{
		MerchantRequestID: sc.MerchantRequestID,
		CheckoutRequestID: sc.CheckoutRequestID,
		ResultCode:        sc.ResultCode,
		ResultDesc:        sc.ResultDesc,
	}
	if !cb.Succeeded() {
		return cb, nil
	}

	if sc.CallbackMetadata == nil {
		return cb, fmt.Errorf("%w: success callback without metadata", sales.ErrValidation)
	}
	for _, it := range sc.CallbackMetadata.Item {
		v := metaString(it.Value)
		switch it.Name {
		case "MpesaReceiptNumber":
			cb.Receipt = v
		case "Amount":
			amt, err := decimal.NewFromString(v)
			if err != nil {
				return cb, fmt.Errorf("%w: amount %q", sales.ErrValidation, v)
			}
			cb.Amount = amt
		case "TransactionDate":
			if t, err := time.ParseInLocation("20060102150405", v, eat); err == nil {
				cb.TransactionDate = t
			}
		case "PhoneNumber":
			cb.Phone = v
		}
	}
	if cb.Receipt == "" {
		return cb, fmt.Errorf("%w: success callback without receipt number", sales.ErrValidation)
	}
	if !cb.Amount.IsPositive() {
		return cb, fmt.Errorf("%w: success callback without amount", sales.ErrValidation)
	}
	return cb, nil
}

var eat = time.FixedZone("EAT", 3*60*60)

func metaString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// CallbackReconciler applies gateway webhooks.
type CallbackReconciler struct {
	Store     sales.Store
	Completer *Completer
	Dedup     redisx.Cache // optional fast path

	Now func() time.Time
}

// Handle processes one webhook body. It never returns an error: internal
// failures roll back completely, are logged, and surface as KindError so the
// caller can still acknowledge the delivery.
func (r *CallbackReconciler) Handle(ctx context.Context, body []byte) Result {
	cb, err := ParseCallback(body)
	if err != nil {
		res := resultFor(err, "")
		slog.Warn("callback rejected", "checkout_id", cb.CheckoutRequestID, "kind", res.Kind, "err", err)
		return res
	}

	dedupKey := fmt.Sprintf(redisx.KeyDedup, "webhook", cb.CheckoutRequestID)
	if r.Dedup != nil {
		if seen, err := r.Dedup.Exists(ctx, dedupKey); err == nil && seen {
			slog.Info("callback duplicate (cache)", "checkout_id", cb.CheckoutRequestID)
			return Result{Kind: KindDuplicate, Message: "already processed"}
		}
	}

	res, err := r.Apply(ctx, cb)
	if err != nil {
		slog.Error("callback processing failed", "checkout_id", cb.CheckoutRequestID, "err", err)
		return res
	}
	if r.Dedup != nil && (res.Kind == KindApplied || res.Kind == KindDuplicate) {
		_ = r.Dedup.Set(ctx, dedupKey, "1", redisx.TTLDedup)
	}
	return res
}

// Apply runs the guarded state machine for one typed callback.
func (r *CallbackReconciler) Apply(ctx context.Context, cb Callback) (Result, error) {
	var (
		t      *Transition
		saleID string
		note   string
	)
	err := r.Store.InTx(ctx, func(tx sales.Tx) error {
		pi, err := tx.LockIntentByCheckoutID(ctx, cb.CheckoutRequestID)
		if errors.Is(err, sales.ErrNotFound) {
			return fmt.Errorf("%w: checkout request %s", sales.ErrUnknownTransaction, cb.CheckoutRequestID)
		}
		if err != nil {
			return err
		}
		saleID = pi.SaleID
		if pi.Status.Terminal() {
			return fmt.Errorf("%w: intent %s already %s", sales.ErrDuplicateSignal, pi.ID, pi.Status)
		}

		now := r.now()
		upd := sales.IntentUpdate{Status: sales.IntentFailed, ErrorDescription: cb.ResultDesc, At: now}
		cf := Confirmation{SaleID: pi.SaleID, Status: sales.SaleFailed, Reason: cb.ResultDesc, Source: sales.SourceWebhook}
		if cb.Succeeded() {
			upd = sales.IntentUpdate{Status: sales.IntentCompleted, ReceiptNumber: cb.Receipt, Amount: cb.Amount, At: now}
			cf = Confirmation{SaleID: pi.SaleID, Status: sales.SaleCompleted, Amount: cb.Amount, Receipt: cb.Receipt, Source: sales.SourceWebhook}
		}

		ok, err := tx.UpdateIntent(ctx, pi.ID, sales.IntentSent, upd)
		if err != nil {
			return fmt.Errorf("update intent %s: %w", pi.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: intent %s changed concurrently", sales.ErrDuplicateSignal, pi.ID)
		}

		t, err = r.Completer.Apply(ctx, tx, cf)
		if errors.Is(err, sales.ErrDuplicateSignal) {
			// The sale was settled by another channel first; the intent
			// still records what the gateway said.
			note = err.Error()
			return nil
		}
		return err
	})
	if err != nil {
		res := resultFor(err, saleID)
		if res.Kind == KindError {
			return res, err
		}
		slog.Info("callback not applied", "checkout_id", cb.CheckoutRequestID, "kind", res.Kind, "reason", err)
		return res, nil
	}

	if t == nil {
		slog.Warn("callback recorded on intent only", "checkout_id", cb.CheckoutRequestID, "sale_id", saleID, "reason", note)
		return Result{Kind: KindDuplicate, SaleID: saleID, Message: note}, nil
	}
	r.Completer.Announce(t)
	return Result{Kind: KindApplied, SaleID: t.Sale.ID, SaleStatus: t.Sale.Status}, nil
}

func (r *CallbackReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
