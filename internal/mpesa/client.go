package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected: the gateway answered with a non-zero application code.
	ErrRejected = errors.New("gateway rejected push")
	// ErrUnreachable: network failure, timeout or gateway-side 5xx.
	ErrUnreachable = errors.New("gateway unreachable")
	// ErrUnauthorized: the bearer token or credentials were refused.
	ErrUnauthorized = errors.New("gateway unauthorized")
)

// Gateway timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Client struct {
	HTTP        *http.Client
	BaseURL     string
	ShortCode   string
	PassKey     string
	CallbackURL string
	Tokens      *TokenProvider
	Now         func() time.Time
}

type PushRequest struct {
	Amount      decimal.Decimal
	Phone       string // already normalized
	Reference   string
	Description string
}

// PushResult is the normalized gateway answer.
type PushResult struct {
	Accepted          bool
	CheckoutRequestID string
	MerchantRequestID string
	Code              string
	Description       string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func Timestamp(t time.Time) string {
	return t.In(eat).Format("20060102150405")
}

// Push submits one STK push. It is never retried: on a refused token the
// cached token is dropped and ErrUnauthorized is returned, leaving the next
// sale attempt to pick up a fresh token.
func (c *Client) Push(ctx context.Context, pr PushRequest) (PushResult, error) {
	amount := pr.Amount.Ceil().IntPart()
	if amount < 1 {
		return PushResult{}, fmt.Errorf("%w: amount must be at least 1", ErrRejected)
	}

	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return PushResult{}, err
	}

	ts := Timestamp(c.now())
	body := stkPushBody{
		BusinessShortCode: c.ShortCode,
		Password:          Password(c.ShortCode, c.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            pr.Phone,
		PartyB:            c.ShortCode,
		PhoneNumber:       pr.Phone,
		CallBackURL:       c.CallbackURL,
		AccountReference:  truncate(pr.Reference, 12),
		TransactionDesc:   truncate(pr.Description, 13),
	}
	b, err := json.Marshal(body)
	if err != nil {
		return PushResult{}, err
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return PushResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.Tokens.Invalidate(token)
		return PushResult{}, fmt.Errorf("%w: push status 401", ErrUnauthorized)
	}
	if resp.StatusCode >= 500 {
		return PushResult{}, fmt.Errorf("%w: push status %d", ErrUnreachable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: read push response: %v", ErrUnreachable, err)
	}
	return normalize(resp.StatusCode, raw)
}

func normalize(status int, raw []byte) (PushResult, error) {
	var r stkPushResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return PushResult{Code: fmt.Sprintf("http_%d", status), Description: "malformed gateway response"},
			fmt.Errorf("%w: malformed response (status %d)", ErrRejected, status)
	}

	res := PushResult{
		CheckoutRequestID: r.CheckoutRequestID,
		MerchantRequestID: r.MerchantRequestID,
		Code:              r.ResponseCode,
		Description:       r.ResponseDescription,
	}
	if status >= 300 || r.ErrorCode != "" {
		res.Code, res.Description = r.ErrorCode, r.ErrorMessage
		if res.Code == "" {
			res.Code = fmt.Sprintf("http_%d", status)
		}
		return res, fmt.Errorf("%w: code=%s %s", ErrRejected, res.Code, res.Description)
	}
	if r.ResponseCode != "0" || r.CheckoutRequestID == "" {
		return res, fmt.Errorf("%w: code=%s %s", ErrRejected, r.ResponseCode, r.ResponseDescription)
	}
	res.Accepted = true
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
