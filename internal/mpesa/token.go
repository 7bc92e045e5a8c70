package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-pos-payments/internal/redisx"
)

// TokenProvider owns one gateway bearer token and its expiry. Concurrent
// callers share a single refresh; an optional shared cache lets several
// instances reuse the same token.
type TokenProvider struct {
	HTTP           *http.Client
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string

	Cache    redisx.Cache // optional
	CacheKey string

	// Skew is subtracted from the gateway-reported lifetime.
	Skew time.Duration
	Now  func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	revoked   string
	group     singleflight.Group
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// Token returns a valid bearer token, fetching a new one if the cached one
// expired or was invalidated.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	now := p.now()
	p.mu.Lock()
	if p.token != "" && now.Before(p.expiresAt) {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	revoked := p.revoked
	p.mu.Unlock()

	if tok, exp, ok := p.fromSharedCache(ctx, now); ok && tok != revoked {
		p.store(tok, exp)
		return tok, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		tok, exp, err := p.fetch(ctx)
		if err != nil {
			// one retry for the token call only
			tok, exp, err = p.fetch(ctx)
		}
		if err != nil {
			return "", err
		}
		p.store(tok, exp)
		p.toSharedCache(ctx, tok, exp)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token after the gateway refused it.
func (p *TokenProvider) Invalidate(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == token {
		p.token, p.expiresAt = "", time.Time{}
	}
	p.revoked = token
}

func (p *TokenProvider) fetch(ctx context.Context) (string, time.Time, error) {
	url := strings.TrimRight(p.BaseURL, "/") + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.SetBasicAuth(p.ConsumerKey, p.ConsumerSecret)

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token request: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return "", time.Time{}, fmt.Errorf("%w: token status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", time.Time{}, fmt.Errorf("%w: token status %d", ErrUnreachable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode token: %v", ErrUnreachable, err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty access token", ErrUnauthorized)
	}
	secs, err := tr.ExpiresIn.Int64()
	if err != nil || secs <= 0 {
		secs = 3599
	}
	lifetime := time.Duration(secs)*time.Second - p.Skew
	if lifetime <= 0 {
		lifetime = time.Duration(secs) * time.Second / 2
	}
	return tr.AccessToken, p.now().Add(lifetime), nil
}

func (p *TokenProvider) store(tok string, exp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token, p.expiresAt = tok, exp
}

// shared cache value: "<unix-expiry>|<token>"
func (p *TokenProvider) fromSharedCache(ctx context.Context, now time.Time) (string, time.Time, bool) {
	if p.Cache == nil || p.CacheKey == "" {
		return "", time.Time{}, false
	}
	v, err := p.Cache.Get(ctx, p.CacheKey)
	if err != nil {
		return "", time.Time{}, false
	}
	unix, tok, ok := strings.Cut(v, "|")
	if !ok || tok == "" {
		return "", time.Time{}, false
	}
	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	exp := time.Unix(sec, 0)
	if !now.Before(exp) {
		return "", time.Time{}, false
	}
	return tok, exp, true
}

func (p *TokenProvider) toSharedCache(ctx context.Context, tok string, exp time.Time) {
	if p.Cache == nil || p.CacheKey == "" {
		return
	}
	ttl := exp.Sub(p.now())
	if ttl <= 0 {
		return
	}
	// a shared-cache failure only costs another instance an extra token call
	_ = p.Cache.Set(ctx, p.CacheKey, fmt.Sprintf("%d|%s", exp.Unix(), tok), ttl)
}

func (p *TokenProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
