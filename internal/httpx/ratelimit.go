package httpx

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// RateLimiter keeps one token bucket per client, keyed by operator id when
// present and remote address otherwise. Idle buckets are dropped lazily.
type RateLimiter struct {
	RPS   float64
	Burst int
	Idle  time.Duration

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{RPS: rps, Burst: burst, Idle: 30 * time.Minute, clients: map[string]*clientLimiter{}}
}

func (rl *RateLimiter) allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > 5*time.Minute {
		for k, c := range rl.clients {
			if now.Sub(c.last) > rl.Idle {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.RPS), rl.Burst)}
		rl.clients[key] = c
	}
	c.last = now
	return c.limiter.Allow()
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderOperator)
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(key); err == nil {
				key = host
			}
		}
		if !rl.allow(key) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
