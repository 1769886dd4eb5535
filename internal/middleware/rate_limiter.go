package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowforge/backend/internal/tenancy"
)

// RateLimiter enforces a per-account request budget at the HTTP edge using
// a fixed one-minute window. Expired windows are garbage-collected in the
// background.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateWindow
	perMin   int
	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per account.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 300
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		perMin:  perMinute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// WithClock injects a time source for tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// Allow reports whether another request fits the account's current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.perMin {
		return false
	}
	w.count++
	return true
}

// Middleware rejects over-budget requests with 429. It must run after the
// tenant middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := tenancy.AccountID(r.Context())
		if err != nil {
			http.Error(w, "missing tenant context", http.StatusUnauthorized)
			return
		}
		if !rl.Allow(accountID) {
			slog.Warn("rate limit exceeded", "account_id", accountID, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := rl.now().Add(-2 * time.Minute)
			rl.mu.Lock()
			for key, w := range rl.windows {
				if w.start.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Close stops the background cleanup.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
