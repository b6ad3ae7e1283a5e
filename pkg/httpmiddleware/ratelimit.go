package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc picks the bucket of a request. Defaults to ClientKey.
	KeyFunc func(*http.Request) string
}

// bucket counts requests in the current fixed window and the one before it.
// The effective count weighs the previous window by how much of it still
// overlaps the sliding window.
type bucket struct {
	start time.Time
	curr  float64
	prev  float64
}

type limiter struct {
	max    int
	window time.Duration
	mu     sync.Mutex
	byKey  map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{max: cfg.Max, window: cfg.Window, byKey: map[string]*bucket{}}
}

func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.byKey[key]
	if b == nil {
		b = &bucket{start: now.Truncate(l.window)}
		l.byKey[key] = b
	}
	switch elapsed := now.Sub(b.start); {
	case elapsed >= 2*l.window:
		b.start, b.prev, b.curr = now.Truncate(l.window), 0, 0
	case elapsed >= l.window:
		b.start, b.prev, b.curr = b.start.Add(l.window), b.curr, 0
	}

	weight := 1 - now.Sub(b.start).Seconds()/l.window.Seconds()
	count := b.prev*max(weight, 0) + b.curr
	reset = b.start.Add(l.window)
	if count >= float64(l.max) {
		return 0, reset, false
	}
	b.curr++
	return max(int(float64(l.max)-count-1), 0), reset, true
}

func (l *limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.byKey {
		if now.Sub(b.start) >= 2*l.window {
			delete(l.byKey, k)
		}
	}
}

// RateLimit limits requests per key. Every response carries the
// X-RateLimit-* headers; rejected ones get 429 and Retry-After.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, newLimiter(cfg))
}

// RateLimitWithCleanup is RateLimit plus a goroutine that drops idle
// buckets until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		t := time.NewTicker(2 * cfg.Window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				l.sweep(now)
			}
		}
	}()
	return rateLimit(cfg, l)
}

func rateLimit(cfg RateLimitConfig, l *limiter) Middleware {
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = ClientKey
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			remaining, reset, ok := l.take(keyOf(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				wait := max(reset.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey buckets authenticated callers by a fingerprint of their bearer
// token and everyone else by client IP.
func ClientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		sum := sha256.Sum256([]byte(strings.TrimSpace(auth[7:])))
		return "tok:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the remote
// address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
