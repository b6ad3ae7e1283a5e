// Package health implements liveness and readiness probes backed by
// periodically executed checks.
//
// A check flips to unhealthy only after a number of consecutive failures
// and back after a number of consecutive successes (see WithThresholds). Checks
// registered as non-critical are reported but never fail a probe; a probe
// with a failing non-critical check answers 200 with status "degraded".
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Option tunes a registered check.
type Option func(*check)

// WithThresholds overrides the default failure (3) and success (1)
// thresholds.
func WithThresholds(failures, successes int) Option {
	return func(c *check) {
		c.failThreshold = max(failures, 1)
		c.okThreshold = max(successes, 1)
	}
}

// NonCritical marks a check as informational.
func NonCritical() Option {
	return func(c *check) { c.critical = false }
}

type check struct {
	name          string
	timeout       time.Duration
	fn            CheckFunc
	critical      bool
	failThreshold int
	okThreshold   int

	healthy atomic.Bool
	lastErr atomic.Pointer[string]

	// Owned by the goroutine running the check.
	fails, oks int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.fn(ctx); err != nil {
		msg := err.Error()
		c.lastErr.Store(&msg)
		c.oks = 0
		if c.fails++; c.fails >= c.failThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.lastErr.Store(nil)
	c.fails = 0
	if c.oks++; c.oks >= c.okThreshold {
		c.healthy.Store(true)
	}
}

// state is "ok" or the last failure message.
func (c *check) state() (healthy bool, msg string) {
	if c.healthy.Load() {
		return true, "ok"
	}
	if p := c.lastErr.Load(); p != nil {
		return false, *p
	}
	return false, "check is unhealthy"
}

// Health owns the registered checks and serves the probe endpoints.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*check
	readiness []*check
	cancel    context.CancelFunc
}

// New creates a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

func newCheck(name string, timeout time.Duration, fn CheckFunc, opts []Option) *check {
	c := &check{
		name:          name,
		timeout:       timeout,
		fn:            fn,
		critical:      true,
		failThreshold: 3,
		okThreshold:   1,
	}
	for _, o := range opts {
		o(c)
	}
	c.healthy.Store(true)
	return c
}

// AddLivenessCheck registers a check that reports whether the process works.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newCheck(name, timeout, fn, opts))
}

// AddReadinessCheck registers a check that gates incoming traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newCheck(name, timeout, fn, opts))
}

// Start runs every check immediately and then once per interval until Stop
// or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	all := append(append([]*check{}, h.liveness...), h.readiness...)
	h.mu.Unlock()

	for _, c := range all {
		go func(c *check) {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				c.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
		}(c)
	}
}

// Stop stops the background checks. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady sets the manual readiness flag.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and every critical
// readiness check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	r := evaluate(h.snapshot(false))
	return r.status != statusUnhealthy
}

func (h *Health) snapshot(liveness bool) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if liveness {
		return append([]*check{}, h.liveness...)
	}
	return append([]*check{}, h.readiness...)
}

const (
	statusOK        = "ok"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type report struct {
	status string
	checks map[string]string
}

func evaluate(checks []*check) report {
	r := report{status: statusOK, checks: make(map[string]string, len(checks))}
	for _, c := range checks {
		healthy, msg := c.state()
		r.checks[c.name] = msg
		switch {
		case healthy:
		case c.critical:
			r.status = statusUnhealthy
		case r.status == statusOK:
			r.status = statusDegraded
		}
	}
	return r
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	write(w, evaluate(h.snapshot(true)))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	r := evaluate(h.snapshot(false))
	if !h.ready.Load() {
		r.status = statusUnhealthy
		r.checks["_readiness"] = "service is not ready"
	}
	write(w, r)
}

// write answers 200 unless the report is unhealthy. Check details are
// included whenever the report is not ok.
func write(w http.ResponseWriter, r report) {
	code := http.StatusOK
	if r.status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(r.status) })
		if r.status == statusOK {
			return
		}
		names := make([]string, 0, len(r.checks))
		for n := range r.checks {
			names = append(names, n)
		}
		sort.Strings(names)
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, n := range names {
					e.Field(n, func(e *jx.Encoder) { e.Str(r.checks[n]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
