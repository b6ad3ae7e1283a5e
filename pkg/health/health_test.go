package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probe(t *testing.T, fn http.HandlerFunc) (int, body) {
	t.Helper()

	w := httptest.NewRecorder()
	fn(w, httptest.NewRequest(http.MethodGet, "/", nil))
	var b body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return w.Code, b
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func passing(context.Context) error { return nil }

// runN executes every check n times synchronously.
func runN(h *Health, n int) {
	for range n {
		for _, c := range append(h.snapshot(true), h.snapshot(false)...) {
			c.run(context.Background())
		}
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("ok", time.Second, passing)
	code, b := probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", b.Status)
	assert.Nil(t, b.Checks)

	h.AddLivenessCheck("broken", time.Second, failing("disk full"))
	runN(h, 2)
	code, _ = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below failure threshold")

	runN(h, 1)
	code, b = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", b.Status)
	assert.Equal(t, map[string]string{"ok": "ok", "broken": "disk full"}, b.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing)

	code, b := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "service is not ready", b.Checks["_readiness"])
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, b = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", b.Status)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	code, _ = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestNonCriticalCheckDegrades(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("postgres", time.Second, passing)
	h.AddReadinessCheck("gateway", time.Second, failing("connection refused"), NonCritical(), WithThresholds(1, 1))
	runN(h, 1)

	code, b := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", b.Status)
	assert.Equal(t, "connection refused", b.Checks["gateway"])
	assert.True(t, h.IsReady())
}

func TestCheckRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("flaky", time.Second, func(context.Context) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(1, 2))

	runN(h, 1)
	assert.False(t, h.IsReady())

	fail.Store(false)
	runN(h, 1)
	assert.False(t, h.IsReady(), "one success is below the success threshold")
	runN(h, 1)
	assert.True(t, h.IsReady())
}

func TestStartStop(t *testing.T) {
	var runs atomic.Int32
	h := New()
	h.AddLivenessCheck("count", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()

	time.Sleep(30 * time.Millisecond)
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestConcurrentProbes(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("a", time.Second, passing)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				w := httptest.NewRecorder()
				h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))

	assert.NoError(t, PingCheck(pinger{})(context.Background()))
	assert.ErrorContains(t, PingCheck(pinger{err: errors.New("refused")})(context.Background()), "refused")
}

func TestPingCheckKeepsReady(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("postgres", time.Second, PingCheck(pinger{}))

	runN(h, 5)
	code, b := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", b.Status)

	h.AddReadinessCheck("replica", time.Second, PingCheck(pinger{err: errors.New("refused")}), WithThresholds(1, 1))
	runN(h, 1)
	code, b = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, b.Checks["replica"], "refused")
	assert.Equal(t, "ok", b.Checks["postgres"])
}
