package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clk.now
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(t, Config{RequestsPerMinute: 60, Burst: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ops"), "request %d is within the burst", i)
	}
	assert.False(t, l.Allow("ops"))

	clk.advance(time.Second)
	assert.True(t, l.Allow("ops"), "one token per second at 60 rpm")
	assert.False(t, l.Allow("ops"))
}

func TestLimiter_RejectionDoesNotBorrow(t *testing.T) {
	l, clk := newTestLimiter(t, Config{RequestsPerMinute: 60, Burst: 1})

	require.True(t, l.Allow("ops"))
	for i := 0; i < 10; i++ {
		ok, wait := l.take("ops")
		require.False(t, ok)
		assert.Equal(t, time.Second, wait)
	}

	clk.advance(time.Second)
	assert.True(t, l.Allow("ops"), "rejected requests must not push the next token out")
}

func TestLimiter_IndependentClients(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, Burst: 2})

	l.Allow("key:a")
	l.Allow("key:a")
	assert.False(t, l.Allow("key:a"))
	assert.True(t, l.Allow("key:b"))
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_SweepForgetsIdleClients(t *testing.T) {
	l, clk := newTestLimiter(t, Config{RequestsPerMinute: 60, Burst: 1, IdleTTL: time.Minute})

	l.Allow("idle")
	clk.advance(45 * time.Second)
	l.Allow("busy")
	clk.advance(30 * time.Second)

	assert.Equal(t, 1, l.sweep())
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("idle"), "a forgotten client starts with a full bucket")
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()

	assert.Equal(t, 60, l.cfg.RequestsPerMinute)
	assert.Equal(t, 1, l.cfg.Burst)
	assert.Equal(t, 10*time.Minute, l.cfg.IdleTTL)
}

func TestMiddleware_RetryAfterAndExempt(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 30, Burst: 1, Exempt: []string{"/health"}})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/instances", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(path, auth string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		r.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("ip"))

	require.Equal(t, http.StatusOK, get("/v1/instances", "").Code)
	w := get("/v1/instances", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"), "one token every two seconds at 30 rpm")
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("ip")))

	assert.Equal(t, http.StatusOK, get("/v1/instances", "Bearer ak_one").Code, "a key holder has its own bucket")

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get("/health", "").Code)
	}
}

func TestClientKey_HashesCredentials(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "Bearer sk_secret")

	kind, key := clientKey(c)
	assert.Equal(t, "key", kind)
	assert.NotContains(t, key, "sk_secret")
	assert.Len(t, key, len("key:")+16)
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
