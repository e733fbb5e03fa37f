package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(cfg).WithNow(func() time.Time { return now })
	return l, &now
}

func TestAllowConsumesBurst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, Burst: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("client"), "request %d should pass", i)
	}
	assert.False(t, l.Allow("client"))
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerSecond: 2, Burst: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("client"))
	require.True(t, l.Allow("client"))
	require.False(t, l.Allow("client"))

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("client"))
	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))
}

func TestAllowRefillCapsAtBurst(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerSecond: 10, Burst: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("client"))

	// A long idle period must not bank more than the burst.
	*now = now.Add(time.Hour)
	assert.True(t, l.Allow("client"))
	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))
}

func TestAllowIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(50)
	assert.Equal(t, 50, cfg.RequestsPerSecond)
	assert.Equal(t, 100, cfg.Burst)

	cfg = DefaultConfig(0)
	assert.Equal(t, 100, cfg.RequestsPerSecond)
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l, _ := newTestLimiter(Config{RequestsPerSecond: 1, Burst: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(auth string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, do(""))
	require.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))

	// Authenticated requests are keyed by credential, not IP.
	assert.Equal(t, http.StatusOK, do("Bearer token-xyz"))
}
