package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour}, WithClock(clock.Now))
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("10.0.0.1")
		assert.True(t, ok, "request %d should be allowed within burst", i)
	}

	ok, wait := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clock.Advance(time.Second)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	ok, _ := l.Allow("client-a")
	assert.False(t, ok)

	ok, _ = l.Allow("client-b")
	assert.True(t, ok)
}

func TestLimiterBurstCap(t *testing.T) {
	l, clock := newLimiter(t, 600, 2)

	l.Allow("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed, "idle time must not bank more than the burst")
}

func TestLimiterEvictIdle(t *testing.T) {
	l, clock := newLimiter(t, 60, 2)
	l.Allow("a")
	l.Allow("b")
	require.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	l.Allow("b")
	clock.Advance(2 * time.Second)
	l.evictIdle()
	assert.Equal(t, 1, l.Len())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(120)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)

	cfg = DefaultConfig(0)
	assert.Equal(t, 120, cfg.RequestsPerMinute)

	cfg = DefaultConfig(3)
	assert.Equal(t, 1, cfg.BurstSize)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 60, 1)
	l.Stop() // idempotent with the cleanup registered above

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/settle", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/settle", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
