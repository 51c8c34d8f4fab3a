package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiterIsPerKey(t *testing.T) {
	l := NewKeyedLimiter(1, 2)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
}

func TestPruneAndForget(t *testing.T) {
	l := NewKeyedLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(10 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Prune(5*time.Minute))
	assert.Equal(t, 1, l.Len())

	l.Forget("fresh")
	assert.Equal(t, 0, l.Len())
}

func TestGuardGlobalBucket(t *testing.T) {
	g := NewGuard(0, 2, 100, 100)
	assert.True(t, g.Allow("a"))
	assert.True(t, g.Allow("b"))
	assert.False(t, g.Allow("c"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := NewKeyedLimiter(0, 1)
	h := Middleware(l, "test", func(r *http.Request) string { return "k" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
