package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/profiles", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// Burst of 2 allowed immediately.
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do("10.0.0.1:5000").Code, "within burst")
	}
	w := do("10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "exceeded burst")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	// Other clients have their own bucket.
	assert.Equal(t, http.StatusOK, do("10.0.0.2:5000").Code)

	now = now.Add(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:5000").Code, "refilled token")
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(5, 5)
	limiter.now = func() time.Time { return now }
	limiter.limiter("a")
	limiter.limiter("b")

	now = now.Add(time.Minute)
	limiter.limiter("b")
	now = now.Add(150 * time.Second)

	assert.Equal(t, 1, limiter.Sweep())
	assert.Len(t, limiter.visitors, 1)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", clientIP(req))
	req.RemoteAddr = "[::1]"
	assert.Equal(t, "::1", clientIP(req))
}
