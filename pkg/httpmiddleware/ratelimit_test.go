package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_allow(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("requests under the limit are allowed", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Max: 3, Window: time.Minute})

		for i := range 3 {
			remaining, _, allowed := rl.allow("k", start.Add(time.Duration(i)*time.Second))
			assert.True(t, allowed)
			assert.Equal(t, 2-i, remaining)
		}
	})

	t.Run("request over the limit is rejected", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Max: 2, Window: time.Minute})

		_, _, allowed := rl.allow("k", start)
		require.True(t, allowed)
		_, _, allowed = rl.allow("k", start)
		require.True(t, allowed)

		remaining, resetAt, allowed := rl.allow("k", start.Add(time.Second))
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
		assert.False(t, resetAt.IsZero())
	})

	t.Run("keys are limited independently", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})

		_, _, allowed := rl.allow("a", start)
		require.True(t, allowed)
		_, _, allowed = rl.allow("a", start)
		require.False(t, allowed)

		_, _, allowed = rl.allow("b", start)
		assert.True(t, allowed)
	})

	t.Run("budget recovers after the window fully passes", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})

		_, _, allowed := rl.allow("k", start)
		require.True(t, allowed)
		_, _, allowed = rl.allow("k", start.Add(time.Second))
		require.False(t, allowed)

		// Two full windows later the previous window no longer weighs in.
		_, _, allowed = rl.allow("k", start.Add(2*time.Minute))
		assert.True(t, allowed)
	})

	t.Run("stale windows are evicted", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})

		rl.allow("k", start)
		require.Len(t, rl.windows, 1)

		rl.evictStale(start.Add(3 * time.Minute))
		assert.Empty(t, rl.windows)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do("10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do("10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":429,"message":"rate limit exceeded"}`, rec.Body.String())

	// Another client is unaffected.
	rec = do("10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "falls back to RemoteAddr host",
			remoteAddr: "192.0.2.1:9999",
			want:       "192.0.2.1",
		},
		{
			name:       "prefers first X-Forwarded-For entry",
			remoteAddr: "192.0.2.1:9999",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			want:       "203.0.113.7",
		},
		{
			name:       "uses X-Real-IP when no X-Forwarded-For",
			remoteAddr: "192.0.2.1:9999",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			want:       "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
