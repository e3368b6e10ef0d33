package server

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *rateLimiter {
	t.Helper()
	rl := newRateLimiter()
	t.Cleanup(rl.Stop)
	return rl
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/api/training", "training"},
		{"POST", "/api/generation", "generation"},
		{"POST", "/api/characters/char-1/images", "uploads"},
		{"POST", "/api/training/train-1/cancel", "default"},
		{"POST", "/api/characters", "default"},
		{"GET", "/api/training", "default"},
		{"GET", "/api/characters/char-1/images", "default"},
		{"GET", "/health", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			assert.Equal(t, tt.want, classify(req).name)
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Run("x-forwarded-for first hop wins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
		req.Header.Set("X-Real-IP", "198.51.100.2")
		assert.Equal(t, "203.0.113.7", clientIP(req))
	})

	t.Run("x-real-ip fallback", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Real-IP", "198.51.100.2")
		assert.Equal(t, "198.51.100.2", clientIP(req))
	})

	t.Run("remote addr host", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.10:52110"
		assert.Equal(t, "192.0.2.10", clientIP(req))
	})

	t.Run("remote addr without port", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.10"
		assert.Equal(t, "192.0.2.10", clientIP(req))
	})
}

func TestRateLimiterBurstThenReject(t *testing.T) {
	rl := newTestLimiter(t)

	for i := 0; i < classTraining.perMin; i++ {
		ok, _, _ := rl.take(classTraining, "192.0.2.50")
		require.True(t, ok, "request %d should pass", i+1)
	}

	ok, retryAfter, remaining := rl.take(classTraining, "192.0.2.50")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.Equal(t, 0, remaining)
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := newTestLimiter(t)

	for i := 0; i < classTraining.perMin; i++ {
		rl.take(classTraining, "192.0.2.50")
	}
	ok, _, _ := rl.take(classTraining, "192.0.2.50")
	require.False(t, ok)

	ok, _, _ = rl.take(classTraining, "192.0.2.51")
	assert.True(t, ok, "a different client keeps its own bucket")
}

func TestRateLimiterIsolatesClasses(t *testing.T) {
	rl := newTestLimiter(t)

	for i := 0; i < classTraining.perMin; i++ {
		rl.take(classTraining, "192.0.2.50")
	}
	ok, _, _ := rl.take(classTraining, "192.0.2.50")
	require.False(t, ok)

	ok, _, _ = rl.take(classDefault, "192.0.2.50")
	assert.True(t, ok, "the default bucket is not drained by training submissions")
}

func TestRateLimiterRemainingDecreases(t *testing.T) {
	rl := newTestLimiter(t)

	ok, _, first := rl.take(classDefault, "192.0.2.50")
	require.True(t, ok)
	assert.Less(t, first, classDefault.perMin)

	ok, _, second := rl.take(classDefault, "192.0.2.50")
	require.True(t, ok)
	assert.LessOrEqual(t, second, first)
}

func TestRateLimiterBucketKeying(t *testing.T) {
	rl := newTestLimiter(t)

	rl.take(classTraining, "192.0.2.50")
	rl.take(classGeneration, "192.0.2.50")
	rl.take(classTraining, "192.0.2.51")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.Len(t, rl.buckets, 3)
	for _, key := range []string{"training|192.0.2.50", "generation|192.0.2.50", "training|192.0.2.51"} {
		assert.Contains(t, rl.buckets, key, fmt.Sprintf("bucket %s", key))
	}
}
