// -----------------------------------------------------------------------
// Rate limiting - per-client token buckets by route class
// -----------------------------------------------------------------------

package server

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// routeClass groups endpoints that share a rate budget
type routeClass struct {
	name    string
	perMin  int
	limiter rate.Limit
}

var (
	classTraining   = routeClass{name: "training", perMin: 5, limiter: rate.Every(time.Minute / 5)}
	classGeneration = routeClass{name: "generation", perMin: 20, limiter: rate.Every(time.Minute / 20)}
	classUploads    = routeClass{name: "uploads", perMin: 30, limiter: rate.Every(time.Minute / 30)}
	classDefault    = routeClass{name: "default", perMin: 100, limiter: rate.Every(time.Minute / 100)}
)

const (
	bucketIdleTTL     = 10 * time.Minute
	bucketSweepPeriod = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per (route class, client IP) pair.
// Buckets unused for bucketIdleTTL are evicted by a background sweep.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *rateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *rateLimiter) sweepLoop() {
	ticker := time.NewTicker(bucketSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-bucketIdleTTL)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// take reserves one token for the client. When the bucket is empty it
// returns ok=false and the seconds the client should wait before retrying.
// remaining approximates the tokens left after this request.
func (rl *rateLimiter) take(class routeClass, clientIP string) (ok bool, retryAfter int, remaining int) {
	key := class.name + "|" + clientIP

	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(class.limiter, class.perMin)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	reservation := b.limiter.Reserve()
	if !reservation.OK() {
		return false, 60, 0
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, int(math.Ceil(delay.Seconds())), 0
	}

	remaining = int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return true, 0, remaining
}

// classify maps a request onto its rate class. Submission endpoints carry
// tight budgets; everything else shares the default bucket.
func classify(r *http.Request) routeClass {
	path := r.URL.Path
	if r.Method == http.MethodPost {
		switch {
		case path == "/api/training":
			return classTraining
		case path == "/api/generation":
			return classGeneration
		case strings.HasPrefix(path, "/api/characters/") && strings.HasSuffix(path, "/images"):
			return classUploads
		}
	}
	return classDefault
}

// clientIP extracts the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
