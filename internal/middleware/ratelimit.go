package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type bucket struct {
	count int
	until time.Time
}

// rateLimiter is a fixed-window counter keyed by caller. Generation requests
// start paid model calls, so authenticated users are counted by id no matter
// which address they come from.
type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	per       time.Duration
	now       func() time.Time
	buckets   map[string]*bucket
	nextSweep time.Time
}

func newRateLimiter(limit int, per time.Duration, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		per:     per,
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// RateLimit allows limit requests per caller in each window of length per.
// Callers on the admin plan are not limited.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	rl := newRateLimiter(limit, per, time.Now)
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PlanFromContext(r.Context()) == PlanAdmin {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := rl.allow(rateLimitKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"message": "too many generation requests, retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow counts one request for key. When the window is exhausted it reports
// how long until the window resets.
func (rl *rateLimiter) allow(key string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.until) {
		b = &bucket{until: now.Add(rl.per)}
		rl.buckets[key] = b
	}
	if b.count >= rl.limit {
		return b.until.Sub(now), false
	}
	b.count++
	return 0, true
}

// sweep drops expired windows at most once per window length.
func (rl *rateLimiter) sweep(now time.Time) {
	if now.Before(rl.nextSweep) {
		return
	}
	for key, b := range rl.buckets {
		if !now.Before(b.until) {
			delete(rl.buckets, key)
		}
	}
	rl.nextSweep = now.Add(rl.per)
}

func rateLimitKey(r *http.Request) string {
	if userID := UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r)
}
