package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func generateRequest(ctx context.Context, remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/lessons/l1/slides/generate", nil).WithContext(ctx)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimitCountsUsersAcrossAddresses(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(2, time.Minute, clock.now)
	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	alice := ContextWithUserID(context.Background(), "alice")
	addrs := []string{"203.0.113.1:1000", "203.0.113.2:1000", "203.0.113.3:1000"}
	var codes []int
	for _, addr := range addrs {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, generateRequest(alice, addr))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [202 202 429]", codes)
	}

	// another user on the same address has its own window
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, generateRequest(ContextWithUserID(context.Background(), "bob"), addrs[0]))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("second user status = %d, want 202", rec.Code)
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(1, time.Minute, clock.now)
	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), generateRequest(context.Background(), "198.51.100.7:80"))
	clock.t = clock.t.Add(20500 * time.Millisecond)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, generateRequest(context.Background(), "198.51.100.7:80"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "40" {
		t.Fatalf("Retry-After = %q, want 40", got)
	}
	if !strings.Contains(rec.Body.String(), `"rate_limited"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}

	clock.t = clock.t.Add(40 * time.Second)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, generateRequest(context.Background(), "198.51.100.7:80"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status after window = %d, want 200", rec.Code)
	}
}

func TestRateLimitAdminExempt(t *testing.T) {
	rl := newRateLimiter(1, time.Minute, time.Now)
	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ctx := context.WithValue(ContextWithUserID(context.Background(), "ops"), planKey, PlanAdmin)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, generateRequest(ctx, "192.0.2.1:80"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimitSweepsExpiredWindows(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(5, time.Minute, clock.now)
	for _, key := range []string{"ip:a", "ip:b", "ip:c"} {
		rl.allow(key)
	}
	clock.t = clock.t.Add(2 * time.Minute)
	rl.allow("ip:d")
	if len(rl.buckets) != 1 {
		t.Fatalf("buckets = %d, want 1 after sweep", len(rl.buckets))
	}
}
