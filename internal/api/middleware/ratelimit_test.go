package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.SetClock(func() time.Time { return now })

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("keys are independent")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("window should have rolled over")
	}

	now = now.Add(2 * time.Minute)
	if removed := rl.cleanup(); removed != 2 {
		t.Errorf("cleanup removed %d keys, want 2", removed)
	}
}

func TestRateLimitByIP(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	handler := RateLimitByIP(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, xff string) int {
		req := httptest.NewRequest("POST", "/login", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After missing")
		}
		return rec.Code
	}

	if code := send("10.0.0.1:5000", ""); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("10.0.0.1:5001", ""); code != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP: %d", code)
	}
	if code := send("10.0.0.2:5000", "203.0.113.9, 10.0.0.2"); code != http.StatusOK {
		t.Fatalf("forwarded client: %d", code)
	}
	if code := send("10.0.0.3:5000", "203.0.113.9"); code != http.StatusTooManyRequests {
		t.Fatalf("same forwarded client: %d", code)
	}
}
