package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("1.2.3.4") {
		t.Error("request over the limit should be blocked")
	}

	// A different IP has its own bucket.
	if !limiter.allow("5.6.7.8") {
		t.Error("other IPs must not share the bucket")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	if !limiter.allow("1.2.3.4") {
		t.Fatal("first request should be allowed")
	}
	if limiter.allow("1.2.3.4") {
		t.Fatal("second request should be blocked")
	}

	time.Sleep(window + 10*time.Millisecond)
	if !limiter.allow("1.2.3.4") {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRateLimiter_CleanupPrunesExpiredBuckets(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(10, window)

	for i := 0; i < 150; i++ {
		limiter.allow(fmt.Sprintf("192.168.1.%d", i))
	}
	time.Sleep(window + 10*time.Millisecond)

	// The cleanup runs lazily from the request path.
	for i := 0; i < bucketCleanupEvery; i++ {
		limiter.allow("10.0.0.1")
	}

	limiter.mu.Lock()
	size := len(limiter.buckets)
	limiter.mu.Unlock()
	if size > 5 {
		t.Errorf("bucket map size = %d, expired entries were not pruned", size)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	if got := ClientIP(req); got != "1.2.3.4:1234" {
		t.Errorf("ClientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	if got := ClientIP(req); got != "9.9.9.9" {
		t.Errorf("ClientIP with X-Forwarded-For = %q", got)
	}
}
