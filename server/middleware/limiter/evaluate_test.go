package limiter

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codeberg.org/edgesplit/edgesplit/server/middleware"
)

func TestEvaluate(t *testing.T) {
	setupLimiterTest(t)

	tests := []struct {
		name       string
		path       string
		ip         string
		passList   []string
		blockList  []string
		wantStatus int
		wantNext   bool
	}{
		{
			name:       "service path bypasses all checks",
			path:       "/healthz",
			ip:         "1.1.1.1",
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:       "pass-listed IP skips the limiter",
			path:       "/products/20",
			ip:         "1.1.1.1",
			passList:   []string{"1.1.1.1/32"},
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:       "block-listed IP is rejected",
			path:       "/products/20",
			ip:         "1.1.1.1",
			blockList:  []string{"1.1.1.1/32"},
			wantStatus: http.StatusForbidden,
			wantNext:   false,
		},
		{
			name:       "unlisted IP passes while the bucket has tokens",
			path:       "/products/20",
			ip:         "2.2.2.2",
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setPassList(tt.passList)
			setBlockList(tt.blockList)

			var reachedNext bool

			next := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
				reachedNext = true
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = net.JoinHostPort(tt.ip, "12345")

			rr := httptest.NewRecorder()
			middleware.Wrap(Evaluate, next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}

			if reachedNext != tt.wantNext {
				t.Errorf("reached next handler = %v, want %v", reachedNext, tt.wantNext)
			}
		})
	}
}

// TestEvaluateThrottlesExhaustedBucket verifies the 429 path once a
// network's bucket is drained.
func TestEvaluateThrottlesExhaustedBucket(t *testing.T) {
	setupLimiterTest(t)
	setPassList(nil)
	setBlockList(nil)

	// Exhaust the bucket for the client's network up front.
	networkStr := "3.3.3.0/24"

	wrapper := getOrCreateLimiter(networkStr)
	for range RegularBurst {
		_ = checkRateLimit(wrapper, networkStr)
	}

	var reachedNext bool

	next := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		reachedNext = true
	})

	req := httptest.NewRequest(http.MethodGet, "/products/20", nil)
	req.RemoteAddr = net.JoinHostPort("3.3.3.3", "12345")

	rr := httptest.NewRecorder()
	middleware.Wrap(Evaluate, next).ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}

	if reachedNext {
		t.Error("a throttled request must not reach the next handler")
	}

	if got := rr.Header().Get(HeaderRateLimitRemaining); got != "0" {
		t.Errorf("RateLimit-Remaining = %q, want \"0\"", got)
	}

	if rr.Header().Get("Retry-After") == "" {
		t.Error("a throttled response should carry Retry-After")
	}

	if !strings.Contains(rr.Body.String(), "Rate limit exceeded") {
		t.Errorf("block body should carry the reason, got %q", rr.Body.String())
	}
}

// TestRateLimitHeadersOnAllowedRequest checks the advisory headers attached
// to responses that pass the limiter.
func TestRateLimitHeadersOnAllowedRequest(t *testing.T) {
	setupLimiterTest(t)
	setPassList(nil)
	setBlockList(nil)

	next := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/products/20", nil)
	req.RemoteAddr = net.JoinHostPort("4.4.4.4", "12345")

	rr := httptest.NewRecorder()
	middleware.Wrap(Evaluate, next).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	if got := rr.Header().Get(HeaderRateLimitLimit); got != "120" {
		t.Errorf("RateLimit-Limit = %q, want \"120\"", got)
	}

	if got := rr.Header().Get(HeaderRateLimitRemaining); got != "119" {
		t.Errorf("RateLimit-Remaining = %q, want \"119\"", got)
	}

	if got := rr.Header().Get(HeaderRateLimitStatus); got != "Normal" {
		t.Errorf("RateLimit-Status = %q, want \"Normal\"", got)
	}
}
