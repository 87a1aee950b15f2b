package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mohammadhprp/offgrid/internal/limiter"
	"go.uber.org/zap"
)

// stubEnforcer allows the first n calls, then rejects, or fails when err is set.
type stubEnforcer struct {
	n     int
	calls int
	err   error
	reset time.Time
}

func (s *stubEnforcer) Enforce(_ context.Context, key string) (limiter.Result, error) {
	s.calls++
	if s.err != nil {
		return limiter.Result{}, s.err
	}
	res := limiter.Result{Limit: int64(s.n), ResetAt: s.reset}
	if s.calls <= s.n {
		res.Allowed = true
		res.Remaining = int64(s.n - s.calls)
		return res, nil
	}
	return res, &limiter.RateLimitError{Key: key, Result: res}
}

func okHandler(called *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called++
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowedRequest(t *testing.T) {
	enf := &stubEnforcer{n: 2, reset: time.Now().Add(time.Minute)}
	var called int
	h := RateLimitMiddleware(enf, IPKeyExtractor, zap.NewNop())(okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/documents", nil))

	if w.Code != http.StatusOK || called != 1 {
		t.Fatalf("status = %d, called = %d", w.Code, called)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
	if w.Header().Get("Retry-After") != "" {
		t.Error("Retry-After must only be set on rejection")
	}
}

func TestRateLimitMiddleware_RejectedRequest(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	enf := &stubEnforcer{n: 0, reset: reset}
	var called int
	h := RateLimitMiddleware(enf, IPKeyExtractor, zap.NewNop())(okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/documents", nil))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if called != 0 {
		t.Error("handler must not run for a rejected request")
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := int64(body["resetAt"].(float64)); got != reset.UnixMilli() {
		t.Errorf("resetAt = %d, want %d", got, reset.UnixMilli())
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 30 {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_FailsClosed(t *testing.T) {
	enf := &stubEnforcer{err: errors.New("store down")}
	var called int
	h := RateLimitMiddleware(enf, IPKeyExtractor, zap.NewNop())(okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/documents", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if called != 0 {
		t.Error("handler must not run when the limiter fails")
	}
}

func TestIPKeyExtractor(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "192.168.1.9:4321", "", "192.168.1.9"},
		{"forwarded header ignored", "10.0.0.1:80", "203.0.113.5, 10.0.0.1", "10.0.0.1"},
		{"no port", "192.168.1.9", "", "192.168.1.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := IPKeyExtractor(r); got != tt.want {
				t.Errorf("IPKeyExtractor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTrustedProxies_KeyExtractor(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.1 ", ""})
	if err != nil {
		t.Fatalf("NewTrustedProxies() error = %v", err)
	}
	extract := tp.KeyExtractor()

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"untrusted peer spoofing the header", "203.0.113.7:1234", "198.51.100.1", "203.0.113.7"},
		{"trusted peer, single hop", "10.1.2.3:80", "198.51.100.1", "198.51.100.1"},
		{"client-supplied hop left of the real one", "10.1.2.3:80", "1.1.1.1, 198.51.100.1", "198.51.100.1"},
		{"chain of trusted proxies", "192.168.1.1:80", "198.51.100.1, 10.9.9.9", "198.51.100.1"},
		{"trusted peer without header", "10.1.2.3:80", "", "10.1.2.3"},
		{"all hops trusted", "10.1.2.3:80", "10.4.4.4", "10.4.4.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := extract(r); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Error("expected an error for an invalid entry")
	}
}

func TestRequestLogger_PropagatesID(t *testing.T) {
	var seen string
	h := RequestLogger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if seen != "abc" || w.Header().Get(RequestIDHeader) != "abc" {
		t.Errorf("seen = %q, header = %q", seen, w.Header().Get(RequestIDHeader))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc" {
		t.Errorf("expected a generated id, got %q", seen)
	}
}
