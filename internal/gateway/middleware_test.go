package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRateLimit_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	rl.now = func() time.Time { return now }
	handler := rl.Wrap(okHandler)

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/route", nil)
		req.Header.Set("X-API-Key", "k1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := post(); code != http.StatusOK {
			t.Fatalf("burst request %d = %d", i, code)
		}
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("over burst = %d, want 429", code)
	}

	now = now.Add(time.Second)
	if code := post(); code != http.StatusOK {
		t.Fatalf("after refill = %d", code)
	}
}

func TestRateLimit_ReadsAndDisabled(t *testing.T) {
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1})
	handler := rl.Wrap(okHandler)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/butlers", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %d limited: %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatal("reads must not allocate buckets")
	}

	disabled := NewRateLimitMiddleware(RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1}).Wrap(okHandler)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/route", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true})
	rl.now = func() time.Time { return now }
	handler := rl.Wrap(okHandler)
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000"} {
		req := httptest.NewRequest(http.MethodPost, "/api/inbox", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d", rl.BucketCount())
	}
	now = now.Add(time.Hour)
	rl.EvictStale(10 * time.Minute)
	if rl.BucketCount() != 0 {
		t.Fatalf("buckets after eviction = %d", rl.BucketCount())
	}
}

func TestCORS(t *testing.T) {
	handler := NewCORSMiddleware(CORSConfig{Enabled: true, AllowedOrigins: []string{"https://ops.example.com"}})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/butlers", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatalf("allowed origin headers = %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/butlers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be echoed")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/route", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/route", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed preflight = %d, want 403", rec.Code)
	}
}

func TestCORS_OriginPatterns(t *testing.T) {
	p := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://*.ops.example.com", "HTTP://LOCALHOST:3000"}})
	tests := map[string]bool{
		"https://a.ops.example.com": true,
		"https://ops.example.com":   false,
		"http://a.ops.example.com":  false,
		"http://localhost:3000":     true,
		"":                          false,
	}
	for origin, want := range tests {
		if got := p.allows(origin); got != want {
			t.Errorf("allows(%q) = %v, want %v", origin, got, want)
		}
	}
	if !newCORSPolicy(CORSConfig{AllowedOrigins: []string{"*"}}).allows("https://anything.test") {
		t.Fatal("* should allow any origin")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	handler := RequestSizeLimitMiddleware(8)(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/inbox", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body = %d, want 413", rec.Code)
	}
}

func TestExtractAPIKey(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		query  string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer tok"}, "", "tok"},
		{"x-api-key", map[string]string{"X-API-Key": "tok2"}, "", "tok2"},
		{"query", nil, "?api_key=tok3", "tok3"},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/events"+tc.query, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if got := ExtractAPIKey(req); got != tc.want {
				t.Fatalf("ExtractAPIKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTopicPrefixes(t *testing.T) {
	if got := topicPrefixes(""); got != nil {
		t.Fatalf("empty = %v, want nil", got)
	}
	got := topicPrefixes(" butler. ,,deadletter.")
	if len(got) != 2 || got[0] != "butler." || got[1] != "deadletter." {
		t.Fatalf("got %v", got)
	}
}
