package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		cfg        authConfig
		user, pass string
		token      string
		want       int
	}{
		{"not configured", authConfig{}, "", "", "", http.StatusOK},
		{"basic ok", authConfig{adminUsername: "ops", adminPassword: "pw", enabled: true}, "ops", "pw", "", http.StatusOK},
		{"basic wrong password", authConfig{adminUsername: "ops", adminPassword: "pw", enabled: true}, "ops", "nope", "", http.StatusUnauthorized},
		{"token ok", authConfig{adminToken: "t0k", enabled: true}, "", "", "t0k", http.StatusOK},
		{"token wrong", authConfig{adminToken: "t0k", enabled: true}, "", "", "bad", http.StatusUnauthorized},
		{"token wins over bad basic", authConfig{adminUsername: "ops", adminPassword: "pw", adminToken: "t0k", enabled: true}, "x", "y", "t0k", http.StatusOK},
		{"nothing sent", authConfig{adminToken: "t0k", enabled: true}, "", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			adminAuth(okHandler(), &cfg).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate on 401")
			}
		})
	}
}

func TestLoadAuthConfig(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	if loadAuthConfig().enabled {
		t.Error("username without password must not enable auth")
	}
	t.Setenv("ADMIN_TOKEN", "x")
	if !loadAuthConfig().enabled {
		t.Error("token should enable auth")
	}
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: 80 * time.Millisecond})

	if !limiter.allow("a") || !limiter.allow("a") {
		t.Fatal("first two requests should pass")
	}
	if limiter.allow("a") {
		t.Error("third request should be limited")
	}
	if !limiter.allow("b") {
		t.Error("other ip has its own budget")
	}
	time.Sleep(120 * time.Millisecond)
	if !limiter.allow("a") {
		t.Error("window should have expired")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Second})
	for i := 0; i < 20; i++ {
		if !limiter.allow("a") {
			t.Fatalf("request %d limited while disabled", i)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	h := rateLimitMiddleware(okHandler(), limiter)

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/publishes", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	if rr := send("192.0.2.1:1000"); rr.Code != http.StatusOK {
		t.Fatalf("first = %d", rr.Code)
	}
	rr := send("192.0.2.1:2000")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second from same host = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.0.2.1:1234", "", "192.0.2.1"},
		{"[2001:db8::1]:443", "", "2001:db8::1"},
		{"10.0.0.1:80", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"10.0.0.1:80", "2001:db8::42", "2001:db8::42"},
		{"10.0.0.1:80", "198.51.100.7", "198.51.100.7"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestParseInt(t *testing.T) {
	if parseInt("12", 5) != 12 || parseInt("x", 5) != 5 {
		t.Error("parseInt mismatch")
	}
}
