package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMatchRoutesTiers(t *testing.T) {
	cfg := DefaultConfig()
	defer cfg.Close()

	tests := []struct {
		method, path  string
		authenticated bool
		want          *Tier
	}{
		{http.MethodGet, "/healthz", false, nil},
		{http.MethodPost, "/@login", false, &cfg.Login},
		{http.MethodPost, "/db/tenant/@login", false, &cfg.Login},
		{http.MethodPost, "/db/tenant/docs", true, &cfg.Write},
		{http.MethodPatch, "/db/tenant/docs/note", true, &cfg.Write},
		{http.MethodDelete, "/db/tenant/docs/note", true, &cfg.Write},
		{http.MethodGet, "/db/tenant/docs", true, &cfg.ReadAuth},
		{http.MethodGet, "/db/tenant/docs", false, &cfg.ReadUnauth},
	}
	for _, tc := range tests {
		got := cfg.Match(tc.method, tc.path, tc.authenticated)
		if got != tc.want {
			t.Errorf("Match(%s %s auth=%v) = %v, want %v", tc.method, tc.path, tc.authenticated, got, tc.want)
		}
	}
}

func TestNewConfigOverrides(t *testing.T) {
	cfg := NewConfig(0, 60, 0, 0)
	defer cfg.Close()
	if got := cfg.Write.Limiter.Allow("k").Limit; got != 60 {
		t.Errorf("write limit = %d, want 60", got)
	}
	if got := cfg.Login.Limiter.Allow("k").Limit; got != 5 {
		t.Errorf("login limit = %d, want default 5", got)
	}
}

func TestBuildKey(t *testing.T) {
	if got := BuildKey(ScopeIP, "10.0.0.1", "login"); got != "ip:10.0.0.1:login" {
		t.Errorf("key = %q", got)
	}
	if got := BuildKey(ScopeUser, "root", "write"); got != "user:root:write" {
		t.Errorf("key = %q", got)
	}
}

func newTestConfig() *Config {
	return &Config{
		Login:      Tier{Name: "login", Limiter: NewLimiter(2, time.Minute, 2), Scope: ScopeIP},
		Write:      Tier{Name: "write", Limiter: NewLimiter(2, time.Minute, 2), Scope: ScopeUser},
		ReadAuth:   Tier{Name: "read", Limiter: NewLimiter(100, time.Minute, 100), Scope: ScopeUser},
		ReadUnauth: Tier{Name: "read", Limiter: NewLimiter(100, time.Minute, 100), Scope: ScopeIP},
	}
}

func TestMiddlewareLimitsAndReports(t *testing.T) {
	cfg := newTestConfig()
	defer cfg.Close()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(cfg, func(*http.Request) string { return "alice" }, next)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/db/tenant/docs", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") == "" {
			t.Error("X-RateLimit-Limit missing on an allowed response")
		}
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/db/tenant/docs", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on a rejection")
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
}

func TestMiddlewareScopesWritesByUser(t *testing.T) {
	cfg := newTestConfig()
	defer cfg.Close()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	user := "alice"
	h := Middleware(cfg, func(*http.Request) string { return user }, next)

	send := func() int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/db/tenant/docs", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(w, r)
		return w.Code
	}
	send()
	send()
	if send() != http.StatusTooManyRequests {
		t.Fatal("alice must be exhausted")
	}
	// Same IP, different user: separate bucket.
	user = "bob"
	if send() != http.StatusOK {
		t.Error("bob must get his own quota")
	}
}

func TestMiddlewareExemptsHealth(t *testing.T) {
	cfg := newTestConfig()
	defer cfg.Close()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := Middleware(cfg, func(*http.Request) string { return "" }, next)

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatal("health checks are never limited")
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("exempt paths carry no rate headers")
		}
	}
}
