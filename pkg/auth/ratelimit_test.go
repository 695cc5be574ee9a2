package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/meshforge/pkg/auth"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

func withPrincipal(req *http.Request, tenant string) *http.Request {
	p := &auth.Principal{
		ID:     "user-1",
		Tenant: tenant,
		Type:   envelope.PrincipalUser,
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestRateLimitMiddleware_UnderLimit(t *testing.T) {
	rl := auth.NewRateLimiter(60, 10)
	defer rl.Stop()

	called := false
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := withPrincipal(httptest.NewRequest("POST", "/v1/envelopes", nil), "acme")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called when under rate limit")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	// Very strict: 1 rps, burst of 1
	rl := auth.NewRateLimiter(1, 1)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First request: should pass
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, withPrincipal(httptest.NewRequest("POST", "/v1/envelopes", nil), "acme"))

	if w1.Code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", w1.Code)
	}

	// Second request: should be rate limited
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, withPrincipal(httptest.NewRequest("POST", "/v1/envelopes", nil), "acme"))

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", w2.Code)
	}
	if ra := w2.Header().Get("Retry-After"); ra == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestRateLimitMiddleware_TenantsIsolated(t *testing.T) {
	rl := auth.NewRateLimiter(1, 1)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Exhaust acme's budget.
	handler.ServeHTTP(httptest.NewRecorder(), withPrincipal(httptest.NewRequest("POST", "/v1/envelopes", nil), "acme"))
	wAcme := httptest.NewRecorder()
	handler.ServeHTTP(wAcme, withPrincipal(httptest.NewRequest("POST", "/v1/envelopes", nil), "acme"))
	if wAcme.Code != http.StatusTooManyRequests {
		t.Fatalf("acme second request: expected 429, got %d", wAcme.Code)
	}

	// globex has its own bucket.
	wGlobex := httptest.NewRecorder()
	handler.ServeHTTP(wGlobex, withPrincipal(httptest.NewRequest("POST", "/v1/envelopes", nil), "globex"))
	if wGlobex.Code != http.StatusOK {
		t.Errorf("globex request: expected 200, got %d", wGlobex.Code)
	}
}

func TestRateLimitMiddleware_AnonymousKeyedByIP(t *testing.T) {
	rl := auth.NewRateLimiter(1, 1)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest("GET", "/healthz", nil)
	req1.RemoteAddr = "10.1.1.1:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest("GET", "/healthz", nil)
	req2.RemoteAddr = "10.1.1.1:5678"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("same IP second request: expected 429, got %d", w2.Code)
	}

	req3 := httptest.NewRequest("GET", "/healthz", nil)
	req3.RemoteAddr = "10.2.2.2:1234"
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("different IP: expected 200, got %d", w3.Code)
	}
}
