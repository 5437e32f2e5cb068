package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blinktest/blinktest/internal/server"
)

var wantHeaders = map[string]string{
	"X-Frame-Options":        "DENY",
	"X-Content-Type-Options": "nosniff",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"X-XSS-Protection":       "1; mode=block",
	"Permissions-Policy":     "camera=(), microphone=(), geolocation=()",
}

func checkSecurityHeaders(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	for k, v := range wantHeaders {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
}

func defaultLimiter(o *server.Options) { o.Limiter = nil }

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	w := env.get("/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Errorf("expected JSON, got %q", w.Header().Get("Content-Type"))
	}
	var body server.HealthResponse
	decodeInto(t, w, &body)
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
	checkSecurityHeaders(t, w)
}

func TestRateLimit_RejectsAfterThreshold(t *testing.T) {
	env := setupTestServer(t, defaultLimiter)

	for i := 0; i < 120; i++ {
		if w := env.get("/health"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := env.get("/health")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("expected Retry-After 60, got %q", got)
	}
	checkSecurityHeaders(t, w)

	env.clock.Advance(30 * time.Second)
	w = env.get("/health")
	if got := w.Header().Get("Retry-After"); w.Code != http.StatusTooManyRequests || got != "30" {
		t.Errorf("expected 429 with Retry-After 30, got %d %q", w.Code, got)
	}

	env.clock.Advance(31 * time.Second)
	if w := env.get("/health"); w.Code != http.StatusOK {
		t.Errorf("expected window reset, got %d", w.Code)
	}
}

func TestRateLimit_PerClientAndStaticExempt(t *testing.T) {
	env := setupTestServer(t, defaultLimiter)

	for i := 0; i < 120; i++ {
		env.get("/health")
	}
	if w := env.get("/health"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	if w := env.get("/static/style.css"); w.Code != http.StatusOK {
		t.Errorf("static assets should not be limited, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if w := env.do(req); w.Code != http.StatusOK {
		t.Errorf("another client should have its own window, got %d", w.Code)
	}
}

func TestSitePasswordGate(t *testing.T) {
	env := setupTestServer(t, func(o *server.Options) { o.SitePasswords = []string{"letmein", "other"} })

	w := env.get("/feed")
	if w.Code != http.StatusFound || !strings.HasPrefix(w.Header().Get("Location"), "/gate?redirect=") {
		t.Fatalf("expected redirect to gate, got %d %q", w.Code, w.Header().Get("Location"))
	}

	if w := env.get("/api/tests/x/results"); w.Code != http.StatusForbidden {
		t.Errorf("api: expected 403, got %d", w.Code)
	}
	for _, p := range []string{"/health", "/gate", "/static/flow.js"} {
		if w := env.get(p); w.Code != http.StatusOK {
			t.Errorf("%s: expected 200 without gate cookie, got %d", p, w.Code)
		}
	}

	bad := httptest.NewRequest(http.MethodPost, "/gate", strings.NewReader("password=nope&redirect=/feed"))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if w := env.do(bad); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", w.Code)
	}

	good := httptest.NewRequest(http.MethodPost, "/gate", strings.NewReader("password=other&redirect=/feed"))
	good.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = env.do(good)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/feed" {
		t.Fatalf("expected redirect to /feed, got %d %q", w.Code, w.Header().Get("Location"))
	}
	var gate *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "bt_gate" {
			gate = c
		}
	}
	if gate == nil {
		t.Fatal("expected bt_gate cookie")
	}

	if w := env.get("/", gate); w.Code != http.StatusOK {
		t.Errorf("expected home with gate cookie, got %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := setupTestServer(t)

	if w := env.get("/nope"); w.Code != http.StatusNotFound {
		t.Errorf("page: expected 404, got %d", w.Code)
	}
	w := env.get("/api/nope")
	if w.Code != http.StatusNotFound || !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Errorf("api: expected JSON 404, got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
}
