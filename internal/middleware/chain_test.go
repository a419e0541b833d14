package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// newTestChain はAPIサーバーと同じ順序でミドルウェアを組んだルーターを返す。
func newTestChain(apiKey string, rl *RateLimiter, logs *bytes.Buffer) http.Handler {
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	r := chi.NewRouter()
	r.Use(NewCORSMiddleware("https://app.example.com"))
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewLoggingMiddleware(logger, nil))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewAPIKeyMiddleware(apiKey))
	r.Use(rl.GeneralMiddleware())

	r.Get("/api/profiles/identity/{identityID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(rl.RegistrationMiddleware()).Post("/api/profiles", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	return r
}

func TestMiddlewareChain_AuthorizedRequest(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()
	var logs bytes.Buffer
	h := newTestChain("secret", rl, &logs)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles/identity/u1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if !bytes.Contains(logs.Bytes(), []byte(`"client":"192.0.2.1"`)) {
		t.Errorf("log should contain the client key: %s", logs.String())
	}
}

func TestMiddlewareChain_UnauthorizedIsLoggedAndNotRateLimited(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()
	var logs bytes.Buffer
	h := newTestChain("secret", rl, &logs)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles/identity/u1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if rl.GeneralLimiterCount() != 0 {
		t.Error("rejected requests should not consume rate limit entries")
	}
	if !bytes.Contains(logs.Bytes(), []byte(`"status":401`)) {
		t.Errorf("log should record 401: %s", logs.String())
	}
}

func TestMiddlewareChain_RegistrationLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 10, GeneralBurst: 10,
		RegistrationRate: 0.01, RegistrationBurst: 1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()
	var logs bytes.Buffer
	h := newTestChain("", rl, &logs)

	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/profiles", nil))
		if w.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestMiddlewareChain_PanicReturnsUnifiedError(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()
	var logs bytes.Buffer
	h := newTestChain("", rl, &logs)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("INTERNAL_ERROR")) {
		t.Errorf("body = %s", w.Body.String())
	}
}
