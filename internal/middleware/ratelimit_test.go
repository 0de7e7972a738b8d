package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/romu70/jearch/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func userRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/educations", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func ipRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestGeneralMiddleware_BurstThen429(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 2, AuthRate: 1, AuthBurst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, userRequest("user-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if ra, err := strconv.Atoi(w.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeRateLimited || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}

	// 別ユーザーは独立して数える
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-2"))
	if w.Code != http.StatusOK {
		t.Errorf("other user status = %d", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount = %d", rl.GeneralLimiterCount())
	}
}

func TestGeneralMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/educations", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_LimitsPerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, AuthRate: rate.Limit(1.0 / 60), AuthBurst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()
	handler := rl.AuthMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("192.0.2.1:5000"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	// ポートが違っても同じIPとして数える
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("192.0.2.1:6000"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("198.51.100.7:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP status = %d", w.Code)
	}
	if rl.AuthLimiterCount() != 2 {
		t.Errorf("AuthLimiterCount = %d", rl.AuthLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, AuthRate: 1, AuthBurst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), userRequest("user-1"))
	rl.AuthMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), ipRequest("192.0.2.1:1"))

	rl.cleanup(time.Now().Add(time.Hour))
	if rl.GeneralLimiterCount() != 1 || rl.AuthLimiterCount() != 1 {
		t.Fatal("entries within the TTL must be kept")
	}

	rl.cleanup(time.Now().Add(3 * time.Hour))
	if rl.GeneralLimiterCount() != 0 || rl.AuthLimiterCount() != 0 {
		t.Errorf("idle entries should be removed: general=%d auth=%d", rl.GeneralLimiterCount(), rl.AuthLimiterCount())
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := NewRateLimiterConfig(120, 30)
	if cfg.GeneralRate != 2 || cfg.GeneralBurst != 120 {
		t.Errorf("general = %v/%d", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.AuthRate != 0.5 || cfg.AuthBurst != 30 {
		t.Errorf("auth = %v/%d", cfg.AuthRate, cfg.AuthBurst)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := ClientIP(req); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
