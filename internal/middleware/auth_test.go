package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"customvision/internal/config"
)

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{Password: "secret"}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := AuthMiddleware(cfg)(ok)

	tests := []struct {
		name     string
		path     string
		cookie   string
		expected int
	}{
		{"public login page", "/login", "", http.StatusTeapot},
		{"public auth endpoint", "/auth/login", "", http.StatusTeapot},
		{"static asset", "/static/app.js", "", http.StatusTeapot},
		{"api without cookie", "/api/state", "", http.StatusUnauthorized},
		{"page without cookie", "/", "", http.StatusSeeOther},
		{"forged cookie", "/api/state", "true", http.StatusUnauthorized},
		{"valid cookie", "/api/state", SessionToken(cfg), http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}

func TestPasswordMatches(t *testing.T) {
	cfg := &config.Config{Password: "secret"}
	if !PasswordMatches(cfg, "secret") {
		t.Error("Expected the configured password to match")
	}
	for _, pw := range []string{"", "Secret", "secret ", "secre"} {
		if PasswordMatches(cfg, pw) {
			t.Errorf("Expected %q not to match", pw)
		}
	}
	if SessionToken(cfg) == SessionToken(&config.Config{Password: "other"}) {
		t.Error("Expected tokens to differ per password")
	}
}
