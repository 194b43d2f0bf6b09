package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"customvision/internal/config"
)

// CookieName is the name of the authentication cookie.
const CookieName = "authenticated"

// SessionToken derives the cookie value issued after a successful login.
func SessionToken(cfg *config.Config) string {
	sum := sha256.Sum256([]byte("customvision:" + cfg.Password))
	return hex.EncodeToString(sum[:])
}

// PasswordMatches compares password with the configured one in constant time.
func PasswordMatches(cfg *config.Config, password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
}

// AuthMiddleware checks the authentication cookie. API and websocket requests
// without it get 401; other requests are redirected to the login page.
func AuthMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	token := []byte(SessionToken(cfg))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Login page, auth endpoints and static assets are public.
			if r.URL.Path == "/login" ||
				strings.HasPrefix(r.URL.Path, "/auth/") ||
				strings.HasPrefix(r.URL.Path, "/static/") {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(CookieName)
			if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), token) != 1 {
				if strings.HasPrefix(r.URL.Path, "/api/") ||
					r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
