package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// unauthorized writes an RFC 7807 problem response. Kept local so this
// package stays independent of the API layer that depends on it.
func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   "about:blank",
		"title":  "Unauthorized",
		"status": http.StatusUnauthorized,
		"detail": detail,
	})
}

// Middleware creates JWT auth middleware that binds the caller's account into
// the request context as the actor. If validator is nil, all non-public
// requests are rejected (fail closed).
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Allow public paths
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// 2. Extract Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			// 3. Fail closed if no validator configured
			if validator == nil {
				unauthorized(w, "Authentication not configured")
				return
			}

			// 4. Validate JWT and the account binding
			claims, err := validator.Validate(parts[1])
			if err != nil {
				unauthorized(w, "Invalid or expired token")
				return
			}
			account, err := claims.AccountID()
			if err != nil {
				unauthorized(w, "Token account binding is required")
				return
			}

			// 5. Inject the actor into context
			ctx := WithActor(r.Context(), account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
