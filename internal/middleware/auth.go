package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"nexara/internal/auth"
)

type contextKey string

const claimsKey contextKey = "claims"

// TokenValidator is satisfied by auth.Authenticator
type TokenValidator interface {
	IsEnabled() bool
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireToken rejects requests without a valid bearer token. Browsers
// cannot set headers on WebSocket upgrades, so a token query parameter is
// accepted as well.
func RequireToken(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil || !v.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error": "missing authorization"}`, http.StatusUnauthorized)
				return
			}

			claims, err := v.ValidateToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					http.Error(w, `{"error": "token has expired"}`, http.StatusUnauthorized)
				} else {
					http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
				}
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return parts[1], parts[1] != ""
	}
	token := r.URL.Query().Get("token")
	return token, token != ""
}

// ClaimsFromContext returns the claims set by RequireToken, or nil
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}
