// ABOUTME: HTTP middleware for JWT authentication on control API endpoints
// ABOUTME: Extracts the bearer token, verifies it, and enforces scopes

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"Unauthorized","message":"` + msg + `"}}`))
}

// Authenticate verifies the bearer token and attaches its claims to the request.
// EventSource clients cannot set headers, so an access_token query parameter
// is accepted as a fallback.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				if q := r.URL.Query().Get("access_token"); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope rejects requests whose token does not allow want.
// Must be used after Authenticate.
func RequireScope(want Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := FromContext(r.Context())
			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !claims.Scope.Allows(want) {
				writeAuthError(w, http.StatusForbidden, string(want)+" scope required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
