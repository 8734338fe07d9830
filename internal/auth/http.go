// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts tokens from the Authorization header or a query parameter

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func ExtractBearerToken(authHeader string) (string, string) {
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

// TokenFromRequest finds a connection token in the Authorization header or,
// failing that, the "token" query parameter. Browsers cannot set headers on
// websocket handshakes, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if token, errMsg := ExtractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// HTTPMiddleware creates an HTTP middleware that extracts and validates
// connection tokens, attaching the identity to the request context with
// the same WithIdentity/FromContext pattern the relay gateway uses.
func HTTPMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				if errors.Is(err, ErrNoSecret) {
					http.Error(w, `{"error":"authentication unavailable"}`, http.StatusServiceUnavailable)
					return
				}
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
