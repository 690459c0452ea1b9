// ABOUTME: HTTP middleware for bearer authentication on API endpoints
// ABOUTME: Validates the Authorization header and adds the identity to context

package auth

import (
	"net/http"
	"slices"
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
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerMiddleware creates an HTTP middleware that validates the bearer token
// and stores the resulting Identity on the request context.
func BearerMiddleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeJSONError(w, http.StatusUnauthorized, errMsg)
				return
			}

			id, err := v.Validate(r.Context(), token)
			if err != nil {
				ae := AsAuthError(err)
				writeJSONError(w, http.StatusUnauthorized, string(ae.Reason)+" token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRoles creates an HTTP middleware that admits only callers whose role
// is in allowed. Must be used after BearerMiddleware.
func RequireRoles(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !slices.Contains(allowed, id.Role) {
				writeJSONError(w, http.StatusForbidden, "role not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
