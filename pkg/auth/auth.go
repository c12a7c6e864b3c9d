// Package auth guards the HTTP API with an optional shared API key.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// QueryParam carries the key for clients that cannot set headers,
// such as browser WebSockets and audio elements
const QueryParam = "access_token"

// GenerateAPIKey returns a random key suitable for auth.api_key
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SecureCompare performs constant-time string comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CheckRequest verifies the bearer token or access_token query parameter of r
func CheckRequest(r *http.Request, apiKey string) error {
	presented := ""
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ErrInvalidKey
		}
		presented = token
	} else {
		presented = r.URL.Query().Get(QueryParam)
	}

	if presented == "" {
		return ErrMissingKey
	}
	if !SecureCompare(presented, apiKey) {
		return ErrInvalidKey
	}
	return nil
}

// Middleware rejects requests without the API key. Requests for which
// public returns true, and CORS preflights, pass through.
// An empty apiKey disables the check.
func Middleware(apiKey string, public func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || (public != nil && public(r)) {
				next.ServeHTTP(w, r)
				return
			}

			switch err := CheckRequest(r, apiKey); {
			case errors.Is(err, ErrMissingKey):
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			case err != nil:
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
