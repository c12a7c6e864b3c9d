// Package middleware holds request-scoped HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const OwnerContextKey contextKey = "owner_id"

// OwnerHeader identifies the user that owns uploaded projects
const OwnerHeader = "X-User-ID"

// Owner copies the X-User-ID header into the request context.
// Requests without it are anonymous and see every project.
func Owner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), OwnerContextKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOwner extracts the owner ID from request context
func GetOwner(r *http.Request) string {
	if owner, ok := r.Context().Value(OwnerContextKey).(string); ok {
		return owner
	}
	return ""
}
