// Package auth carries the identity of the requesting user through the
// request context. Identity arrives in trusted gateway headers; token
// verification happens upstream.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CurrentUser is the authenticated identity handed to service calls.
type CurrentUser struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	Roles    []string  `json:"roles"`
}

// HasRole reports whether the user carries the given role.
func (u *CurrentUser) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const userContextKey ContextKey = "currentUser"

const (
	headerUserID   = "X-User-ID"
	headerUsername = "X-User-Name"
	headerRoles    = "X-User-Roles"
)

// Middleware extracts the user identity headers and injects a CurrentUser
// into the request context. Requests without a valid X-User-ID proceed
// without identity; handlers that need one use RequireUser.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userIDHeader := r.Header.Get(headerUserID)
			if userIDHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := uuid.Parse(userIDHeader)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			user := &CurrentUser{
				UserID:   userID,
				Username: r.Header.Get(headerUsername),
			}
			if roles := r.Header.Get(headerRoles); roles != "" {
				for _, role := range strings.Split(roles, ",") {
					if trimmed := strings.TrimSpace(role); trimmed != "" {
						user.Roles = append(user.Roles, trimmed)
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), userContextKey, user)))
		})
	}
}

// FromContext returns the CurrentUser injected by Middleware, or nil when
// the request carried no valid identity.
func FromContext(ctx context.Context) *CurrentUser {
	user, ok := ctx.Value(userContextKey).(*CurrentUser)
	if !ok {
		return nil
	}
	return user
}

// RequireUser wraps a handler and rejects unauthenticated requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"authentication required","code":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
