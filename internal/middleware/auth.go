// Package middleware provides HTTP middleware for authentication, authorization,
// CORS handling, rate limiting, and request context management.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rockola/backend/internal/logging"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/services"
)

type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
)

// AuthMiddleware validates JWT tokens and adds claims to the request context.
// Returns 401 for missing/invalid tokens. SSE clients cannot set headers, so
// a "token" query parameter is accepted as a fallback.
func AuthMiddleware(authService *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			authHeader := r.Header.Get("Authorization")
			switch {
			case authHeader != "":
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || parts[0] != "Bearer" {
					logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidAuthFmt, "invalid authorization header format")
					http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
					return
				}
				token = parts[1]
			case r.URL.Query().Get("token") != "":
				token = r.URL.Query().Get("token")
			default:
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventMissingAuth, "missing authorization header")
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := authService.Authenticate(token)
			if err != nil {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidToken, "invalid or expired token")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HostOnlyMiddleware restricts access to the venue host.
// Must be used after AuthMiddleware. Returns 403 for non-host users.
func HostOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(ClaimsKey).(*services.Claims)
		if !ok || claims.Role != models.RoleHost {
			logging.LogSecurityEvent(r.Context(), logging.SecurityEventNonHostAccess, "host access required")
			http.Error(w, `{"error":"host access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionScopeMiddleware restricts /sessions/{id} routes to callers that
// belong to that session: tokens carry the session they were issued for, and
// a host token additionally covers any session that host owns. Without this
// check a host token would satisfy HostOnlyMiddleware for every session.
// Must be used after AuthMiddleware.
func SessionScopeMiddleware(sessions *services.SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "id")
			claims := GetClaims(r.Context())
			if claims == nil {
				http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
				return
			}

			if claims.SessionID == sessionID {
				next.ServeHTTP(w, r)
				return
			}

			if claims.Role == models.RoleHost {
				session, err := sessions.Get(r.Context(), sessionID)
				if err == nil && session.HostID == claims.UID {
					next.ServeHTTP(w, r)
					return
				}
			}

			logging.LogSecurityEvent(r.Context(), logging.SecurityEventCrossSession, "token not scoped to this session")
			http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
		})
	}
}

// GetClaims retrieves the JWT claims from the request context.
// Returns nil if no claims are present (e.g., unauthenticated request).
func GetClaims(ctx context.Context) *services.Claims {
	claims, _ := ctx.Value(ClaimsKey).(*services.Claims)
	return claims
}
