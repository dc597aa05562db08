package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/quire/session"
)

type contextKey int

const sessionKey contextKey = iota

// SessionMiddleware resolves the session cookie, slides its validity window
// forward, and stores the claims on the request context. Requests without a
// valid session pass through untouched; pair with RequireSession to reject
// them.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.sessions.Refresh(w, r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests that SessionMiddleware did not
// authenticate.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromContext returns the authenticated identity placed on ctx by
// SessionMiddleware.
func IdentityFromContext(ctx context.Context) (session.Claims, bool) {
	claims, ok := ctx.Value(sessionKey).(session.Claims)
	return claims, ok
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
