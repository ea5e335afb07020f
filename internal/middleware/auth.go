package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/authz"
)

// publicPaths need no session. Everything else behind the API router does.
var publicPaths = map[string]bool{
	"/health":                             true,
	"/metrics":                            true,
	"/api/v1/auth/login":                  true,
	"/api/v1/auth/oauth/exchange":         true,
	"/api/v1/auth/password-reset":         true,
	"/api/v1/auth/password-reset/confirm": true,
}

// isPublic also admits the invite preview and accept flow, which is
// reached by people who do not have an account yet. Invite management
// (create, list, revoke) stays authenticated: invite tokens are opaque
// hex, never INV- identifiers.
func isPublic(r *http.Request) bool {
	if publicPaths[r.URL.Path] {
		return true
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/invites/")
	if !ok || rest == "" || strings.HasPrefix(rest, "INV-") {
		return false
	}
	switch {
	case r.Method == http.MethodGet && !strings.Contains(rest, "/"):
		return true
	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/accept"):
		return true
	}
	return false
}

// Authenticate resolves the bearer token into a principal and its derived
// allow-set, and stores both on the request context.
func Authenticate(authSvc *auth.Service, resolver *authz.Resolver) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r) {
				next.ServeHTTP(w, r)
				return
			}
			token := BearerToken(r)
			if token == "" {
				writeError(w, apperr.ErrUnauthenticated)
				return
			}
			p, err := authSvc.Resolve(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}
			access, err := resolver.Derive(r.Context(), p)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := authz.WithPrincipal(r.Context(), p)
			ctx = authz.WithAccess(ctx, access)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken pulls the session token from the Authorization header, or
// from the token query parameter for websocket upgrades where headers are
// awkward for browsers.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
