package chi

import (
	"context"
	"net/http"
	"strings"

	"github.com/kailas-cloud/fusion/internal/config"
)

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

type grantCtxKey struct{}

// AccessibleKBs returns the knowledge bases granted to the caller.
// With authentication disabled every KB is accessible.
func AccessibleKBs(ctx context.Context) []string {
	if kbs, ok := ctx.Value(grantCtxKey{}).([]string); ok {
		return kbs
	}
	return []string{"*"}
}

// BearerAuthMiddleware validates Bearer tokens and attaches the key's KB
// grants to the request context. A key with the grant "*" can query any
// knowledge base. With no keys configured, authentication is disabled.
func BearerAuthMiddleware(keys []config.APIKeyConfig) func(http.Handler) http.Handler {
	grants := make(map[string][]string, len(keys))
	for _, k := range keys {
		if k.Key != "" {
			grants[k.Key] = k.KBIDs
		}
	}

	return func(next http.Handler) http.Handler {
		// Auth disabled — pass everything through
		if len(grants) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, codeBadRequest, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				writeError(w, http.StatusUnauthorized,
					codeBadRequest, "authorization header must use Bearer scheme")
				return
			}

			token := auth[len(bearerPrefix):]
			kbs, ok := grants[token]
			if !ok {
				writeError(w, http.StatusUnauthorized, codeBadRequest, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), grantCtxKey{}, kbs)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
