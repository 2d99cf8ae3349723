package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/saturn/internal/authz"
)

type authContextKey string

const contextKeyCaps authContextKey = "saturn-capabilities"

// requireAuth ensures the request carries a valid bearer token and stores
// the evaluated capabilities on the request context.
func (r *Router) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "Unauthenticated.")
			return
		}
		caps, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			r.writeServiceError(w, req, err)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyCaps, caps)
		if actor, ok := req.Context().Value(auditContextKey{}).(*auditActor); ok {
			actor.caps = &caps
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// requireAbility rejects callers whose token lacks ability.
func requireAbility(ability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			caps, ok := capsFromContext(req.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}
			if !caps.Allows(ability) {
				writeError(w, http.StatusForbidden, "Missing required ability: "+ability+".")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// capsFromContext extracts the caller's capabilities from context.
func capsFromContext(ctx context.Context) (authz.Capabilities, bool) {
	caps, ok := ctx.Value(contextKeyCaps).(authz.Capabilities)
	return caps, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
