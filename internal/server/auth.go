package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"tasksetu/internal/auth"
	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
)

// TokenVerifier checks a bearer ID token.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

// AuthConfig enables bearer checks. A nil Verifier leaves the API open,
// which matches demo sign-in.
type AuthConfig struct {
	Verifier TokenVerifier
}

type principalKey struct{}

func withPrincipal(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// isPublicPath lists routes reachable without a token: the ones needed to
// establish a session, plus attachment downloads whose URL is the capability.
func isPublicPath(basePath, p string) bool {
	switch p {
	case path.Join(basePath, "health"),
		path.Join(basePath, "session"),
		path.Join(basePath, "session/sign-in"),
		path.Join(basePath, "session/guest"):
		return true
	}
	return strings.HasPrefix(p, path.Join(basePath, "files")+"/") || p == path.Join(basePath, "files/{id}")
}

// newAuthMiddleware requires a bearer token for the signed-in user. The
// server drives a single session, so a token for anyone else is refused.
func newAuthMiddleware(basePath string, cfg AuthConfig, e *engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if cfg.Verifier == nil || !strings.HasPrefix(req.URL.Path, basePath) || isPublicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			id, err := cfg.Verifier.Verify(token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			current, err := e.CurrentUser()
			if err != nil {
				respondStatusError(w, handleError(auth.ErrNotSignedIn))
				return
			}
			if current.ID != id.ID {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "session_mismatch", "token does not belong to the signed-in user", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), id)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
