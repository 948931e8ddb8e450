package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/pkg/logger"
)

// Authenticator resolves API tokens to users
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*sqlite.User, error)
}

type userKey struct{}

// UserFromContext returns the authenticated user, or nil outside RequireUser
func UserFromContext(ctx context.Context) *sqlite.User {
	user, _ := ctx.Value(userKey{}).(*sqlite.User)
	return user
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so those may pass ?token= instead.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

// RequireUser rejects requests without a valid token with 401
func RequireUser(users Authenticator, log *logger.Logger) func(http.Handler) http.Handler {
	log = log.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := users.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				if !errors.Is(err, sqlite.ErrNotFound) {
					log.Error("Token lookup failed", logger.Error(err))
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="voicejournal"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), userKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
