package middleware

import (
	"net/http"
	"strings"

	"github.com/prestige-merchandise/storefront/api/responses"
	"github.com/prestige-merchandise/storefront/internal/identity"
	pkgAuth "github.com/prestige-merchandise/storefront/pkg/auth"
	"github.com/prestige-merchandise/storefront/pkg/config"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

// Identity resolves the caller from an optional bearer token. Requests
// without credentials continue as guests; a token that fails to verify is
// rejected rather than silently downgraded.
func Identity(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity.Guest())))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithIdentity(r.Context(), identity.Authenticated(claims.UserID))
			if logg != nil {
				ctx = logg.WithUserID(ctx, claims.UserID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
