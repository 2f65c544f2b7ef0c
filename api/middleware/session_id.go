package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/prestige-merchandise/storefront/api/responses"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

const (
	SessionIDHeader = "X-Session-Id"
	maxSessionIDLen = 128
)

// SessionID pins the browser session that owns guest collections. A client
// without one is issued a fresh id and must echo it on later requests.
func SessionID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := strings.TrimSpace(r.Header.Get(SessionIDHeader))
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			if len(sessionID) > maxSessionIDLen || strings.ContainsAny(sessionID, ":\x00\r\n") {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid session id"))
				return
			}

			w.Header().Set(SessionIDHeader, sessionID)

			ctx := WithSessionID(r.Context(), sessionID)
			if logg != nil {
				ctx = logg.WithSessionID(ctx, sessionID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
