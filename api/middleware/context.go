package middleware

import (
	"context"

	"github.com/prestige-merchandise/storefront/internal/identity"
)

type contextKey string

const (
	ctxIdentity  contextKey = "identity"
	ctxSessionID contextKey = "session_id"
)

// IdentityFromContext returns the caller's identity; guest when unset.
func IdentityFromContext(ctx context.Context) identity.Identity {
	if ctx == nil {
		return identity.Guest()
	}
	if v, ok := ctx.Value(ctxIdentity).(identity.Identity); ok {
		return v
	}
	return identity.Guest()
}

func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxSessionID).(string); ok {
		return v
	}
	return ""
}

// WithIdentity injects the caller identity into the context.
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxIdentity, id)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxSessionID, sessionID)
}
