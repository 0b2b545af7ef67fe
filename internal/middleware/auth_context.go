package middleware

import (
	"context"

	"github.com/stratosight/geotak/internal/auth"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	requestIDContextKey contextKey = "request_id"
)

// GetPrincipal retrieves the authenticated principal, if any. Anonymous
// requests that passed the rate limiter have none.
func GetPrincipal(ctx context.Context) (*auth.Principal, bool) {
	val, ok := ctx.Value(principalContextKey).(*auth.Principal)
	return val, ok
}

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetRequestID retrieves the request id assigned by RequestLogger.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// PrincipalLabel is the audit attribution string for the request: the
// principal's bucket key, or "anonymous".
func PrincipalLabel(ctx context.Context) string {
	if p, ok := GetPrincipal(ctx); ok {
		return p.Key()
	}
	return "anonymous"
}
