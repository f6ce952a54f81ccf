package auth

import (
	"context"

	"example.com/activitylog/internal/domain"
)

type ctxKey struct{}

// WithClaims attaches the verified caller to ctx for the activity handlers.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// FromContext returns the caller attached by the bearer middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*Claims)
	return claims, ok && claims != nil
}

// IdentityFrom resolves the organization and actor that new events are attributed to.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	claims, ok := FromContext(ctx)
	if !ok {
		return domain.Identity{}, false
	}
	return claims.Identity(), true
}
