// ABOUTME: Request-scoped token claims for HTTP handlers
// ABOUTME: Provides WithClaims/FromContext for propagating verified identity via context

package auth

import (
	"context"
)

type claimsContextKey struct{}

// WithClaims returns a new context carrying verified claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// FromContext returns the claims attached by Authenticate, or nil.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return c
}
