// Package tenantx carries the acting tenant through request and consumer
// contexts. Every pipeline stage is tenant-scoped, so the id rides the
// context instead of every function signature.
package tenantx

import "context"

type contextKey struct{}

// WithTenant returns a context scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// TenantID returns the tenant carried by ctx, or "" when unscoped.
func TenantID(ctx context.Context) string {
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}
