// Package scope carries the CRM tenant (company) through a context.
package scope

import "context"

type tenantKey struct{}

// Restore returns a context carrying tenantID. An empty tenantID returns
// ctx unchanged.
func Restore(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Capture returns the tenant carried by ctx, or "".
func Capture(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}
