// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: Context keys shared across packages must be defined here.
// Keys private to a single package (the observability logger fields, for
// example) stay in that package.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/warden/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: rbac.PermissionMiddleware, SSO provider admin routes
	// Type: *auth.AuthContext
	AuthKey Key = "auth_context"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}
