// Package middleware provides HTTP middleware for bearer authentication and
// per-client rate limiting.
//
// # Middleware Components
//
// AuthMiddleware: access token authentication
//
//	authMW := middleware.NewAuthMiddleware(tokenService, false)
//	router.Handle("/rbac/roles", authMW.Handler(h))
//	// Validates "Authorization: Bearer <jwt>" and stores *auth.AuthContext
//	// under contextkeys.AuthKey
//
// RateLimitMiddleware: per-IP limits for login and callback routes
//
//	limiter := middleware.NewRateLimitMiddleware(cfg, redisClient, metrics, logger)
//	router.Use(limiter.Handler)
//
// With a Redis client the window is shared across instances (fixed window,
// INCR plus PEXPIRE). When Redis errors the in-process token bucket decides
// instead. Pass a nil client to use the token bucket only.
//
// # Related Packages
//
//   - pkg/auth: Token validation
//   - pkg/rbac: Permission checking on top of the auth context
package middleware
