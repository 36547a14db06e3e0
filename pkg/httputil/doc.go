// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, provider)
//	httputil.WriteCreated(w, role)
//	httputil.WriteAuthError(w, err) // autherr kind -> status and {"error": kind}
//
// Every error body is an ErrorResponse.
//
// # Request Parsing
//
//	var req createRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and rate limiting
//   - pkg/autherr: The error kinds WriteAuthError understands
package httputil
