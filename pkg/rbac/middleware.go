package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
)

// PermissionMiddleware provides middleware for permission checking
type PermissionMiddleware struct {
	engine      *Engine
	auditLogger audit.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(engine *Engine, auditLogger audit.Logger) *PermissionMiddleware {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &PermissionMiddleware{
		engine:      engine,
		auditLogger: auditLogger,
	}
}

// RequirePermission only admits requests whose authenticated user holds perm.
// It must run after middleware.AuthMiddleware.
func (pm *PermissionMiddleware) RequirePermission(perm string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authCtx := middleware.GetAuthContext(r)
			if authCtx == nil || authCtx.UserID == "" {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
					Error:   "unauthorized",
					Message: "authentication required",
				})
				return
			}

			user, err := pm.engine.User(ctx, authCtx.UserID)
			if autherr.KindOf(err) == autherr.KindConfigNotFound {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
					Error:   "unauthorized",
					Message: "unknown user",
				})
				return
			}
			if err != nil {
				writeError(w, r, err)
				return
			}

			allowed, err := pm.engine.HasPermission(ctx, user, perm, "")
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !allowed {
				pm.auditLogger.Log(ctx, &audit.AuditEvent{
					EventType: audit.EventTypeAccessDenied,
					Status:    audit.EventStatusDenied,
					UserID:    user.ID,
					IPAddress: r.RemoteAddr,
					Metadata: map[string]interface{}{
						"permission": perm,
						"path":       r.URL.Path,
					},
				})
				httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{
					Error:   "forbidden",
					Message: "insufficient permissions",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
