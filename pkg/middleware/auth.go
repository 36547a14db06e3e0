package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// TokenParser validates access tokens. *auth.TokenService implements it.
type TokenParser interface {
	ParseAccessToken(token string) (*auth.Claims, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	tokens   TokenParser
	optional bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens TokenParser, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:   tokens,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			unauthorizedResponse(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorizedResponse(w, "invalid authorization header format")
			return
		}

		claims, err := m.tokens.ParseAccessToken(parts[1])
		if err != nil {
			unauthorizedResponse(w, "invalid or expired token")
			return
		}

		authCtx := &auth.AuthContext{
			UserID:  claims.Subject,
			Email:   claims.Email,
			Role:    claims.Role,
			TokenID: claims.ID,
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = observability.WithUserID(ctx, authCtx.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorizedResponse(w http.ResponseWriter, message string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	ctx := r.Context().Value(contextkeys.AuthKey)
	if ctx == nil {
		return nil
	}
	authCtx, ok := ctx.(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
