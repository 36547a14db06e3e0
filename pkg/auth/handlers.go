package auth

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Handlers exposes token endpoints.
type Handlers struct {
	tokens *TokenService
}

// NewHandlers creates token handlers.
func NewHandlers(tokens *TokenService) *Handlers {
	return &Handlers{tokens: tokens}
}

// RegisterRoutes registers POST /auth/refresh, wrapped by mw when non-nil.
func (h *Handlers) RegisterRoutes(router *mux.Router, mw mux.MiddlewareFunc) {
	var handler http.Handler = http.HandlerFunc(h.refresh)
	if mw != nil {
		handler = mw(handler)
	}
	router.Handle("/auth/refresh", handler).Methods("POST")
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Success bool     `json:"success"`
	User    *User    `json:"user"`
	Tokens  *Session `json:"tokens"`
}

func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, user, err := h.tokens.Refresh(r.Context(), req.RefreshToken)
	if errors.Is(err, ErrInvalidRefreshToken) {
		httputil.WriteAuthError(w, autherr.Validation(err, "refresh token is invalid, expired or already used"))
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("token refresh failed")
		httputil.WriteAuthError(w, err)
		return
	}
	httputil.WriteSuccess(w, refreshResponse{Success: true, User: user, Tokens: session})
}
