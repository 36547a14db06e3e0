package sso

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/observability"
)

const maxFormBytes = 1 << 20

// CookieConfig configures the browser session cookie that binds a login to
// the browser that started it.
type CookieConfig struct {
	Name   string
	Secure bool
}

// RouteGuards wrap groups of routes. Nil guards pass requests through.
type RouteGuards struct {
	// Admin protects provider configuration routes.
	Admin mux.MiddlewareFunc
	// Flow protects login and callback routes, typically with a rate limiter.
	Flow mux.MiddlewareFunc
}

// Handlers handles SSO-related HTTP requests
type Handlers struct {
	service  *Service
	resolver *identity.Resolver
	tokens   *auth.TokenService
	cookie   CookieConfig
	audit    audit.Logger
	metrics  *observability.Metrics
}

// NewHandlers creates a new SSO handlers instance
func NewHandlers(service *Service, resolver *identity.Resolver, tokens *auth.TokenService, cookie CookieConfig, auditLogger audit.Logger, metrics *observability.Metrics) *Handlers {
	if cookie.Name == "" {
		cookie.Name = "warden_sso_session"
	}
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handlers{
		service:  service,
		resolver: resolver,
		tokens:   tokens,
		cookie:   cookie,
		audit:    auditLogger,
		metrics:  metrics,
	}
}

func guard(mw mux.MiddlewareFunc, h http.HandlerFunc) http.Handler {
	if mw == nil {
		return h
	}
	return mw(h)
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guards RouteGuards) {
	// Provider configuration routes
	router.Handle("/sso/providers", guard(guards.Admin, h.listProviders)).Methods("GET")
	router.Handle("/sso/providers", guard(guards.Admin, h.addProvider)).Methods("POST")
	router.Handle("/sso/providers", guard(guards.Admin, h.updateProvider)).Methods("PUT")
	router.Handle("/sso/providers", guard(guards.Admin, h.removeProvider)).Methods("DELETE")

	// Login flows
	router.Handle("/sso/saml/login", guard(guards.Flow, h.login(ProviderTypeSAML))).Methods("POST")
	router.Handle("/sso/saml/acs", guard(guards.Flow, h.samlACS)).Methods("POST")
	router.HandleFunc("/sso/saml/metadata", h.samlMetadata).Methods("GET")
	router.Handle("/sso/oauth/login", guard(guards.Flow, h.login(ProviderTypeOAuth2))).Methods("POST")
	router.Handle("/sso/oauth/callback", guard(guards.Flow, h.callback(ProviderTypeOAuth2))).Methods("POST")
	router.Handle("/sso/oidc/login", guard(guards.Flow, h.login(ProviderTypeOIDC))).Methods("POST")
	router.Handle("/sso/oidc/callback", guard(guards.Flow, h.callback(ProviderTypeOIDC))).Methods("POST")
}

// writeError maps err to a JSON error response. Internal causes are logged,
// never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrInvalidConfig) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error:   "invalid_config",
			Message: err.Error(),
		})
		return
	}
	if _, ok := autherr.As(err); !ok {
		observability.FromContext(r.Context()).WithError(err).Error("sso request failed")
	}
	httputil.WriteAuthError(w, err)
}

// readParams merges query, form and JSON body parameters. JSON values that are
// not strings are ignored.
func readParams(r *http.Request) (url.Values, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		return r.Form, nil
	}

	values := r.URL.Query()
	var body map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxFormBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	for k, v := range body {
		if s, ok := v.(string); ok {
			values.Set(k, s)
		}
	}
	return values, nil
}

// sessionID returns the browser session id, creating the cookie when absent.
func (h *Handlers) sessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(h.cookie.Name); err == nil && c.Value != "" {
		return c.Value, nil
	}
	id, err := randomToken(32)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    id,
		Path:     "/sso",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

func (h *Handlers) existingSessionID(r *http.Request) string {
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		return c.Value
	}
	return ""
}

// login handles POST /sso/{protocol}/login
func (h *Handlers) login(protocol ProviderType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := readParams(r)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		sessionID, err := h.sessionID(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		redirect, err := h.service.Login(r.Context(), protocol, params.Get("providerId"), SessionContext{
			SessionID: sessionID,
			ReturnURL: params.Get("returnUrl"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, redirect)
	}
}

// callback handles POST /sso/{oauth,oidc}/callback
func (h *Handlers) callback(protocol ProviderType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := readParams(r)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		h.finish(w, r, protocol, &CallbackData{
			ProviderID:       params.Get("providerId"),
			SessionID:        h.existingSessionID(r),
			State:            params.Get("state"),
			Code:             params.Get("code"),
			Error:            params.Get("error"),
			ErrorDescription: params.Get("error_description"),
		})
	}
}

// samlACS handles POST /sso/saml/acs. The IdP posts cross-site so the
// session cookie is not available; RelayState and InResponseTo bind the
// response.
func (h *Handlers) samlACS(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	h.finish(w, r, ProviderTypeSAML, &CallbackData{
		ProviderID:   params.Get("providerId"),
		State:        params.Get("RelayState"),
		SAMLResponse: params.Get("SAMLResponse"),
	})
}

// LoginResult is the body of a successful callback.
type LoginResult struct {
	Success bool          `json:"success"`
	User    *auth.User    `json:"user"`
	Tokens  *auth.Session `json:"tokens"`
}

// finish completes the handshake, then resolves the user and issues a session.
func (h *Handlers) finish(w http.ResponseWriter, r *http.Request, protocol ProviderType, cb *CallbackData) {
	ctx := r.Context()

	ext, err := h.service.Callback(ctx, protocol, cb)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.resolver.ResolveUser(ctx, *ext)
	if err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.tokens.IssueSession(ctx, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.metrics.RecordSessionIssued()

	h.audit.Log(ctx, &audit.AuditEvent{
		EventType:  audit.EventTypeSSOLogin,
		Status:     audit.EventStatusSuccess,
		UserID:     user.ID,
		ProviderID: ext.ProviderID,
		IPAddress:  r.RemoteAddr,
		Metadata:   map[string]interface{}{"protocol": string(protocol)},
	})
	httputil.WriteSuccess(w, LoginResult{Success: true, User: user, Tokens: session})
}

// samlMetadata handles GET /sso/saml/metadata
func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.service.Metadata(r.Context(), r.URL.Query().Get("providerId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(metadata)
}

// listProviders handles GET /sso/providers
func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.service.ListProviders(r.Context(), r.URL.Query().Get("orgId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, providers)
}

// addProvider handles POST /sso/providers
func (h *Handlers) addProvider(w http.ResponseWriter, r *http.Request) {
	var cfg ProviderConfig
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	stored, err := h.service.AddProvider(r.Context(), &cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, stored)
}

type updateProviderRequest struct {
	ID      string        `json:"id"`
	Updates ProviderPatch `json:"updates"`
}

// updateProvider handles PUT /sso/providers
func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	var req updateProviderRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ID, "id") {
		return
	}
	updated, err := h.service.UpdateProvider(r.Context(), req.ID, req.Updates)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

type removeProviderRequest struct {
	ID string `json:"id"`
}

// removeProvider handles DELETE /sso/providers
func (h *Handlers) removeProvider(w http.ResponseWriter, r *http.Request) {
	var req removeProviderRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ID, "id") {
		return
	}
	removed, err := h.service.RemoveProvider(r.Context(), req.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, providerNotFound(req.ID))
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"success": true})
}
