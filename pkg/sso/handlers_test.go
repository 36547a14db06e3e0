package sso

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/identity"
)

type testServer struct {
	router   *mux.Router
	registry *MemoryRegistry
	users    *identity.MemoryStore
	audit    *audit.MemoryLogger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dispatcher := NewDispatcher(Options{}, nil)
	registry := NewMemoryRegistry(dispatcher)
	users := identity.NewMemoryStore()
	auditLog := audit.NewMemoryLogger()

	service := NewService(registry, dispatcher, nil, auditLog, nil, nil)
	tokens := auth.NewTokenService(auth.TokenConfig{Secret: []byte("test-secret-test-secret-test-secret")}, auth.NewMemoryRefreshStore(), users)
	resolver := identity.NewResolver(users, "user", nil, nil)

	router := mux.NewRouter()
	NewHandlers(service, resolver, tokens, CookieConfig{}, auditLog, nil).RegisterRoutes(router, RouteGuards{})
	return &testServer{router: router, registry: registry, users: users, audit: auditLog}
}

func (s *testServer) do(method, target, contentType, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) addProvider(t *testing.T, cfg *ProviderConfig) *ProviderConfig {
	t.Helper()
	stored, err := s.registry.Add(context.Background(), cfg)
	require.NoError(t, err)
	return stored
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHandlers_OAuthLoginFlow(t *testing.T) {
	idp := newFakeIdP(t)
	srv := newTestServer(t)
	provider := srv.addProvider(t, oauthProviderFor(idp))

	rec := srv.do(http.MethodPost, "/sso/oauth/login", "application/json", `{"providerId":"`+provider.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var redirect RedirectInstruction
	decode(t, rec, &redirect)
	assert.NotEmpty(t, redirect.State)
	assert.True(t, strings.HasPrefix(redirect.URL, idp.URL()+"/authorize?"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "warden_sso_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	form := url.Values{"providerId": {provider.ID}, "state": {redirect.State}, "code": {"code-1"}}
	rec = srv.do(http.MethodPost, "/sso/oauth/callback", "application/x-www-form-urlencoded", form.Encode(), cookies[0])
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result LoginResult
	decode(t, rec, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "alice@example.com", result.User.Email)
	assert.Equal(t, "user", result.User.BaseRole)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.Equal(t, 1, srv.users.Count())

	// The same state cannot complete a second login.
	rec = srv.do(http.MethodPost, "/sso/oauth/callback", "application/x-www-form-urlencoded", form.Encode(), cookies[0])
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_failed")

	assert.Len(t, srv.audit.OfType(audit.EventTypeSSOLoginInitiated), 1)
	assert.Len(t, srv.audit.OfType(audit.EventTypeSSOLogin), 1)
	assert.Len(t, srv.audit.OfType(audit.EventTypeSSOLoginFailed), 1)
}

func TestHandlers_OIDCLoginFlowReusesUser(t *testing.T) {
	idp := newFakeIdP(t)
	srv := newTestServer(t)
	provider := srv.addProvider(t, oidcProviderFor(idp))

	login := func() *LoginResult {
		rec := srv.do(http.MethodPost, "/sso/oidc/login?providerId="+provider.ID, "", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var redirect RedirectInstruction
		decode(t, rec, &redirect)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		idp.setNonce(u.Query().Get("nonce"))

		body := `{"providerId":"` + provider.ID + `","state":"` + redirect.State + `","code":"code-1"}`
		rec = srv.do(http.MethodPost, "/sso/oidc/callback", "application/json", body, rec.Result().Cookies()...)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result LoginResult
		decode(t, rec, &result)
		return &result
	}

	first := login()
	second := login()
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, 1, srv.users.Count())
}

func TestHandlers_CallbackFromOtherBrowser(t *testing.T) {
	idp := newFakeIdP(t)
	srv := newTestServer(t)
	provider := srv.addProvider(t, oauthProviderFor(idp))

	rec := srv.do(http.MethodPost, "/sso/oauth/login", "application/json", `{"providerId":"`+provider.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var redirect RedirectInstruction
	decode(t, rec, &redirect)

	other := &http.Cookie{Name: "warden_sso_session", Value: "someone-else"}
	form := url.Values{"providerId": {provider.ID}, "state": {redirect.State}, "code": {"code-1"}}
	rec = srv.do(http.MethodPost, "/sso/oauth/callback", "application/x-www-form-urlencoded", form.Encode(), other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, srv.users.Count())
}

func TestHandlers_CallbackWithoutSessionCookie(t *testing.T) {
	idp := newFakeIdP(t)
	srv := newTestServer(t)
	provider := srv.addProvider(t, oauthProviderFor(idp))

	rec := srv.do(http.MethodPost, "/sso/oauth/login", "application/json", `{"providerId":"`+provider.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var redirect RedirectInstruction
	decode(t, rec, &redirect)

	form := url.Values{"providerId": {provider.ID}, "state": {redirect.State}, "code": {"code-1"}}
	rec = srv.do(http.MethodPost, "/sso/oauth/callback", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, srv.users.Count())
}

func TestHandlers_LoginErrors(t *testing.T) {
	idp := newFakeIdP(t)
	srv := newTestServer(t)
	enabled := srv.addProvider(t, oauthProviderFor(idp))
	disabledCfg := oauthProviderFor(idp)
	disabledCfg.Enabled = false
	disabled := srv.addProvider(t, disabledCfg)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"unknown provider", "/sso/oauth/login", `{"providerId":"nope"}`, http.StatusNotFound, "config_not_found"},
		{"missing provider id", "/sso/oauth/login", `{}`, http.StatusNotFound, "config_not_found"},
		{"disabled provider", "/sso/oauth/login", `{"providerId":"` + disabled.ID + `"}`, http.StatusNotFound, "config_not_found"},
		{"protocol mismatch", "/sso/saml/login", `{"providerId":"` + enabled.ID + `"}`, http.StatusBadRequest, "unsupported_provider"},
		{"malformed body", "/sso/oauth/login", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, tt.path, "application/json", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.kind != "" {
				var resp map[string]string
				decode(t, rec, &resp)
				assert.Equal(t, tt.kind, resp["error"])
			}
		})
	}
}

func TestHandlers_ProviderAdmin(t *testing.T) {
	idp := newFakeIdP(t)
	srv := newTestServer(t)

	body, err := json.Marshal(oauthProviderFor(idp))
	require.NoError(t, err)
	rec := srv.do(http.MethodPost, "/sso/providers", "application/json", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ProviderConfig
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, redactedSecret, created.OAuth2.ClientSecret)

	rec = srv.do(http.MethodGet, "/sso/providers?orgId=org1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	var listed []ProviderConfig
	decode(t, rec, &listed)
	require.Len(t, listed, 1)

	// Echoing the redacted secret back keeps the stored one.
	update := `{"id":"` + created.ID + `","updates":{"name":"Renamed","oauth":` + mustJSON(t, created.OAuth2) + `}}`
	rec = srv.do(http.MethodPut, "/sso/providers", "application/json", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := srv.registry.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Name)
	assert.Equal(t, "s3cret", stored.OAuth2.ClientSecret)

	rec = srv.do(http.MethodPut, "/sso/providers", "application/json", `{"id":"missing","updates":{"name":"x"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(http.MethodDelete, "/sso/providers", "application/json", `{"id":"`+created.ID+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(http.MethodDelete, "/sso/providers", "application/json", `{"id":"`+created.ID+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Len(t, srv.audit.OfType(audit.EventTypeProviderCreate), 1)
	assert.Len(t, srv.audit.OfType(audit.EventTypeProviderUpdate), 1)
	assert.Len(t, srv.audit.OfType(audit.EventTypeProviderDelete), 1)
}

func TestHandlers_AddInvalidProvider(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(http.MethodPost, "/sso/providers", "application/json",
		`{"org_id":"org1","name":"broken","type":"oauth","enabled":true,"oauth":{"client_id":"c"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_config")

	rec = srv.do(http.MethodPost, "/sso/providers", "application/json",
		`{"org_id":"org1","name":"ldap","type":"ldap","enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_provider")
}

func TestHandlers_SAMLMetadata(t *testing.T) {
	srv := newTestServer(t)
	provider := srv.addProvider(t, samlProvider(t))

	rec := srv.do(http.MethodGet, "/sso/saml/metadata?providerId="+provider.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/samlmetadata+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "EntityDescriptor")

	rec = srv.do(http.MethodGet, "/sso/saml/metadata?providerId=missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_SAMLACSRejectsUnsigned(t *testing.T) {
	srv := newTestServer(t)
	provider := srv.addProvider(t, samlProvider(t))

	rec := srv.do(http.MethodPost, "/sso/saml/login", "application/json", `{"providerId":"`+provider.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redirect RedirectInstruction
	decode(t, rec, &redirect)

	form := url.Values{
		"providerId":   {provider.ID},
		"RelayState":   {redirect.State},
		"SAMLResponse": {"PHNhbWxwOlJlc3BvbnNlLz4="},
	}
	rec = srv.do(http.MethodPost, "/sso/saml/acs", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, srv.users.Count())
}

func TestHandlers_SAMLACSSignedResponse(t *testing.T) {
	srv := newTestServer(t)
	cfg, idpKey := samlProviderWithKey(t)
	provider := srv.addProvider(t, cfg)

	rec := srv.do(http.MethodPost, "/sso/saml/login", "application/json", `{"providerId":"`+provider.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redirect RedirectInstruction
	decode(t, rec, &redirect)
	requestID := authnRequestID(t, redirect.URL)

	form := url.Values{
		"providerId":   {provider.ID},
		"RelayState":   {redirect.State},
		"SAMLResponse": {signedSAMLResponse(t, provider.SAML, idpKey, requestID, "dana@example.com")},
	}
	rec = srv.do(http.MethodPost, "/sso/saml/acs", "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result LoginResult
	decode(t, rec, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "dana@example.com", result.User.Email)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.Equal(t, 1, srv.users.Count())
}

func TestHandlers_SAMLACSResponseForOtherRequest(t *testing.T) {
	srv := newTestServer(t)
	cfg, idpKey := samlProviderWithKey(t)
	provider := srv.addProvider(t, cfg)

	rec := srv.do(http.MethodPost, "/sso/saml/login", "application/json", `{"providerId":"`+provider.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redirect RedirectInstruction
	decode(t, rec, &redirect)

	form := url.Values{
		"providerId":   {provider.ID},
		"RelayState":   {redirect.State},
		"SAMLResponse": {signedSAMLResponse(t, provider.SAML, idpKey, "_request_from_another_login", "dana@example.com")},
	}
	rec = srv.do(http.MethodPost, "/sso/saml/acs", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, srv.users.Count())
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
