package sso

import (
	"context"
	"errors"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
)

var defaultOIDCScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// OIDCHandler implements OpenID Connect SSO
type OIDCHandler struct {
	flow
	discovery *DiscoveryCache
}

// NewOIDCHandler creates an OIDC handler. A nil discovery cache gets a default one.
func NewOIDCHandler(opts Options, discovery *DiscoveryCache) *OIDCHandler {
	h := &OIDCHandler{flow: newFlow(opts), discovery: discovery}
	if h.discovery == nil {
		h.discovery = NewDiscoveryCache(0, 0, h.client, h.timeout, h.metrics)
	}
	return h
}

// Type returns the provider type
func (h *OIDCHandler) Type() ProviderType {
	return ProviderTypeOIDC
}

// Validate validates the OIDC configuration
func (h *OIDCHandler) Validate(cfg *ProviderConfig) error {
	c := cfg.OIDC
	if c == nil {
		return invalidConfig("oidc configuration is required")
	}
	if err := requireAbsoluteURL("issuer_url", c.IssuerURL); err != nil {
		return err
	}
	if c.ClientID == "" {
		return invalidConfig("client_id is required")
	}
	if c.ClientSecret == "" {
		return invalidConfig("client_secret is required")
	}
	return requireAbsoluteURL("redirect_url", c.RedirectURL)
}

func oidcOAuthConfig(c *OIDCConfig, provider *oidc.Provider) *oauth2.Config {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = defaultOIDCScopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  c.RedirectURL,
		Scopes:       scopes,
	}
}

// Initiate discovers the issuer, stores state and nonce and returns the
// authorization URL carrying both.
func (h *OIDCHandler) Initiate(ctx context.Context, cfg *ProviderConfig, sess SessionContext) (*RedirectInstruction, error) {
	if cfg.OIDC == nil {
		return nil, invalidConfig("oidc configuration is required")
	}

	provider, err := h.discovery.Provider(ctx, cfg.OIDC.IssuerURL)
	if err != nil {
		return nil, err
	}

	nonce, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	var verifier string
	if cfg.OIDC.UsePKCE {
		verifier = oauth2.GenerateVerifier()
	}
	handshake, err := h.begin(ctx, cfg, sess, nonce, verifier)
	if err != nil {
		return nil, err
	}

	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	authURL := oidcOAuthConfig(cfg.OIDC, provider).AuthCodeURL(handshake.State, opts...)
	return h.redirect(cfg, handshake, authURL), nil
}

// Complete consumes the state, exchanges the code, verifies the ID token and
// its nonce, then reads userinfo when the provider publishes it.
func (h *OIDCHandler) Complete(ctx context.Context, cfg *ProviderConfig, cb *CallbackData) (*identity.External, error) {
	if cfg.OIDC == nil {
		return nil, invalidConfig("oidc configuration is required")
	}
	// The state is spent even when the provider reports a failure.
	handshake, err := h.consume(ctx, cfg, cb)
	if err != nil {
		return nil, err
	}
	if cb.Error != "" {
		return nil, autherr.Validation(nil, "provider returned %s: %s", cb.Error, cb.ErrorDescription)
	}
	if cb.Code == "" {
		return nil, autherr.Validation(nil, "missing authorization code")
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	ctx = oidc.ClientContext(ctx, h.client)

	provider, err := h.discovery.Provider(ctx, cfg.OIDC.IssuerURL)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if handshake.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(handshake.CodeVerifier))
	}
	token, err := oidcOAuthConfig(cfg.OIDC, provider).Exchange(ctx, cb.Code, opts...)
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, autherr.Validation(nil, "token response has no id_token")
	}

	idToken, err := provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID, Now: h.now}).Verify(ctx, rawIDToken)
	if err != nil {
		if isTransportError(err) {
			return nil, autherr.Network(err, "failed to fetch signing keys")
		}
		return nil, autherr.Validation(err, "id token rejected")
	}
	if idToken.Nonce != handshake.Nonce {
		return nil, autherr.Validation(nil, "id token nonce mismatch")
	}

	claims := make(map[string]interface{})
	if err := idToken.Claims(&claims); err != nil {
		return nil, autherr.Validation(err, "failed to parse id token claims")
	}

	userInfoEmail := ""
	if provider.UserInfoEndpoint() != "" {
		info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err != nil {
			if isTransportError(err) {
				return nil, autherr.Network(err, "userinfo request failed")
			}
			return nil, autherr.Validation(err, "userinfo request rejected")
		}
		if info.Subject != idToken.Subject {
			return nil, autherr.Validation(errors.New("subject mismatch"), "userinfo does not match id token")
		}
		extra := make(map[string]interface{})
		if err := info.Claims(&extra); err == nil {
			for k, v := range extra {
				claims[k] = v
			}
		}
		userInfoEmail = info.Email
	}

	mapping := cfg.OIDC.AttributeMapping.withDefaults("email", "name", "sub")
	ext := &identity.External{
		Email:      stringClaim(claims, mapping.Email),
		Name:       stringClaim(claims, mapping.Name),
		Subject:    stringClaim(claims, mapping.Subject),
		ProviderID: cfg.ID,
		Attributes: flattenClaims(claims),
	}
	if userInfoEmail != "" && mapping.Email == "email" {
		ext.Email = userInfoEmail
	}
	if ext.Subject == "" {
		ext.Subject = idToken.Subject
	}
	if ext.Email == "" {
		return nil, autherr.Validation(nil, "id token and userinfo carry no email")
	}
	return ext, nil
}
