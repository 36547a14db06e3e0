package sso

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/platinummonkey/warden/pkg/autherr"
)

// ProviderType represents the SSO protocol of a provider
type ProviderType string

const (
	ProviderTypeSAML   ProviderType = "saml"
	ProviderTypeOAuth2 ProviderType = "oauth"
	ProviderTypeOIDC   ProviderType = "oidc"
)

// ParseProviderType maps a wire value to a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(s); t {
	case ProviderTypeSAML, ProviderTypeOAuth2, ProviderTypeOIDC:
		return t, nil
	default:
		return "", autherr.Unsupported("unsupported provider type %q", s)
	}
}

// ErrInvalidConfig is wrapped by configuration validation failures.
var ErrInvalidConfig = errors.New("invalid provider configuration")

func invalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ProviderConfig represents an SSO provider configured for an organization
type ProviderConfig struct {
	ID        string        `json:"id"`
	OrgID     string        `json:"org_id"`
	Type      ProviderType  `json:"type"`
	Name      string        `json:"name"`
	Enabled   bool          `json:"enabled"`
	SAML      *SAMLConfig   `json:"saml,omitempty"`
	OAuth2    *OAuth2Config `json:"oauth,omitempty"`
	OIDC      *OIDCConfig   `json:"oidc,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// AttributeMapping names the provider attributes holding identity fields.
// Empty fields fall back to protocol defaults.
type AttributeMapping struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Subject string `json:"subject,omitempty"`
}

func (m AttributeMapping) withDefaults(email, name, subject string) AttributeMapping {
	if m.Email == "" {
		m.Email = email
	}
	if m.Name == "" {
		m.Name = name
	}
	if m.Subject == "" {
		m.Subject = subject
	}
	return m
}

// SAMLConfig holds SAML 2.0 configuration
type SAMLConfig struct {
	IdPSSOURL        string           `json:"idp_sso_url"`
	IdPEntityID      string           `json:"idp_entity_id"`
	IdPCertificate   string           `json:"idp_certificate"` // PEM
	SPEntityID       string           `json:"sp_entity_id"`
	ACSURL           string           `json:"acs_url"`
	SPCertificate    string           `json:"sp_certificate,omitempty"` // PEM
	SPPrivateKey     string           `json:"sp_private_key,omitempty"` // PEM, secret
	SignRequests     bool             `json:"sign_requests"`
	NameIDFormat     string           `json:"name_id_format,omitempty"`
	AttributeMapping AttributeMapping `json:"attribute_mapping"`
}

// OAuth2Config holds OAuth2 configuration
type OAuth2Config struct {
	ClientID         string           `json:"client_id"`
	ClientSecret     string           `json:"client_secret,omitempty"`
	AuthURL          string           `json:"auth_url"`
	TokenURL         string           `json:"token_url"`
	UserInfoURL      string           `json:"userinfo_url"`
	RedirectURL      string           `json:"redirect_url"`
	Scopes           []string         `json:"scopes,omitempty"`
	UsePKCE          bool             `json:"use_pkce"`
	AttributeMapping AttributeMapping `json:"attribute_mapping"`
}

// OIDCConfig holds OpenID Connect configuration
type OIDCConfig struct {
	IssuerURL        string           `json:"issuer_url"`
	ClientID         string           `json:"client_id"`
	ClientSecret     string           `json:"client_secret,omitempty"`
	RedirectURL      string           `json:"redirect_url"`
	Scopes           []string         `json:"scopes,omitempty"`
	UsePKCE          bool             `json:"use_pkce"`
	AttributeMapping AttributeMapping `json:"attribute_mapping"`
}

const redactedSecret = "********"

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return redactedSecret
}

// Redacted returns a copy safe to return from the API.
func (c *ProviderConfig) Redacted() *ProviderConfig {
	out := *c
	if c.SAML != nil {
		saml := *c.SAML
		saml.SPPrivateKey = redact(saml.SPPrivateKey)
		out.SAML = &saml
	}
	if c.OAuth2 != nil {
		oauth := *c.OAuth2
		oauth.ClientSecret = redact(oauth.ClientSecret)
		out.OAuth2 = &oauth
	}
	if c.OIDC != nil {
		oidc := *c.OIDC
		oidc.ClientSecret = redact(oidc.ClientSecret)
		out.OIDC = &oidc
	}
	return &out
}

// ProviderPatch is a partial update. Nil fields are left unchanged and a
// protocol section replaces the stored one as a whole. A secret sent back in
// redacted form keeps the stored value.
type ProviderPatch struct {
	Name    *string       `json:"name,omitempty"`
	Enabled *bool         `json:"enabled,omitempty"`
	SAML    *SAMLConfig   `json:"saml,omitempty"`
	OAuth2  *OAuth2Config `json:"oauth,omitempty"`
	OIDC    *OIDCConfig   `json:"oidc,omitempty"`
}

// Apply returns a copy of cfg with the patch applied.
func (p ProviderPatch) Apply(cfg *ProviderConfig) *ProviderConfig {
	out := *cfg
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.SAML != nil {
		saml := *p.SAML
		if saml.SPPrivateKey == redactedSecret && cfg.SAML != nil {
			saml.SPPrivateKey = cfg.SAML.SPPrivateKey
		}
		out.SAML = &saml
	}
	if p.OAuth2 != nil {
		oauth := *p.OAuth2
		if oauth.ClientSecret == redactedSecret && cfg.OAuth2 != nil {
			oauth.ClientSecret = cfg.OAuth2.ClientSecret
		}
		out.OAuth2 = &oauth
	}
	if p.OIDC != nil {
		oidc := *p.OIDC
		if oidc.ClientSecret == redactedSecret && cfg.OIDC != nil {
			oidc.ClientSecret = cfg.OIDC.ClientSecret
		}
		out.OIDC = &oidc
	}
	return &out
}

// SessionContext carries the browser session initiating a login.
type SessionContext struct {
	SessionID string
	ReturnURL string
}

// RedirectInstruction tells the client where to send the browser.
type RedirectInstruction struct {
	URL        string       `json:"redirect_url"`
	State      string       `json:"state"`
	ProviderID string       `json:"provider_id"`
	Protocol   ProviderType `json:"protocol"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// CallbackData is the provider response delivered to a callback route.
// For SAML, State carries the RelayState.
type CallbackData struct {
	ProviderID       string
	SessionID        string
	State            string
	Code             string
	Error            string
	ErrorDescription string
	SAMLResponse     string
}

func requireAbsoluteURL(field, raw string) error {
	if raw == "" {
		return invalidConfig("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalidConfig("%s must be an absolute URL", field)
	}
	return nil
}
