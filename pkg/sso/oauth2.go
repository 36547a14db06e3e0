package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
)

// maxProfileBytes caps profile and userinfo responses.
const maxProfileBytes = 1 << 20

var defaultOAuth2Scopes = []string{"email", "profile"}

// OAuth2Handler implements the OAuth2 authorization code flow
type OAuth2Handler struct {
	flow
}

// NewOAuth2Handler creates an OAuth2 handler
func NewOAuth2Handler(opts Options) *OAuth2Handler {
	return &OAuth2Handler{flow: newFlow(opts)}
}

// Type returns the provider type
func (h *OAuth2Handler) Type() ProviderType {
	return ProviderTypeOAuth2
}

// Validate validates the OAuth2 configuration
func (h *OAuth2Handler) Validate(cfg *ProviderConfig) error {
	c := cfg.OAuth2
	if c == nil {
		return invalidConfig("oauth configuration is required")
	}
	if c.ClientID == "" {
		return invalidConfig("client_id is required")
	}
	if c.ClientSecret == "" {
		return invalidConfig("client_secret is required")
	}
	for field, value := range map[string]string{
		"auth_url":     c.AuthURL,
		"token_url":    c.TokenURL,
		"userinfo_url": c.UserInfoURL,
		"redirect_url": c.RedirectURL,
	} {
		if err := requireAbsoluteURL(field, value); err != nil {
			return err
		}
	}
	return nil
}

func (h *OAuth2Handler) oauthConfig(c *OAuth2Config) *oauth2.Config {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = defaultOAuth2Scopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		RedirectURL: c.RedirectURL,
		Scopes:      scopes,
	}
}

// Initiate stores a handshake and returns the authorization URL.
func (h *OAuth2Handler) Initiate(ctx context.Context, cfg *ProviderConfig, sess SessionContext) (*RedirectInstruction, error) {
	if cfg.OAuth2 == nil {
		return nil, invalidConfig("oauth configuration is required")
	}

	var verifier string
	if cfg.OAuth2.UsePKCE {
		verifier = oauth2.GenerateVerifier()
	}
	handshake, err := h.begin(ctx, cfg, sess, "", verifier)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	authURL := h.oauthConfig(cfg.OAuth2).AuthCodeURL(handshake.State, opts...)
	return h.redirect(cfg, handshake, authURL), nil
}

// Complete exchanges the authorization code and reads the profile endpoint.
func (h *OAuth2Handler) Complete(ctx context.Context, cfg *ProviderConfig, cb *CallbackData) (*identity.External, error) {
	if cfg.OAuth2 == nil {
		return nil, invalidConfig("oauth configuration is required")
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
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)

	conf := h.oauthConfig(cfg.OAuth2)
	var opts []oauth2.AuthCodeOption
	if handshake.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(handshake.CodeVerifier))
	}
	token, err := conf.Exchange(ctx, cb.Code, opts...)
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	profile, err := fetchJSON(ctx, conf.Client(ctx, token), cfg.OAuth2.UserInfoURL)
	if err != nil {
		return nil, err
	}

	mapping := cfg.OAuth2.AttributeMapping.withDefaults("email", "name", "id")
	ext := &identity.External{
		Email:      stringClaim(profile, mapping.Email),
		Name:       stringClaim(profile, mapping.Name),
		Subject:    stringClaim(profile, mapping.Subject),
		ProviderID: cfg.ID,
		Attributes: flattenClaims(profile),
	}
	if ext.Email == "" {
		return nil, autherr.Validation(nil, "profile response carries no email")
	}
	return ext, nil
}

// fetchJSON GETs target and decodes a JSON object. Transport failures and
// 5xx answers are network errors; other non-200 answers are rejections.
func fetchJSON(ctx context.Context, client *http.Client, target string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, autherr.Network(err, "profile request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, autherr.Network(err, "failed to read profile response")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, autherr.Network(nil, "profile endpoint returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, autherr.Validation(nil, "profile endpoint returned status %d", resp.StatusCode)
	}

	var profile map[string]interface{}
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, autherr.Validation(err, "profile response is not a JSON object")
	}
	return profile, nil
}

func stringClaim(data map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// flattenClaims keeps scalar values as strings and encodes the rest as JSON.
func flattenClaims(data map[string]interface{}) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s := stringClaim(data, k); s != "" {
			out[k] = s
			continue
		}
		if v == nil {
			continue
		}
		encoded, err := json.Marshal(v)
		if err == nil {
			out[k] = string(encoded)
		}
	}
	return out
}
