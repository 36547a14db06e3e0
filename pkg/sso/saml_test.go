package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/autherr"
)

func samlProvider(t *testing.T) *ProviderConfig {
	t.Helper()
	cfg, _ := samlProviderWithKey(t)
	return cfg
}

// samlProviderWithKey also returns the IdP signing key.
func samlProviderWithKey(t *testing.T) (*ProviderConfig, string) {
	t.Helper()
	certPEM, keyPEM := newTestCertificate(t, "idp.example.com")
	return &ProviderConfig{
		ID:      "idp1",
		OrgID:   "org1",
		Type:    ProviderTypeSAML,
		Name:    "Corporate IdP",
		Enabled: true,
		SAML: &SAMLConfig{
			IdPSSOURL:      "https://idp.example.com/sso/saml",
			IdPEntityID:    "https://idp.example.com/metadata",
			IdPCertificate: certPEM,
			SPEntityID:     "https://warden.example.com/sso/saml/metadata",
			ACSURL:         "https://warden.example.com/sso/saml/acs?providerId=idp1",
		},
	}, keyPEM
}

func assertion(nameID string, attrs map[string]string) *saml2.AssertionInfo {
	values := saml2.Values{}
	for name, value := range attrs {
		values[name] = types.Attribute{
			Name:   name,
			Values: []types.AttributeValue{{Value: value}},
		}
	}
	return &saml2.AssertionInfo{NameID: nameID, Values: values, WarningInfo: &saml2.WarningInfo{}}
}

// answering marks every assertion in info as a reply to requestID.
func answering(info *saml2.AssertionInfo, requestID string) *saml2.AssertionInfo {
	info.Assertions = []types.Assertion{{
		Subject: &types.Subject{
			NameID: &types.NameID{Value: info.NameID},
			SubjectConfirmation: &types.SubjectConfirmation{
				Method:                  saml2.SubjMethodBearer,
				SubjectConfirmationData: &types.SubjectConfirmationData{InResponseTo: requestID},
			},
		},
	}}
	return info
}

// startSAML initiates a login and returns the redirect with the AuthnRequest ID.
func startSAML(t *testing.T, h *SAMLHandler, store *MemoryHandshakeStore, cfg *ProviderConfig) (*RedirectInstruction, string) {
	t.Helper()
	redirect, err := h.Initiate(context.Background(), cfg, SessionContext{})
	require.NoError(t, err)
	pending, ok := store.pending[redirect.State]
	require.True(t, ok)
	return redirect, pending.Nonce
}

// authnRequestID decodes the redirect-binding SAMLRequest in authURL.
func authnRequestID(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	deflated, err := base64.StdEncoding.DecodeString(u.Query().Get("SAMLRequest"))
	require.NoError(t, err)
	raw, err := io.ReadAll(flate.NewReader(bytes.NewReader(deflated)))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	return doc.Root().SelectAttrValue("ID", "")
}

// signedSAMLResponse builds a Response for c signed with the IdP key, encoded
// for the HTTP-POST binding.
func signedSAMLResponse(t *testing.T, c *SAMLConfig, idpKeyPEM, inResponseTo, email string) string {
	t.Helper()
	now := time.Now().UTC()
	issued := now.Format(time.RFC3339)
	notBefore := now.Add(-time.Minute).Format(time.RFC3339)
	notOnOrAfter := now.Add(5 * time.Minute).Format(time.RFC3339)

	response := etree.NewElement("samlp:Response")
	response.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	response.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	response.CreateAttr("ID", "_response_1")
	response.CreateAttr("Version", "2.0")
	response.CreateAttr("IssueInstant", issued)
	response.CreateAttr("Destination", c.ACSURL)
	response.CreateAttr("InResponseTo", inResponseTo)
	response.CreateElement("saml:Issuer").SetText(c.IdPEntityID)
	response.CreateElement("samlp:Status").CreateElement("samlp:StatusCode").
		CreateAttr("Value", saml2.StatusCodeSuccess)

	assertion := response.CreateElement("saml:Assertion")
	assertion.CreateAttr("ID", "_assertion_1")
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", issued)
	assertion.CreateElement("saml:Issuer").SetText(c.IdPEntityID)

	subject := assertion.CreateElement("saml:Subject")
	subject.CreateElement("saml:NameID").SetText(email)
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", saml2.SubjMethodBearer)
	data := confirmation.CreateElement("saml:SubjectConfirmationData")
	data.CreateAttr("InResponseTo", inResponseTo)
	data.CreateAttr("Recipient", c.ACSURL)
	data.CreateAttr("NotOnOrAfter", notOnOrAfter)

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", notBefore)
	conditions.CreateAttr("NotOnOrAfter", notOnOrAfter)
	conditions.CreateElement("saml:AudienceRestriction").CreateElement("saml:Audience").SetText(c.SPEntityID)

	attribute := assertion.CreateElement("saml:AttributeStatement").CreateElement("saml:Attribute")
	attribute.CreateAttr("Name", "email")
	attribute.CreateElement("saml:AttributeValue").SetText(email)

	keyStore, err := parseKeyStore(&SAMLConfig{SPCertificate: c.IdPCertificate, SPPrivateKey: idpKeyPEM})
	require.NoError(t, err)
	signed, err := dsig.NewDefaultSigningContext(keyStore).SignEnveloped(response)
	require.NoError(t, err)

	doc := etree.NewDocument()
	doc.SetRoot(signed)
	raw, err := doc.WriteToBytes()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSAMLHandler_Validate(t *testing.T) {
	h := NewSAMLHandler(Options{})
	require.NoError(t, h.Validate(samlProvider(t)))

	tests := []struct {
		name   string
		mutate func(*SAMLConfig)
	}{
		{"missing sso url", func(c *SAMLConfig) { c.IdPSSOURL = "" }},
		{"bad certificate", func(c *SAMLConfig) { c.IdPCertificate = "not a cert" }},
		{"missing sp entity", func(c *SAMLConfig) { c.SPEntityID = "" }},
		{"relative acs", func(c *SAMLConfig) { c.ACSURL = "/acs" }},
		{"signing without key", func(c *SAMLConfig) { c.SignRequests = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := samlProvider(t)
			tt.mutate(cfg.SAML)
			assert.ErrorIs(t, h.Validate(cfg), ErrInvalidConfig)
		})
	}
}

func TestSAMLHandler_ValidateSPKeyPair(t *testing.T) {
	h := NewSAMLHandler(Options{})
	cfg := samlProvider(t)
	spCert, spKey := newTestCertificate(t, "sp.example.com")
	cfg.SAML.SPCertificate = spCert
	cfg.SAML.SPPrivateKey = spKey
	cfg.SAML.SignRequests = true
	assert.NoError(t, h.Validate(cfg))

	cfg.SAML.SPPrivateKey = "garbage"
	assert.ErrorIs(t, h.Validate(cfg), ErrInvalidConfig)
}

func TestSAMLHandler_InitiateRedirectsToIdP(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg := samlProvider(t)

	redirect, err := h.Initiate(context.Background(), cfg, SessionContext{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(redirect.URL, "https://idp.example.com/sso/saml?"), redirect.URL)
	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get("SAMLRequest"))
	assert.Equal(t, redirect.State, u.Query().Get("RelayState"))
	assert.Equal(t, "idp1", redirect.ProviderID)
	assert.Equal(t, ProviderTypeSAML, redirect.Protocol)

	pending, ok := store.pending[redirect.State]
	require.True(t, ok)
	assert.Equal(t, authnRequestID(t, redirect.URL), pending.Nonce, "AuthnRequest ID is stored as nonce")
	assert.Empty(t, pending.SessionID, "the IdP posts back without the session cookie")
}

func TestSAMLHandler_Complete(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg := samlProvider(t)
	redirect, requestID := startSAML(t, h, store, cfg)

	h.retrieve = func(sp *saml2.SAMLServiceProvider, encoded string) (*saml2.AssertionInfo, error) {
		assert.Equal(t, "https://warden.example.com/sso/saml/metadata", sp.AudienceURI)
		return answering(assertion("alice@example.com", map[string]string{
			"email": "Alice@Example.com",
			"name":  "Alice",
			"dept":  "eng",
		}), requestID), nil
	}

	ext, err := h.Complete(context.Background(), cfg, &CallbackData{
		ProviderID:   cfg.ID,
		State:        redirect.State,
		SAMLResponse: "PHNhbWxwOlJlc3BvbnNlLz4=",
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice@Example.com", ext.Email)
	assert.Equal(t, "Alice", ext.Name)
	assert.Equal(t, "alice@example.com", ext.Subject)
	assert.Equal(t, "eng", ext.Attributes["dept"])
	assert.Equal(t, "idp1", ext.ProviderID)
}

func TestSAMLHandler_CompleteNameIDFallback(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg := samlProvider(t)
	redirect, requestID := startSAML(t, h, store, cfg)
	h.retrieve = func(sp *saml2.SAMLServiceProvider, encoded string) (*saml2.AssertionInfo, error) {
		return answering(assertion("bob@example.com", nil), requestID), nil
	}

	ext, err := h.Complete(context.Background(), cfg, &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: "x"})
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", ext.Email)
}

func TestSAMLHandler_CompleteRejectsReplayedRelayState(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg := samlProvider(t)
	redirect, requestID := startSAML(t, h, store, cfg)
	h.retrieve = func(sp *saml2.SAMLServiceProvider, encoded string) (*saml2.AssertionInfo, error) {
		return answering(assertion("alice@example.com", nil), requestID), nil
	}

	cb := &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: "x"}
	_, err := h.Complete(context.Background(), cfg, cb)
	require.NoError(t, err)

	_, err = h.Complete(context.Background(), cfg, cb)
	assert.ErrorIs(t, err, autherr.ErrValidationFailed)
	assert.ErrorIs(t, err, ErrHandshakeNotFound)
}

func TestSAMLHandler_CompleteRejections(t *testing.T) {
	tests := []struct {
		name     string
		info     func(requestID string) *saml2.AssertionInfo
		err      error
		response string
	}{
		{name: "missing response", response: ""},
		{name: "signature rejected", err: errors.New("signature validation failed"), response: "x"},
		{
			name: "invalid time",
			info: func(id string) *saml2.AssertionInfo {
				return answering(&saml2.AssertionInfo{NameID: "a@x.com", WarningInfo: &saml2.WarningInfo{InvalidTime: true}}, id)
			},
			response: "x",
		},
		{
			name: "wrong audience",
			info: func(id string) *saml2.AssertionInfo {
				return answering(&saml2.AssertionInfo{NameID: "a@x.com", WarningInfo: &saml2.WarningInfo{NotInAudience: true}}, id)
			},
			response: "x",
		},
		{
			name:     "no email",
			info:     func(id string) *saml2.AssertionInfo { return answering(assertion("", nil), id) },
			response: "x",
		},
		{
			name: "answers another login request",
			info: func(string) *saml2.AssertionInfo {
				return answering(assertion("alice@example.com", nil), "_request_from_another_login")
			},
			response: "x",
		},
		{
			name:     "unsolicited response",
			info:     func(string) *saml2.AssertionInfo { return answering(assertion("alice@example.com", nil), "") },
			response: "x",
		},
		{
			name:     "no assertions",
			info:     func(string) *saml2.AssertionInfo { return assertion("alice@example.com", nil) },
			response: "x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryHandshakeStore()
			h := NewSAMLHandler(Options{Handshakes: store})
			cfg := samlProvider(t)
			redirect, requestID := startSAML(t, h, store, cfg)
			h.retrieve = func(sp *saml2.SAMLServiceProvider, encoded string) (*saml2.AssertionInfo, error) {
				if tt.info == nil {
					return nil, tt.err
				}
				return tt.info(requestID), tt.err
			}

			_, err := h.Complete(context.Background(), cfg, &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: tt.response})
			assert.Equal(t, autherr.KindValidationFailed, autherr.KindOf(err))
		})
	}
}

func TestSAMLHandler_CompleteSignedResponse(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg, idpKey := samlProviderWithKey(t)
	redirect, requestID := startSAML(t, h, store, cfg)

	encoded := signedSAMLResponse(t, cfg.SAML, idpKey, requestID, "carol@example.com")
	ext, err := h.Complete(context.Background(), cfg, &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: encoded})
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", ext.Email)
	assert.Equal(t, "carol@example.com", ext.Subject)
}

func TestSAMLHandler_CompleteSignedResponseForOtherRequest(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg, idpKey := samlProviderWithKey(t)
	redirect, _ := startSAML(t, h, store, cfg)

	encoded := signedSAMLResponse(t, cfg.SAML, idpKey, "_request_from_another_login", "carol@example.com")
	_, err := h.Complete(context.Background(), cfg, &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: encoded})
	assert.Equal(t, autherr.KindValidationFailed, autherr.KindOf(err))
}

func TestSAMLHandler_CompleteSignedByUnknownKey(t *testing.T) {
	store := NewMemoryHandshakeStore()
	h := NewSAMLHandler(Options{Handshakes: store})
	cfg := samlProvider(t)
	redirect, requestID := startSAML(t, h, store, cfg)

	rogue, rogueKey := samlProviderWithKey(t)
	encoded := signedSAMLResponse(t, rogue.SAML, rogueKey, requestID, "mallory@example.com")
	_, err := h.Complete(context.Background(), cfg, &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: encoded})
	assert.Equal(t, autherr.KindValidationFailed, autherr.KindOf(err))
}

func TestSAMLHandler_CompleteRealVerifierRejectsUnsigned(t *testing.T) {
	h := NewSAMLHandler(Options{})
	cfg := samlProvider(t)
	redirect, err := h.Initiate(context.Background(), cfg, SessionContext{})
	require.NoError(t, err)

	forged := base64.StdEncoding.EncodeToString([]byte(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_1" Version="2.0"></samlp:Response>`))
	_, err = h.Complete(context.Background(), cfg, &CallbackData{ProviderID: cfg.ID, State: redirect.State, SAMLResponse: forged})
	assert.Equal(t, autherr.KindValidationFailed, autherr.KindOf(err))
}

func TestSAMLHandler_CompleteWrongProvider(t *testing.T) {
	h := NewSAMLHandler(Options{})
	cfg := samlProvider(t)
	redirect, err := h.Initiate(context.Background(), cfg, SessionContext{})
	require.NoError(t, err)

	other := samlProvider(t)
	other.ID = "idp2"
	_, err = h.Complete(context.Background(), other, &CallbackData{ProviderID: other.ID, State: redirect.State, SAMLResponse: "x"})
	assert.Equal(t, autherr.KindValidationFailed, autherr.KindOf(err))
}

func TestSAMLHandler_Metadata(t *testing.T) {
	h := NewSAMLHandler(Options{})
	cfg := samlProvider(t)

	metadata, err := h.Metadata(cfg)
	require.NoError(t, err)
	body := string(metadata)
	assert.True(t, strings.HasPrefix(body, "<?xml"))
	assert.Contains(t, body, "https://warden.example.com/sso/saml/metadata")
	assert.Contains(t, body, "https://warden.example.com/sso/saml/acs?providerId=idp1")

	_, err = h.Metadata(oauthProvider("org1", "x"))
	assert.Equal(t, autherr.KindUnsupportedProvider, autherr.KindOf(err))
}
