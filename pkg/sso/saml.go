package sso

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
)

// assertionRetriever validates an encoded SAMLResponse.
type assertionRetriever func(sp *saml2.SAMLServiceProvider, encodedResponse string) (*saml2.AssertionInfo, error)

// SAMLHandler implements SAML 2.0 SSO
type SAMLHandler struct {
	flow
	retrieve assertionRetriever
}

// NewSAMLHandler creates a SAML handler
func NewSAMLHandler(opts Options) *SAMLHandler {
	return &SAMLHandler{
		flow:     newFlow(opts),
		retrieve: (*saml2.SAMLServiceProvider).RetrieveAssertionInfo,
	}
}

// Type returns the provider type
func (h *SAMLHandler) Type() ProviderType {
	return ProviderTypeSAML
}

// Validate validates the SAML configuration
func (h *SAMLHandler) Validate(cfg *ProviderConfig) error {
	c := cfg.SAML
	if c == nil {
		return invalidConfig("saml configuration is required")
	}
	if err := requireAbsoluteURL("idp_sso_url", c.IdPSSOURL); err != nil {
		return err
	}
	if c.IdPEntityID == "" {
		return invalidConfig("idp_entity_id is required")
	}
	if c.SPEntityID == "" {
		return invalidConfig("sp_entity_id is required")
	}
	if err := requireAbsoluteURL("acs_url", c.ACSURL); err != nil {
		return err
	}
	if _, err := parseCertificate(c.IdPCertificate); err != nil {
		return invalidConfig("idp_certificate: %v", err)
	}
	if c.SignRequests && (c.SPPrivateKey == "" || c.SPCertificate == "") {
		return invalidConfig("sign_requests needs sp_certificate and sp_private_key")
	}
	if c.SPPrivateKey != "" {
		if _, err := parseKeyStore(c); err != nil {
			return invalidConfig("sp key pair: %v", err)
		}
	}
	return nil
}

// Initiate builds a redirect-binding AuthnRequest with RelayState set to a
// fresh handshake state. The request ID is kept as the handshake nonce. The
// IdP posts the response cross-site without the session cookie, so SAML
// handshakes are not bound to a browser session; RelayState and the request
// ID bind the response instead.
func (h *SAMLHandler) Initiate(ctx context.Context, cfg *ProviderConfig, sess SessionContext) (*RedirectInstruction, error) {
	sp, err := h.serviceProvider(cfg)
	if err != nil {
		return nil, err
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to build auth request: %w", err)
	}

	handshake, err := h.begin(ctx, cfg, SessionContext{ReturnURL: sess.ReturnURL}, requestID(doc), "")
	if err != nil {
		return nil, err
	}

	authURL, err := sp.BuildAuthURLFromDocument(handshake.State, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth URL: %w", err)
	}
	return h.redirect(cfg, handshake, authURL), nil
}

// Complete validates the POSTed SAMLResponse for the RelayState in cb.State.
func (h *SAMLHandler) Complete(ctx context.Context, cfg *ProviderConfig, cb *CallbackData) (*identity.External, error) {
	if cb.SAMLResponse == "" {
		return nil, autherr.Validation(nil, "missing SAMLResponse parameter")
	}
	handshake, err := h.consume(ctx, cfg, cb)
	if err != nil {
		return nil, err
	}

	sp, err := h.serviceProvider(cfg)
	if err != nil {
		return nil, err
	}

	assertionInfo, err := h.retrieve(sp, cb.SAMLResponse)
	if err != nil {
		return nil, autherr.Validation(err, "saml assertion rejected")
	}
	if assertionInfo.WarningInfo != nil {
		if assertionInfo.WarningInfo.InvalidTime {
			return nil, autherr.Validation(nil, "assertion is outside its validity window")
		}
		if assertionInfo.WarningInfo.NotInAudience {
			return nil, autherr.Validation(nil, "assertion not in expected audience")
		}
	}
	if !answersRequest(assertionInfo, handshake.Nonce) {
		h.metrics.RecordReplay()
		return nil, autherr.Validation(nil, "assertion does not answer this login request")
	}

	attributes := make(map[string]string, len(assertionInfo.Values))
	for _, attr := range assertionInfo.Values {
		if len(attr.Values) == 0 {
			continue
		}
		attributes[attr.Name] = attr.Values[0].Value
		if attr.FriendlyName != "" {
			attributes[attr.FriendlyName] = attr.Values[0].Value
		}
	}

	mapping := cfg.SAML.AttributeMapping.withDefaults("email", "name", "")
	ext := &identity.External{
		Email:      attributes[mapping.Email],
		Name:       attributes[mapping.Name],
		Subject:    assertionInfo.NameID,
		ProviderID: cfg.ID,
		Attributes: attributes,
	}
	if mapping.Subject != "" && attributes[mapping.Subject] != "" {
		ext.Subject = attributes[mapping.Subject]
	}
	// NameID is commonly the email address
	if ext.Email == "" {
		ext.Email = assertionInfo.NameID
	}
	if ext.Email == "" {
		return nil, autherr.Validation(nil, "assertion carries no email")
	}
	return ext, nil
}

// Metadata returns the service provider metadata document
func (h *SAMLHandler) Metadata(cfg *ProviderConfig) ([]byte, error) {
	if cfg.Type != ProviderTypeSAML {
		return nil, autherr.Unsupported("provider %s is not a SAML provider", cfg.ID)
	}
	sp, err := h.serviceProvider(cfg)
	if err != nil {
		return nil, err
	}

	descriptor, err := sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}
	body, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func (h *SAMLHandler) serviceProvider(cfg *ProviderConfig) (*saml2.SAMLServiceProvider, error) {
	c := cfg.SAML
	if c == nil {
		return nil, invalidConfig("saml configuration is required")
	}

	cert, err := parseCertificate(c.IdPCertificate)
	if err != nil {
		return nil, invalidConfig("idp_certificate: %v", err)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      c.IdPSSOURL,
		IdentityProviderIssuer:      c.IdPEntityID,
		ServiceProviderIssuer:       c.SPEntityID,
		AssertionConsumerServiceURL: c.ACSURL,
		SignAuthnRequests:           c.SignRequests,
		AudienceURI:                 c.SPEntityID,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
	}
	if c.NameIDFormat != "" {
		sp.NameIdFormat = c.NameIDFormat
	}
	if c.SPPrivateKey != "" {
		keyStore, err := parseKeyStore(c)
		if err != nil {
			return nil, invalidConfig("sp key pair: %v", err)
		}
		sp.SPKeyStore = keyStore
	}
	return sp, nil
}

// answersRequest reports whether every assertion was issued in response to
// the AuthnRequest with id requestID.
func answersRequest(info *saml2.AssertionInfo, requestID string) bool {
	if requestID == "" || len(info.Assertions) == 0 {
		return false
	}
	for _, a := range info.Assertions {
		if a.Subject == nil || a.Subject.SubjectConfirmation == nil {
			return false
		}
		data := a.Subject.SubjectConfirmation.SubjectConfirmationData
		if data == nil || data.InResponseTo != requestID {
			return false
		}
	}
	return true
}

func requestID(doc *etree.Document) string {
	if root := doc.Root(); root != nil {
		return root.SelectAttrValue("ID", "")
	}
	return ""
}

func parseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseKeyStore(c *SAMLConfig) (*dsig.TLSCertKeyStore, error) {
	cert, err := parseCertificate(c.SPCertificate)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode([]byte(c.SPPrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{cert.Raw},
	}, nil
}
