package sso

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultProviderTimeout bounds every call to an identity provider.
const DefaultProviderTimeout = 10 * time.Second

// Handler implements one SSO protocol.
type Handler interface {
	Type() ProviderType
	// Validate checks the protocol section of cfg.
	Validate(cfg *ProviderConfig) error
	// Initiate persists a pending handshake and returns the IdP redirect.
	Initiate(ctx context.Context, cfg *ProviderConfig, sess SessionContext) (*RedirectInstruction, error)
	// Complete consumes the handshake and returns the verified identity.
	Complete(ctx context.Context, cfg *ProviderConfig, cb *CallbackData) (*identity.External, error)
}

// Options configures the protocol handlers.
type Options struct {
	Handshakes   HandshakeStore
	HandshakeTTL time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// flow holds what every protocol needs to run a handshake.
type flow struct {
	handshakes HandshakeStore
	ttl        time.Duration
	timeout    time.Duration
	client     *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func newFlow(opts Options) flow {
	f := flow{
		handshakes: opts.Handshakes,
		ttl:        opts.HandshakeTTL,
		timeout:    opts.Timeout,
		client:     opts.HTTPClient,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
	if f.handshakes == nil {
		f.handshakes = NewMemoryHandshakeStore()
	}
	if f.ttl <= 0 {
		f.ttl = DefaultHandshakeTTL
	}
	if f.timeout <= 0 {
		f.timeout = DefaultProviderTimeout
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.logger == nil {
		f.logger = observability.NewNopLogger()
	}
	return f
}

// begin creates and stores a handshake for cfg.
func (f *flow) begin(ctx context.Context, cfg *ProviderConfig, sess SessionContext, nonce, verifier string) (*PendingHandshake, error) {
	state, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := f.now()
	handshake := &PendingHandshake{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		ProviderID:   cfg.ID,
		Protocol:     cfg.Type,
		SessionID:    sess.SessionID,
		ReturnURL:    sess.ReturnURL,
		IssuedAt:     now,
		ExpiresAt:    now.Add(f.ttl),
	}
	if err := f.handshakes.Save(ctx, handshake); err != nil {
		return nil, err
	}
	return handshake, nil
}

// consume takes the handshake for cb.State and checks it belongs to this
// provider and browser session. Runs before any provider call.
func (f *flow) consume(ctx context.Context, cfg *ProviderConfig, cb *CallbackData) (*PendingHandshake, error) {
	if cb.State == "" {
		return nil, autherr.Validation(nil, "callback is missing the state parameter")
	}

	handshake, err := f.handshakes.Consume(ctx, cb.State, f.now())
	switch {
	case errors.Is(err, ErrHandshakeNotFound):
		f.metrics.RecordReplay()
		return nil, autherr.Validation(err, "unknown or already used state")
	case errors.Is(err, ErrHandshakeExpired):
		return nil, autherr.Validation(err, "login attempt expired")
	case err != nil:
		return nil, err
	}

	if handshake.ProviderID != cfg.ID || handshake.Protocol != cfg.Type {
		return nil, autherr.Validation(nil, "state was issued for a different provider")
	}
	// A bound handshake only completes for the same browser session.
	if handshake.SessionID != "" && cb.SessionID != handshake.SessionID {
		return nil, autherr.Validation(nil, "state was issued to a different session")
	}
	return handshake, nil
}

func (f *flow) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.timeout)
}

func (f *flow) redirect(cfg *ProviderConfig, handshake *PendingHandshake, target string) *RedirectInstruction {
	return &RedirectInstruction{
		URL:        target,
		State:      handshake.State,
		ProviderID: cfg.ID,
		Protocol:   cfg.Type,
		ExpiresAt:  handshake.ExpiresAt,
	}
}

// isTransportError reports failures reaching the provider at all.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyExchangeError maps a token endpoint failure. A 4xx answer means the
// provider rejected the grant; anything else means it could not be reached.
func classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
		return autherr.Validation(err, "provider rejected the authorization code")
	}
	return autherr.Network(err, "token exchange failed")
}

// Dispatcher selects the handler for a provider type.
type Dispatcher struct {
	saml  *SAMLHandler
	oauth *OAuth2Handler
	oidc  *OIDCHandler
}

// NewDispatcher builds all three protocol handlers from opts.
func NewDispatcher(opts Options, discovery *DiscoveryCache) *Dispatcher {
	return &Dispatcher{
		saml:  NewSAMLHandler(opts),
		oauth: NewOAuth2Handler(opts),
		oidc:  NewOIDCHandler(opts, discovery),
	}
}

// HandlerFor returns the handler for t.
func (d *Dispatcher) HandlerFor(t ProviderType) (Handler, error) {
	switch t {
	case ProviderTypeSAML:
		return d.saml, nil
	case ProviderTypeOAuth2:
		return d.oauth, nil
	case ProviderTypeOIDC:
		return d.oidc, nil
	default:
		return nil, autherr.Unsupported("unsupported provider type %q", t)
	}
}

// Validate checks cfg with the handler for its type.
func (d *Dispatcher) Validate(cfg *ProviderConfig) error {
	handler, err := d.HandlerFor(cfg.Type)
	if err != nil {
		return err
	}
	return handler.Validate(cfg)
}

// SAML returns the SAML handler, which also serves SP metadata.
func (d *Dispatcher) SAML() *SAMLHandler {
	return d.saml
}
