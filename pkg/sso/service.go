package sso

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Service runs logins and provider administration on top of a Registry.
type Service struct {
	registry   Registry
	dispatcher *Dispatcher
	discovery  *DiscoveryCache
	audit      audit.Logger
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewService creates an SSO service. discovery may be nil.
func NewService(registry Registry, dispatcher *Dispatcher, discovery *DiscoveryCache, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		registry:   registry,
		dispatcher: dispatcher,
		discovery:  discovery,
		audit:      auditLogger,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// provider loads an enabled provider of the expected protocol and its handler.
func (s *Service) provider(ctx context.Context, protocol ProviderType, providerID string) (*ProviderConfig, Handler, error) {
	if providerID == "" {
		return nil, nil, autherr.ConfigNotFound("provider id is required")
	}
	cfg, err := s.registry.Get(ctx, providerID)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled {
		return nil, nil, autherr.ConfigNotFound("sso provider %s is disabled", providerID)
	}
	if cfg.Type != protocol {
		return nil, nil, autherr.Unsupported("sso provider %s is %s, not %s", providerID, cfg.Type, protocol)
	}
	handler, err := s.dispatcher.HandlerFor(cfg.Type)
	if err != nil {
		return nil, nil, err
	}
	return cfg, handler, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := autherr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// Login starts a handshake with the provider.
func (s *Service) Login(ctx context.Context, protocol ProviderType, providerID string, sess SessionContext) (redirect *RedirectInstruction, err error) {
	ctx, span := observability.StartSpan(ctx, "sso.login",
		attribute.String("sso.protocol", string(protocol)),
		attribute.String("sso.provider_id", providerID),
	)
	defer func() {
		s.metrics.RecordLogin(string(protocol), "initiate", outcome(err))
		observability.EndSpan(span, err)
	}()

	cfg, handler, err := s.provider(ctx, protocol, providerID)
	if err != nil {
		return nil, err
	}
	redirect, err = handler.Initiate(ctx, cfg, sess)
	if err != nil {
		observability.FromContext(ctx).WithError(err).WithField("provider_id", providerID).Warn("sso login initiation failed")
		return nil, err
	}

	s.audit.Log(ctx, &audit.AuditEvent{
		EventType:  audit.EventTypeSSOLoginInitiated,
		Status:     audit.EventStatusSuccess,
		OrgID:      cfg.OrgID,
		ProviderID: cfg.ID,
	})
	return redirect, nil
}

// Callback completes the handshake and returns the verified identity. The
// caller resolves it to a local user.
func (s *Service) Callback(ctx context.Context, protocol ProviderType, cb *CallbackData) (ext *identity.External, err error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "sso.callback",
		attribute.String("sso.protocol", string(protocol)),
		attribute.String("sso.provider_id", cb.ProviderID),
	)
	var orgID string
	defer func() {
		s.metrics.RecordLogin(string(protocol), "complete", outcome(err))
		s.metrics.ObserveHandshake(string(protocol), s.now().Sub(start))
		observability.EndSpan(span, err)
		if err != nil {
			observability.FromContext(ctx).WithError(err).WithField("provider_id", cb.ProviderID).Warn("sso callback rejected")
			s.audit.Log(ctx, &audit.AuditEvent{
				EventType:    audit.EventTypeSSOLoginFailed,
				Status:       audit.EventStatusFailure,
				OrgID:        orgID,
				ProviderID:   cb.ProviderID,
				ErrorMessage: err.Error(),
			})
		}
	}()

	cfg, handler, err := s.provider(ctx, protocol, cb.ProviderID)
	if err != nil {
		return nil, err
	}
	orgID = cfg.OrgID
	return handler.Complete(ctx, cfg, cb)
}

// Metadata returns SP metadata for a SAML provider.
func (s *Service) Metadata(ctx context.Context, providerID string) ([]byte, error) {
	cfg, _, err := s.provider(ctx, ProviderTypeSAML, providerID)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.SAML().Metadata(cfg)
}

// ListProviders returns redacted configurations.
func (s *Service) ListProviders(ctx context.Context, orgID string) ([]*ProviderConfig, error) {
	providers, err := s.registry.List(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]*ProviderConfig, 0, len(providers))
	for _, cfg := range providers {
		out = append(out, cfg.Redacted())
	}
	return out, nil
}

// AddProvider stores a new configuration and returns it redacted.
func (s *Service) AddProvider(ctx context.Context, cfg *ProviderConfig) (*ProviderConfig, error) {
	stored, err := s.registry.Add(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.audit.Log(ctx, &audit.AuditEvent{
		EventType:  audit.EventTypeProviderCreate,
		Status:     audit.EventStatusSuccess,
		OrgID:      stored.OrgID,
		ProviderID: stored.ID,
		Metadata:   map[string]interface{}{"type": string(stored.Type)},
	})
	return stored.Redacted(), nil
}

// UpdateProvider applies patch and returns the result redacted.
func (s *Service) UpdateProvider(ctx context.Context, id string, patch ProviderPatch) (*ProviderConfig, error) {
	before, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.registry.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if s.discovery != nil && before.OIDC != nil {
		s.discovery.Invalidate(before.OIDC.IssuerURL)
	}
	s.audit.Log(ctx, &audit.AuditEvent{
		EventType:  audit.EventTypeProviderUpdate,
		Status:     audit.EventStatusSuccess,
		OrgID:      updated.OrgID,
		ProviderID: updated.ID,
	})
	return updated.Redacted(), nil
}

// RemoveProvider deletes a configuration and reports whether it existed.
func (s *Service) RemoveProvider(ctx context.Context, id string) (bool, error) {
	removed, err := s.registry.Remove(ctx, id)
	if err != nil || !removed {
		return removed, err
	}
	s.audit.Log(ctx, &audit.AuditEvent{
		EventType:  audit.EventTypeProviderDelete,
		Status:     audit.EventStatusSuccess,
		ProviderID: id,
	})
	return true, nil
}
