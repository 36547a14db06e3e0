package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
)

// maxResolveAttempts bounds the find/insert loop under contention.
const maxResolveAttempts = 3

// External is a verified identity returned by a protocol handler.
type External struct {
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	ProviderID string            `json:"provider_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Resolver maps external identities to local users.
type Resolver struct {
	store       Store
	defaultRole string
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewResolver creates a resolver assigning defaultRole to new users.
func NewResolver(store Store, defaultRole string, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Resolver{
		store:       store,
		defaultRole: defaultRole,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// NormalizeEmail trims, lower-cases and validates an address.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", autherr.UserResolution(nil, "identity has no email address")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", autherr.UserResolution(err, "identity email is not a valid address")
	}
	return email, nil
}

// ResolveUser returns the user owning ext.Email, creating it on first login.
func (r *Resolver) ResolveUser(ctx context.Context, ext External) (*auth.User, error) {
	email, err := NormalizeEmail(ext.Email)
	if err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"provider_id": ext.ProviderID,
	})

	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		user, err := r.store.FindByEmail(ctx, email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, auth.ErrUserNotFound) {
			return nil, autherr.UserResolution(err, "user lookup failed")
		}

		now := r.now().UTC()
		candidate := &auth.User{
			ID:        uuid.NewString(),
			Email:     email,
			Name:      strings.TrimSpace(ext.Name),
			BaseRole:  r.defaultRole,
			CreatedAt: now,
			UpdatedAt: now,
		}

		created, err := r.store.CreateIfAbsent(ctx, candidate)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				continue
			}
			return nil, autherr.UserResolution(err, "user creation failed")
		}
		if created {
			r.metrics.RecordUserProvisioned()
			logger.WithField("user_id", candidate.ID).Info("provisioned user on first login")
			return candidate, nil
		}
		logger.WithField("attempt", attempt).Debug("concurrent user creation, re-reading")
	}

	return nil, autherr.UserResolution(nil, "could not resolve user after %d attempts", maxResolveAttempts)
}
