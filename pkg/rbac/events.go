package rbac

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InvalidationReason names the mutation behind an InvalidationEvent.
type InvalidationReason string

const (
	ReasonRoleCreated       InvalidationReason = "role.created"
	ReasonRoleUpdated       InvalidationReason = "role.updated"
	ReasonRoleDeleted       InvalidationReason = "role.deleted"
	ReasonRoleAssigned      InvalidationReason = "role.assigned"
	ReasonRoleRevoked       InvalidationReason = "role.revoked"
	ReasonBaseRolesReloaded InvalidationReason = "base_roles.reloaded"
)

// InvalidationEvent announces that cached permission sets may be stale.
type InvalidationEvent struct {
	Reason InvalidationReason `json:"reason"`
	// RoleID is the mutated role. Holders of it and of every role inheriting
	// it are affected.
	RoleID string `json:"role_id,omitempty"`
	// UserIDs are affected users known to the publisher, such as the holders
	// of a role that no longer exists.
	UserIDs []string `json:"user_ids,omitempty"`
	// All invalidates every cached entry.
	All       bool      `json:"all,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler consumes invalidation events.
type EventHandler func(ctx context.Context, event InvalidationEvent) error

// EventBus delivers events to subscribers synchronously, in subscription
// order, so a mutation returns only after its invalidation ran.
type EventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// NewEventBus creates a bus without subscribers.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers h for every subsequent event.
func (b *EventBus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish runs every handler and joins their errors.
func (b *EventBus) Publish(ctx context.Context, event InvalidationEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
