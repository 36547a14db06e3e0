package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeSSOLoginInitiated EventType = "auth.sso_login_initiated"
	EventTypeSSOLogin          EventType = "auth.sso_login"
	EventTypeSSOLoginFailed    EventType = "auth.sso_login_failed"
	EventTypeTokenRefresh      EventType = "auth.token_refresh"
	EventTypeTokenRefreshFail  EventType = "auth.token_refresh_failed"

	// Configuration events
	EventTypeProviderCreate EventType = "config.sso_provider_create"
	EventTypeProviderUpdate EventType = "config.sso_provider_update"
	EventTypeProviderDelete EventType = "config.sso_provider_delete"

	// Authorization events
	EventTypeRoleCreate   EventType = "authz.role_create"
	EventTypeRoleUpdate   EventType = "authz.role_update"
	EventTypeRoleDelete   EventType = "authz.role_delete"
	EventTypeRoleAssign   EventType = "authz.role_assign"
	EventTypeRoleRevoke   EventType = "authz.role_revoke"
	EventTypeAccessDenied EventType = "authz.access_denied"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorID string `json:"actor_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	OrgID   string `json:"org_id,omitempty"`

	// Subject of the event
	ProviderID string `json:"provider_id,omitempty"`
	RoleID     string `json:"role_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
