// Package audit records security-relevant events: federated logins, token
// refreshes, provider configuration changes and role mutations.
//
// # Overview
//
// Events are written through the structured logger with an "audit" field so
// they can be routed separately by the log pipeline. A MultiLogger fans an
// event out to several sinks and a MemoryLogger keeps events for assertions.
//
// # Usage Example
//
//	trail := audit.NewStructuredLogger(logger)
//	trail.Log(ctx, &audit.AuditEvent{
//		EventType:  audit.EventTypeSSOLogin,
//		Status:     audit.EventStatusSuccess,
//		ProviderID: cfg.ID,
//		UserID:     user.ID,
//	})
//
// # Related Packages
//
//   - pkg/sso: login and provider events
//   - pkg/rbac: role and assignment events
package audit
