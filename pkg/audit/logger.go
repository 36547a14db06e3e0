package audit

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event *AuditEvent) error
}

// NopLogger discards every event.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }

// StructuredLogger writes events through the application logger.
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates an audit logger on top of logger.
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &StructuredLogger{logger: logger.WithField("audit", true)}
}

// Log fills request context fields and emits the event.
func (l *StructuredLogger) Log(ctx context.Context, event *AuditEvent) error {
	fill(ctx, event)

	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"timestamp":  event.Timestamp.Format(time.RFC3339Nano),
	}
	for key, value := range map[string]string{
		"actor_id":    event.ActorID,
		"user_id":     event.UserID,
		"org_id":      event.OrgID,
		"provider_id": event.ProviderID,
		"role_id":     event.RoleID,
		"request_id":  event.RequestID,
		"ip_address":  event.IPAddress,
		"error":       event.ErrorMessage,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	for key, value := range event.Metadata {
		fields["meta_"+key] = value
	}

	entry := l.logger.WithFields(fields)
	if event.Status == EventStatusSuccess {
		entry.Info(event.Message)
	} else {
		entry.Warn(event.Message)
	}
	return nil
}

// MultiLogger logs to multiple audit loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger writing to every destination in order.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log logs to all loggers and returns the first error.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemoryLogger keeps events in memory.
type MemoryLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryLogger creates an empty in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log implements Logger.
func (m *MemoryLogger) Log(ctx context.Context, event *AuditEvent) error {
	fill(ctx, event)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryLogger) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns recorded events of the given type.
func (m *MemoryLogger) OfType(eventType EventType) []AuditEvent {
	var out []AuditEvent
	for _, event := range m.Events() {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

func fill(ctx context.Context, event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}
	if event.ActorID == "" {
		event.ActorID = observability.GetUserID(ctx)
	}
}
