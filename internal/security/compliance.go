package security

import (
	"context"
	"time"

	"isa-warehouse/internal/domain"
)

// ComplianceAuditLogger completes audit entries before they reach the
// inner logger. Entries without an actor are attributed to "system" and
// entries without an action take it from their type.
type ComplianceAuditLogger struct {
	inner domain.AuditLogger
	now   func() time.Time
}

// NewComplianceAuditLogger wraps inner.
func NewComplianceAuditLogger(inner domain.AuditLogger) *ComplianceAuditLogger {
	return &ComplianceAuditLogger{inner: inner, now: time.Now}
}

// Log fills missing fields and delegates.
func (c *ComplianceAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now().UTC()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	if event.Action == "" {
		event.Action = string(event.Type)
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}
	if rid := domain.RequestIDFromContext(ctx); rid != "" {
		if event.Detail == nil {
			event.Detail = make(map[string]string, 1)
		}
		if _, ok := event.Detail["request_id"]; !ok {
			event.Detail["request_id"] = rid
		}
	}
	return c.inner.Log(ctx, event)
}

// Close closes the inner logger.
func (c *ComplianceAuditLogger) Close() error {
	return c.inner.Close()
}
