package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"isa-warehouse/internal/domain"
)

var auditTypeOf = map[domain.EventType]domain.AuditEventType{
	domain.EventRecordCreated: domain.AuditRecordCreate,
	domain.EventRecordUpdated: domain.AuditRecordUpdate,
	domain.EventRecordDeleted: domain.AuditRecordDelete,
	domain.EventAccessDenied:  domain.AuditRBACDenied,
}

// AuditRecorder writes domain events from the bus to an audit log.
type AuditRecorder struct {
	audit  domain.AuditLogger
	logger *slog.Logger
	unsub  []func()
}

// NewAuditRecorder subscribes to record and access events on bus.
// Call Stop to unsubscribe.
func NewAuditRecorder(bus domain.EventBus, audit domain.AuditLogger, logger *slog.Logger) *AuditRecorder {
	r := &AuditRecorder{audit: audit, logger: logger}
	for typ := range auditTypeOf {
		r.unsub = append(r.unsub, bus.Subscribe(typ, r.handle))
	}
	return r
}

func (r *AuditRecorder) handle(ctx context.Context, event domain.Event) {
	entry := domain.AuditEvent{
		Timestamp: event.Timestamp,
		Type:      auditTypeOf[event.Type],
		Actor:     event.Actor,
		Resource:  event.Model,
		Outcome:   "success",
		Detail:    map[string]string{},
	}
	if event.RecordID != "" {
		entry.Detail["record_id"] = event.RecordID
	}
	if event.RequestID != "" {
		entry.Detail["request_id"] = event.RequestID
	}

	switch event.Type {
	case domain.EventAccessDenied:
		entry.Outcome = "denied"
		var p struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(event.Payload, &p) == nil {
			entry.Action = p.Action
		}
	case domain.EventRecordCreated:
		entry.Action = string(domain.ActionCreate)
	case domain.EventRecordUpdated:
		entry.Action = string(domain.ActionUpdate)
	case domain.EventRecordDeleted:
		entry.Action = string(domain.ActionDelete)
	}

	if err := r.audit.Log(ctx, entry); err != nil {
		r.logger.Error("audit write failed", "event", string(event.Type), "error", err)
	}
}

// Stop unsubscribes from the bus.
func (r *AuditRecorder) Stop() {
	for _, u := range r.unsub {
		u()
	}
	r.unsub = nil
}

// RetentionScheduler runs EnforceRetention on a cron schedule.
type RetentionScheduler struct {
	cron *cron.Cron
}

// NewRetentionScheduler schedules retention for audit using a standard cron
// expression or descriptor such as "@daily".
func NewRetentionScheduler(audit *FileAuditLogger, schedule string, logger *slog.Logger) (*RetentionScheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed, err := audit.EnforceRetention(context.Background())
		if err != nil {
			logger.Error("audit retention failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("audit retention applied", "removed", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule audit retention %q: %w", schedule, err)
	}
	return &RetentionScheduler{cron: c}, nil
}

// Start begins running scheduled jobs in the background.
func (s *RetentionScheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for a running job to finish.
func (s *RetentionScheduler) Stop() {
	<-s.cron.Stop().Done()
}
