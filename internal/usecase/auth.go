package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/tracer"
)

// RBACAuthorizer implements domain.Authorizer on top of a PermissionResolver.
type RBACAuthorizer struct {
	resolver domain.PermissionResolver
	bus      domain.EventBus // optional
	logger   *slog.Logger
}

// NewRBACAuthorizer creates an authorizer. bus may be nil.
func NewRBACAuthorizer(resolver domain.PermissionResolver, bus domain.EventBus, logger *slog.Logger) *RBACAuthorizer {
	return &RBACAuthorizer{resolver: resolver, bus: bus, logger: logger}
}

// Authorize checks if any of the principal's roles grants action on resource.
// Returns domain.ErrForbidden (wrapped) if none does.
func (a *RBACAuthorizer) Authorize(ctx context.Context, p domain.Principal, resource string, action domain.Action) error {
	perms := a.resolver.Resolve(ctx, p.User, p.Roles, []string{resource})
	if perms.Allows(resource, action) {
		return nil
	}

	a.logger.Warn("access denied",
		"user", p.User,
		"roles", p.Roles,
		"resource", resource,
		"action", string(action),
		"request_id", domain.RequestIDFromContext(ctx),
	)
	tracer.MarkDenied(ctx, resource, action)
	if a.bus != nil {
		payload, _ := json.Marshal(map[string]string{"action": string(action)})
		a.bus.Publish(ctx, domain.Event{
			Type:      domain.EventAccessDenied,
			Timestamp: time.Now().UTC(),
			Actor:     p.User,
			Model:     resource,
			RequestID: domain.RequestIDFromContext(ctx),
			Payload:   payload,
		})
	}
	return domain.NewDomainError("Authorizer.Authorize", domain.ErrForbidden,
		fmt.Sprintf("%s on %s", action, resource))
}
