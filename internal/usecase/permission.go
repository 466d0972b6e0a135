package usecase

import (
	"context"
	"sort"

	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/tracer"
)

// Resolver implements domain.PermissionResolver over an immutable rule table.
// It holds no mutable state after construction and is safe for concurrent use.
type Resolver struct {
	byRole map[string][]domain.ResourceGrant
}

// NewResolver validates rules against knownResources and indexes them by role.
// A rule table that fails validation yields a *domain.ConfigurationError.
func NewResolver(rules []domain.Rule, knownResources []string) (*Resolver, error) {
	if err := ValidatePolicy(rules, knownResources); err != nil {
		return nil, err
	}

	byRole := make(map[string][]domain.ResourceGrant)
	for _, rule := range rules {
		for _, g := range rule.Grants {
			// Copy so later changes to the caller's slices cannot reach the index.
			byRole[rule.Role] = append(byRole[rule.Role], domain.ResourceGrant{
				Resources: append([]string(nil), g.Resources...),
				Actions:   append([]domain.Action(nil), g.Actions...),
			})
		}
	}
	return &Resolver{byRole: byRole}, nil
}

// Resolve returns the union of actions granted to roles on each requested resource.
// Unknown roles never match; unrequested resources are not reported. Every
// requested resource is present in the result, possibly with an empty set.
func (r *Resolver) Resolve(ctx context.Context, user string, roles []string, resources []string) domain.PermissionResult {
	_, span := tracer.StartResolveSpan(ctx, user, roles, resources)
	defer span.End()

	result := make(domain.PermissionResult, len(resources))
	for _, res := range resources {
		result[res] = domain.ActionSet{}
	}

	for _, role := range roles {
		for _, g := range r.byRole[role] {
			for _, res := range g.Resources {
				set, requested := result[res]
				if !requested {
					continue
				}
				set.Add(g.Actions...)
			}
		}
	}
	tracer.AddGrants(span, result)
	return result
}

// Roles returns the role names defined by the rule table, sorted.
func (r *Resolver) Roles() []string {
	out := make([]string, 0, len(r.byRole))
	for role := range r.byRole {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
