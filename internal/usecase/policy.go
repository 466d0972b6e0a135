package usecase

import (
	"isa-warehouse/internal/domain"
)

// ValidatePolicy checks a rule table once at load time. knownResources lists
// every resource name a grant may reference. All problems are reported in a
// single *domain.ConfigurationError.
func ValidatePolicy(rules []domain.Rule, knownResources []string) error {
	known := make(map[string]bool, len(knownResources))
	for _, r := range knownResources {
		known[r] = true
	}

	ce := &domain.ConfigurationError{Source: "policy"}
	for i, rule := range rules {
		if rule.Role == "" {
			ce.Addf("policy[%d]: role must not be empty", i)
		}
		if len(rule.Grants) == 0 {
			ce.Addf("policy[%d] (%s): allowed_resources must not be empty", i, rule.Role)
		}
		for j, g := range rule.Grants {
			if len(g.Resources) == 0 {
				ce.Addf("policy[%d] (%s).allowed_resources[%d]: resources must not be empty", i, rule.Role, j)
			}
			if len(g.Actions) == 0 {
				ce.Addf("policy[%d] (%s).allowed_resources[%d]: actions must not be empty", i, rule.Role, j)
			}
			for _, res := range g.Resources {
				if !known[res] {
					ce.Addf("policy[%d] (%s).allowed_resources[%d]: unknown resource %q", i, rule.Role, j, res)
				}
			}
			for _, a := range g.Actions {
				if !domain.IsValidAction(string(a)) {
					ce.Addf("policy[%d] (%s).allowed_resources[%d]: unknown action %q (want: create, read, update, delete, search, *)",
						i, rule.Role, j, a)
				}
			}
		}
	}
	return ce.OrNil()
}

// KnownResources returns the resource names a policy may reference: the
// configured model names plus the built-in ACL resources.
func KnownResources(schemas []domain.ModelSchema) []string {
	out := make([]string, 0, len(schemas)+len(domain.ACLResources))
	out = append(out, domain.ACLResources...)
	for _, s := range schemas {
		out = append(out, s.Name)
	}
	return out
}
