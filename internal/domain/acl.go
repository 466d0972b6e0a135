package domain

import (
	"context"
	"sort"
)

// Action is one operation a role may be granted on a resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSearch Action = "search"

	// ActionAll is the wildcard token accepted in rule tables.
	ActionAll Action = "*"
)

// AllActions is the fixed action vocabulary the wildcard expands to.
var AllActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionSearch}

// IsValidAction reports whether s is a concrete action or the wildcard.
func IsValidAction(s string) bool {
	if Action(s) == ActionAll {
		return true
	}
	for _, a := range AllActions {
		if string(a) == s {
			return true
		}
	}
	return false
}

// Built-in ACL resources that exist regardless of the configured models.
const (
	ResourceRole       = "role"
	ResourceUser       = "user"
	ResourceRoleToUser = "role_to_user"
)

// ACLResources lists the access-control resources managed by administrators.
var ACLResources = []string{ResourceRole, ResourceUser, ResourceRoleToUser}

// ResourceGrant grants a set of actions on a set of resources.
type ResourceGrant struct {
	Resources []string
	Actions   []Action
}

// Rule binds one role to an ordered list of grants.
type Rule struct {
	Role   string
	Grants []ResourceGrant
}

// ActionSet is an unordered set of actions.
type ActionSet map[Action]struct{}

// NewActionSet builds a set from the given actions, expanding the wildcard.
func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	s.Add(actions...)
	return s
}

// Add inserts actions into the set. ActionAll inserts the full vocabulary.
func (s ActionSet) Add(actions ...Action) {
	for _, a := range actions {
		if a == ActionAll {
			for _, v := range AllActions {
				s[v] = struct{}{}
			}
			continue
		}
		s[a] = struct{}{}
	}
}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Sorted returns the actions in vocabulary order, for stable output.
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	rank := make(map[Action]int, len(AllActions))
	for i, a := range AllActions {
		rank[a] = i
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// PermissionResult maps each requested resource to its allowed actions.
// Every requested resource is present, possibly with an empty set.
type PermissionResult map[string]ActionSet

// Allows reports whether action is granted on resource.
func (r PermissionResult) Allows(resource string, action Action) bool {
	return r[resource].Has(action)
}

// PermissionResolver computes effective permissions for a role set.
type PermissionResolver interface {
	Resolve(ctx context.Context, user string, roles []string, resources []string) PermissionResult
}

// Authorizer checks whether the caller may perform action on resource.
type Authorizer interface {
	Authorize(ctx context.Context, principal Principal, resource string, action Action) error
}

// Principal is the authenticated caller of a request.
type Principal struct {
	User  string
	Roles []string
}
