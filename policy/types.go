// Package policy contains the local policy evaluation engine and its domain types.
package policy

import "time"

// Decision represents the outcome of a policy rule or a whole evaluation.
type Decision string

const (
	// DecisionAllow permits the action to proceed.
	DecisionAllow Decision = "allow"
	// DecisionDeny blocks the action.
	DecisionDeny Decision = "deny"
	// DecisionWarn permits the action but records a warning.
	DecisionWarn Decision = "warn"
	// DecisionRequireApproval requires human approval before the action proceeds.
	DecisionRequireApproval Decision = "require_approval"
)

// EnforcementLevel controls whether a deny match actually blocks an action
// or merely warns.
type EnforcementLevel string

const (
	// EnforcementAdvisory records a match without affecting the decision.
	EnforcementAdvisory EnforcementLevel = "advisory"
	// EnforcementSoft downgrades a deny match to a warning.
	EnforcementSoft EnforcementLevel = "soft"
	// EnforcementHard makes a deny match block the action.
	EnforcementHard EnforcementLevel = "hard"
	// EnforcementCritical makes a deny match block the action.
	EnforcementCritical EnforcementLevel = "critical"
)

// Blocking reports whether a deny match at this level forces a deny decision.
func (l EnforcementLevel) Blocking() bool {
	return l == EnforcementHard || l == EnforcementCritical
}

// Rule is a single governance policy rule.
// Rules are immutable once loaded; the engine replaces the whole rule set
// atomically and never mutates rules in place.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id"`
	// Name is a human-readable name for this rule.
	Name string `json:"name"`
	// Expression is a CEL predicate evaluated against the context.
	Expression string `json:"policy_expression"`
	// Decision is the outcome when the expression matches.
	Decision Decision `json:"decision"`
	// Priority determines evaluation order (higher = evaluated first).
	Priority int `json:"priority"`
	// Enforcement is the severity tier for deny matches.
	Enforcement EnforcementLevel `json:"enforcement_level"`
	// Metadata carries free-form rule annotations (description, category, owner).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EvaluationContext contains all information needed to evaluate the loaded
// rules against one action. Created fresh per call, never shared.
type EvaluationContext struct {
	// AgentID is the agent performing the action.
	AgentID string
	// Action is the action being performed (e.g., "generate_chart").
	Action string
	// Resource is the optional resource being accessed.
	Resource string
	// UserID identifies the user on whose behalf the agent acts.
	UserID string
	// OrgID is the user's organization.
	OrgID string
	// Role is the user's role.
	Role string
	// Permissions are the user's granted permission names.
	Permissions []string
	// Metadata carries free-form evaluation context.
	Metadata map[string]any
}

// Result is the outcome of evaluating all loaded rules against a context.
type Result struct {
	// Decision is the final decision after precedence resolution.
	Decision Decision
	// Allowed is true unless Decision is deny.
	Allowed bool
	// MatchedPolicies are the IDs of all rules whose expressions matched.
	MatchedPolicies []string
	// Violations are the names of blocking deny rules that matched.
	Violations []string
	// Warnings are the names of warn and soft-deny rules that matched.
	Warnings []string
	// Latency is the measured evaluation time.
	Latency time.Duration
}
