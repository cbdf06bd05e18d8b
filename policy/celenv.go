package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// maxExpressionLength is the maximum allowed length for rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// newRuleEnvironment creates a CEL environment for rule predicate evaluation.
// Variables mirror the evaluation context fields; the permission helpers let
// rules test the caller's grants without spelling out list membership:
//
//	has_permission("write")
//	any_permission(["admin", "editor"])
//	all_permissions(["read", "write"])
func newRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("agent_id", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("org_id", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("permissions", cel.ListType(cel.StringType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("has_permission",
			cel.Overload("has_permission_string",
				[]*cel.Type{cel.ListType(cel.StringType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(perms, perm ref.Val) ref.Val {
					want, ok := perm.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					return types.Bool(containsPermission(perms, want))
				}),
			),
		),

		cel.Function("any_permission",
			cel.Overload("any_permission_list",
				[]*cel.Type{cel.ListType(cel.StringType), cel.ListType(cel.StringType)},
				cel.BoolType,
				cel.BinaryBinding(func(perms, wanted ref.Val) ref.Val {
					for _, w := range stringSlice(wanted) {
						if containsPermission(perms, w) {
							return types.Bool(true)
						}
					}
					return types.Bool(false)
				}),
			),
		),

		cel.Function("all_permissions",
			cel.Overload("all_permissions_list",
				[]*cel.Type{cel.ListType(cel.StringType), cel.ListType(cel.StringType)},
				cel.BoolType,
				cel.BinaryBinding(func(perms, wanted ref.Val) ref.Val {
					for _, w := range stringSlice(wanted) {
						if !containsPermission(perms, w) {
							return types.Bool(false)
						}
					}
					return types.Bool(true)
				}),
			),
		),
	)
}

// containsPermission reports whether the CEL list value contains want.
func containsPermission(perms ref.Val, want string) bool {
	for _, p := range stringSlice(perms) {
		if p == want {
			return true
		}
	}
	return false
}

// stringSlice converts a CEL list value to a Go string slice, skipping
// non-string elements.
func stringSlice(v ref.Val) []string {
	switch raw := v.Value().(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, e := range raw {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// buildActivation maps an evaluation context to CEL variable bindings.
func buildActivation(ec EvaluationContext, now time.Time) map[string]any {
	perms := ec.Permissions
	if perms == nil {
		perms = []string{}
	}
	meta := ec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"agent_id":     ec.AgentID,
		"action":       ec.Action,
		"resource":     ec.Resource,
		"user_id":      ec.UserID,
		"org_id":       ec.OrgID,
		"role":         ec.Role,
		"permissions":  perms,
		"metadata":     meta,
		"request_time": now,
	}
}

// compileExpression parses and type-checks a rule expression, returning a
// compiled program with runtime safety limits applied.
func compileExpression(env *cel.Env, expression string) (cel.Program, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
