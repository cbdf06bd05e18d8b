package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrPolicyViolation is returned when a blocking deny rule matches.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrEvaluationFailed is returned when the engine itself fails,
	// as opposed to a deliberate deny decision.
	ErrEvaluationFailed = errors.New("policy evaluation failed")
)

// ViolationError is returned by Evaluate when the final decision is deny and
// at least one blocking rule matched. It is a business outcome, not a fault:
// the embedding application is expected to branch on it with errors.Is.
type ViolationError struct {
	// PolicyID is the ID of the first matched rule.
	PolicyID string
	// Violations are the names of the blocking rules that matched.
	Violations []string
	// Decision is the final decision that triggered the error.
	Decision Decision
}

// Error returns a human-readable description of the violation.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", strings.Join(e.Violations, ", "))
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrPolicyViolation).
func (e *ViolationError) Is(target error) bool {
	return target == ErrPolicyViolation
}

// EvaluationError is returned when evaluation aborts on an internal fault.
// A fault is never silently treated as allow.
type EvaluationError struct {
	// Err is the underlying cause.
	Err error
}

// Error returns a human-readable description of the fault.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy evaluation failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrEvaluationFailed).
func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluationFailed
}
