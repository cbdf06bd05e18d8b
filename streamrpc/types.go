// Package streamrpc implements request/response governance calls over
// the log substrate using correlation IDs and a per-instance response
// stream.
package streamrpc

import "time"

// Stream names and bounds on the log substrate.
const (
	requestStream        = "governance:requests"
	responseStreamPrefix = "governance:responses:"
	executionStream      = "executions:reports"
	feedbackStream       = "feedback:submissions"

	requestStreamMaxLen = 10_000
	reportStreamMaxLen  = 50_000
)

// Request types understood by the governance service.
const (
	typePermissionCheck  = "permission_check"
	typeResultValidation = "result_validation"
	typePolicyQuery      = "get_policies"
)

// ValidationStatus is the governance verdict on an execution result.
type ValidationStatus string

const (
	ValidationApproved      ValidationStatus = "approved"
	ValidationRejected      ValidationStatus = "rejected"
	ValidationFlagForReview ValidationStatus = "flag_for_review"
)

// PermissionResult is the outcome of a permission check. When the
// governance service is unreachable the result is a denial.
type PermissionResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// PolicyID identifies the policy that decided, when known.
	PolicyID string `json:"policy_id,omitempty"`
	// Defaulted marks a fail-safe denial (timeout or transport failure)
	// so audits can tell it apart from a genuine policy denial.
	Defaulted bool `json:"defaulted,omitempty"`
	// Latency is the measured round trip, including timed-out waits.
	Latency time.Duration `json:"-"`
}

// ValidationResult is the outcome of a result validation. When the
// governance service is unreachable the status is ValidationFlagForReview.
type ValidationResult struct {
	Status   ValidationStatus `json:"status"`
	Feedback string           `json:"feedback,omitempty"`
	Score    float64          `json:"score,omitempty"`
	// Defaulted marks a fail-safe flag-for-review verdict.
	Defaulted bool `json:"defaulted,omitempty"`
	// Latency is the measured round trip, including timed-out waits.
	Latency time.Duration `json:"-"`
}

// ExecutionReport summarizes a completed agent execution.
type ExecutionReport struct {
	ExecutionID string         `json:"execution_id"`
	AgentID     string         `json:"agent_id"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationMS  float64        `json:"duration_ms"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DefaultTrustScore is assumed for agents without a recorded score.
const DefaultTrustScore = 0.4
