// Package events provides fire-and-forget event publishing to the log substrate.
package events

import "time"

// Type classifies trust and mission events.
type Type string

const (
	// Trust events.
	TypeTaskCompleted   Type = "task_completed"
	TypeTaskFailed      Type = "task_failed"
	TypeTimeoutExceeded Type = "timeout_exceeded"
	TypeResourceOveruse Type = "resource_overuse"
	TypePolicyViolation Type = "policy_violation"
	TypeUserFeedback    Type = "user_feedback"

	// Mission events.
	TypeMissionJoined Type = "mission_joined"
	TypeMissionLeft   Type = "mission_left"
	TypeStateUpdated  Type = "state_updated"
	TypeMessageSent   Type = "message_sent"
)

// Severity weights an event for trust calculations.
type Severity string

const (
	SeverityPositive Severity = "positive"
	SeverityNeutral  Severity = "neutral"
	SeverityNegative Severity = "negative"
	SeverityCritical Severity = "critical"
)

// Stream names on the log substrate.
const (
	StreamTrust           = "agion:events:trust"
	StreamFeedback        = "agion:events:feedback"
	StreamLLMInteractions = "agion:events:llm_interactions"
	StreamMissions        = "agion:events:missions"
)

// MissionMessageStream returns the per-mission message stream name.
func MissionMessageStream(missionID string) string {
	return "agion:missions:" + missionID + ":messages"
}

// TrustEvent records agent behavior for server-side trust scoring.
type TrustEvent struct {
	AgentID string `json:"agent_id"`
	Type    Type   `json:"event_type"`
	// Severity weights the event.
	Severity Severity `json:"severity"`
	// Impact is the trust impact from -1.0 to +1.0.
	Impact float64 `json:"impact"`
	// Confidence is the reporter's confidence from 0.0 to 1.0.
	Confidence float64        `json:"confidence"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// UserFeedback is an end-user's reaction to one agent execution.
type UserFeedback struct {
	ExecutionID string `json:"execution_id"`
	UserID      string `json:"user_id"`
	// FeedbackType is "thumbs_up" or "thumbs_down".
	FeedbackType string `json:"feedback_type"`
	// Rating is an optional 1-5 rating; zero means unset.
	Rating    int       `json:"rating,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LLMInteraction is a complete LLM call captured for the audit trail.
type LLMInteraction struct {
	ExecutionID   string    `json:"execution_id"`
	AgentID       string    `json:"agent_id"`
	InteractionID string    `json:"interaction_id"`
	Timestamp     time.Time `json:"timestamp"`

	SystemPrompt        string              `json:"system_prompt"`
	UserPrompt          string              `json:"user_prompt"`
	ConversationHistory []map[string]string `json:"conversation_history,omitempty"`

	Model       string         `json:"model"`
	Provider    string         `json:"provider"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	OtherParams map[string]any `json:"other_params,omitempty"`

	ResponseText string `json:"response_text"`
	FinishReason string `json:"finish_reason,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	LatencyMillis float64        `json:"latency_ms"`
	UserID        string         `json:"user_id,omitempty"`
	CostEstimate  float64        `json:"cost_estimate,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MissionMessage is a message between mission participants.
type MissionMessage struct {
	MissionID       string `json:"mission_id"`
	FromParticipant string `json:"from_participant"`
	// ToParticipant is empty for broadcast.
	ToParticipant string         `json:"to_participant,omitempty"`
	MessageType   string         `json:"message_type"`
	Content       map[string]any `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Event is one buffered (stream, payload) pair awaiting flush.
type Event struct {
	// Stream is the destination stream name.
	Stream string
	// Payload is the event body; values are JSON-encoded at flush time.
	Payload map[string]any
}
