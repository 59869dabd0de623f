package queue

import (
	"encoding/json"
	"time"

	"github.com/chatbridgehq/chatbridge/internal/platform"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage names the pipeline steps recorded in processing traces, in the order
// the worker runs them.
type Stage string

const (
	StageReceived              Stage = "received"
	StageConnectionResolved    Stage = "connection_resolved"
	StageSessionAcquired       Stage = "session_acquired"
	StageConversationUpserted  Stage = "conversation_upserted"
	StageUserMessageSaved      Stage = "user_message_persisted"
	StageSessionUpdated        Stage = "session_updated"
	StageBindingResolved       Stage = "binding_resolved"
	StageAICalled              Stage = "ai_called"
	StageContextExtracted      Stage = "context_extracted"
	StageAssistantMessageSaved Stage = "assistant_message_persisted"
	StageReplyFormatted        Stage = "reply_formatted"
	StageResponseSent          Stage = "response_sent"
)

const (
	TraceCompleted = "completed"
	TraceFailed    = "failed"
)

// Event is one durably queued webhook delivery.
type Event struct {
	ID          string
	TenantID    string
	Platform    platform.Platform
	SenderID    string
	RecipientID string
	RawPayload  json.RawMessage
	EventTS     time.Time
	Status      Status
	RetryCount  int
	LastRetryAt time.Time
	Error       string
	CompletedAt time.Time
	CreatedAt   time.Time
}

// Trace is one per-stage record of an event's trip through the pipeline.
type Trace struct {
	ID        string
	EventID   string
	Stage     Stage
	Status    string
	Error     string
	Metadata  map[string]any
	CreatedAt time.Time
}

// DeadLetter is an event that exhausted its retries or hit a permanent
// failure at the AI call stage.
type DeadLetter struct {
	ID              string
	TenantID        string
	OriginalPayload json.RawMessage
	Error           string
	Metadata        map[string]any
	Status          string
	RetryCount      int
	FailedAt        time.Time
}
