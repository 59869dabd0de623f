// Package worker drives queued events through the processing pipeline:
// resolve the connection, build session and conversation state, call the AI
// runtime, and send the reply back through the provider.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatbridgehq/chatbridge/internal/connection"
	"github.com/chatbridgehq/chatbridge/internal/conversation"
	"github.com/chatbridgehq/chatbridge/internal/platform"
	"github.com/chatbridgehq/chatbridge/internal/queue"
	"github.com/chatbridgehq/chatbridge/internal/runtime"
	"github.com/chatbridgehq/chatbridge/internal/session"
)

// The pipeline depends on narrow views of the services so tests can swap in
// fakes without a database.

type connectionResolver interface {
	GetByRecipient(ctx context.Context, tenantID string, p platform.Platform, recipientID string) (connection.Connection, error)
}

type sessionStore interface {
	GetOrCreate(ctx context.Context, tenantID, participantID string, p platform.Platform) (session.Session, error)
	AppendHistory(ctx context.Context, sessionID, role, content string) error
	MergeContext(ctx context.Context, sessionID string, vars map[string]any) error
}

type conversationStore interface {
	LockThread(ctx context.Context, tenantID string, p platform.Platform, externalThreadID string) (unlock func(), held bool, err error)
	Upsert(ctx context.Context, tenantID string, p platform.Platform, externalThreadID, participantID, sessionID string, messageAt time.Time) (conversation.Conversation, error)
	AddMessage(ctx context.Context, conversationID, sender, content, externalID string) (conversation.Message, error)
}

type bindingResolver interface {
	GetByTenant(ctx context.Context, tenantID string) (runtime.Binding, error)
}

type runtimeCaller interface {
	Interact(ctx context.Context, binding runtime.Binding, text string, variables map[string]any) ([]runtime.ResponseItem, error)
}

type replySender interface {
	Send(ctx context.Context, p platform.Platform, accountID, accessToken, recipientID string, reply platform.Reply) (string, error)
}

type eventQueue interface {
	ClaimBatch(ctx context.Context, batchSize int) ([]queue.Event, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, cause string) error
	Release(ctx context.Context, eventID string, retryCount int, cause string) (bool, error)
	Defer(ctx context.Context, eventID string) error
	HasEarlierUnfinished(ctx context.Context, evt queue.Event) (bool, error)
	AddTrace(ctx context.Context, eventID string, stage queue.Stage, status, cause string, metadata map[string]any) error
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type deadLetterSink interface {
	Add(ctx context.Context, tenantID string, payload json.RawMessage, cause string, metadata map[string]any) (string, error)
}

// statusDeferred marks an event handed back to pending because its thread
// was busy; it is a drain-pass outcome, not a queue status.
const statusDeferred = "deferred"

// Result is one event's outcome in a drain pass.
type Result struct {
	EventID string `json:"event_id"`
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// outcomeKind classifies a stage failure so the orchestrator can decide
// between re-queue, dead-letter and fail-stop.
type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeTransient
	outcomePermanent
)

type stageError struct {
	stage queue.Stage
	kind  outcomeKind
	err   error
}

func (e *stageError) Error() string {
	return string(e.stage) + ": " + e.err.Error()
}

func (e *stageError) Unwrap() error { return e.err }
