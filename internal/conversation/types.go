// Package conversation tracks threads between participants and tenant
// assets, and the messages exchanged inside them.
package conversation

import (
	"time"

	"github.com/chatbridgehq/chatbridge/internal/platform"
)

// Message sender constants.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Conversation is one logical thread between a participant and a tenant.
// (tenant_id, platform, external_thread_id) is unique; last_message_at never
// moves backwards.
type Conversation struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	Platform         platform.Platform `json:"platform"`
	ExternalThreadID string            `json:"external_thread_id"`
	ParticipantID    string            `json:"participant_id"`
	SessionID        string            `json:"session_id,omitempty"`
	LastMessageAt    time.Time         `json:"last_message_at"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Message is one stored turn inside a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	ExternalID     string    `json:"external_id,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}
