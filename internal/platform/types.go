package platform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies which provider surface an event came from.
type Platform string

const (
	PlatformPage  Platform = "page"
	PlatformPhoto Platform = "photo"
)

// Parse validates a platform path segment.
func Parse(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformPage:
		return PlatformPage, nil
	case PlatformPhoto:
		return PlatformPhoto, nil
	default:
		return "", fmt.Errorf("unknown platform %q", raw)
	}
}

// MessageType classifies a normalized inbound message.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypePostback    MessageType = "postback"
	MessageTypeQuickReply  MessageType = "quick_reply"
	MessageTypeAttachment  MessageType = "attachment"
	MessageTypeUnsupported MessageType = "unsupported"
)

// Attachment is the canonical view of a provider attachment.
type Attachment struct {
	Type        string `json:"type"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description"`
}

// NormalizedMessage is the canonical inbound message shape shared by both
// platform variants.
type NormalizedMessage struct {
	Text         string            `json:"text"`
	Type         MessageType       `json:"type"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
	QuickReplies []string          `json:"quickReplies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RawEvent is one per-participant webhook event extracted from a provider
// envelope, carrying the exact payload bytes that get queued.
type RawEvent struct {
	Platform    Platform
	SenderID    string
	RecipientID string
	Timestamp   time.Time
	Payload     json.RawMessage
}

// QuickReplyOption is one provider-ready quick reply button.
type QuickReplyOption struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

// ReplyAttachment is a provider-ready outbound attachment.
type ReplyAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// Reply is the provider-ready outbound message built from AI runtime records.
type Reply struct {
	Text         string
	QuickReplies []QuickReplyOption
	Attachment   *ReplyAttachment
}

// Empty reports whether there is nothing to deliver.
func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.QuickReplies) == 0 && r.Attachment == nil
}
