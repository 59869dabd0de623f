package platform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider wire shapes. Only the fields the bridge reads are declared; the
// raw payload is preserved verbatim in the queue.

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
	Changes   []change          `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type party struct {
	ID string `json:"id"`
}

type pageEvent struct {
	Sender    party         `json:"sender"`
	Recipient party         `json:"recipient"`
	Timestamp int64         `json:"timestamp"`
	Message   *pageMessage  `json:"message"`
	Postback  *pagePostback `json:"postback"`
}

type pageMessage struct {
	MID         string           `json:"mid"`
	Text        string           `json:"text"`
	IsEcho      bool             `json:"is_echo"`
	QuickReply  *quickReplyTap   `json:"quick_reply"`
	Attachments []wireAttachment `json:"attachments"`
}

type quickReplyTap struct {
	Payload string `json:"payload"`
}

type pagePostback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type wireAttachment struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Payload struct {
		URL         string `json:"url"`
		Coordinates *struct {
			Lat  float64 `json:"lat"`
			Long float64 `json:"long"`
		} `json:"coordinates"`
	} `json:"payload"`
}

type photoValue struct {
	Sender    party          `json:"sender"`
	Recipient party          `json:"recipient"`
	Messages  []photoMessage `json:"messages"`
}

type photoMessage struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Attachments []wireAttachment `json:"attachments"`
}

// ExtractEvents splits a provider webhook envelope into per-participant
// events. Echoes of the bridge's own outbound messages are dropped here so
// they are never enqueued.
func ExtractEvents(p Platform, body []byte) ([]RawEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook envelope: %w", err)
	}

	var events []RawEvent
	switch p {
	case PlatformPage:
		for _, e := range env.Entry {
			for _, raw := range e.Messaging {
				var evt pageEvent
				if err := json.Unmarshal(raw, &evt); err != nil {
					return nil, fmt.Errorf("parse messaging event: %w", err)
				}
				if evt.Message != nil && evt.Message.IsEcho {
					continue
				}
				if evt.Sender.ID == "" || evt.Recipient.ID == "" {
					continue
				}
				events = append(events, RawEvent{
					Platform:    p,
					SenderID:    evt.Sender.ID,
					RecipientID: evt.Recipient.ID,
					Timestamp:   time.UnixMilli(evt.Timestamp).UTC(),
					Payload:     raw,
				})
			}
		}
	case PlatformPhoto:
		for _, e := range env.Entry {
			for _, ch := range e.Changes {
				if ch.Field != "messages" {
					continue
				}
				var val photoValue
				if err := json.Unmarshal(ch.Value, &val); err != nil {
					return nil, fmt.Errorf("parse change value: %w", err)
				}
				if val.Sender.ID == "" || val.Recipient.ID == "" || len(val.Messages) == 0 {
					continue
				}
				events = append(events, RawEvent{
					Platform:    p,
					SenderID:    val.Sender.ID,
					RecipientID: val.Recipient.ID,
					Timestamp:   photoTimestamp(val.Messages[0].Timestamp, e.Time),
					Payload:     ch.Value,
				})
			}
		}
	default:
		return nil, fmt.Errorf("unknown platform %q", p)
	}
	return events, nil
}

func photoTimestamp(raw string, entryTime int64) time.Time {
	if secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	if entryTime > 0 {
		return time.UnixMilli(entryTime).UTC()
	}
	return time.Time{}
}

// Normalize maps a queued raw event payload to the canonical message shape.
// It is deterministic: the same payload always yields the same result.
func Normalize(p Platform, payload []byte) (NormalizedMessage, error) {
	switch p {
	case PlatformPage:
		return normalizePage(payload)
	case PlatformPhoto:
		return normalizePhoto(payload)
	default:
		return NormalizedMessage{}, fmt.Errorf("unknown platform %q", p)
	}
}

func normalizePage(payload []byte) (NormalizedMessage, error) {
	var evt pageEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return NormalizedMessage{}, fmt.Errorf("parse page event: %w", err)
	}

	meta := map[string]string{}
	if evt.Message != nil && evt.Message.MID != "" {
		meta["provider_message_id"] = evt.Message.MID
	}

	if evt.Postback != nil {
		text := evt.Postback.Payload
		if text == "" {
			text = evt.Postback.Title
		}
		return NormalizedMessage{Text: text, Type: MessageTypePostback, Metadata: meta}, nil
	}

	if evt.Message != nil {
		msg := evt.Message
		if msg.QuickReply != nil && msg.QuickReply.Payload != "" {
			return NormalizedMessage{
				Text:         msg.QuickReply.Payload,
				Type:         MessageTypeQuickReply,
				QuickReplies: []string{msg.QuickReply.Payload},
				Metadata:     meta,
			}, nil
		}
		attachments := canonicalAttachments(msg.Attachments)
		if msg.Text != "" {
			return NormalizedMessage{Text: msg.Text, Type: MessageTypeText, Attachments: attachments, Metadata: meta}, nil
		}
		if len(attachments) > 0 {
			return NormalizedMessage{
				Text:        attachments[0].Description,
				Type:        MessageTypeAttachment,
				Attachments: attachments,
				Metadata:    meta,
			}, nil
		}
	}

	return NormalizedMessage{
		Text:     unsupportedText(PlatformPage),
		Type:     MessageTypeUnsupported,
		Metadata: meta,
	}, nil
}

func normalizePhoto(payload []byte) (NormalizedMessage, error) {
	var val photoValue
	if err := json.Unmarshal(payload, &val); err != nil {
		return NormalizedMessage{}, fmt.Errorf("parse photo event: %w", err)
	}
	if len(val.Messages) == 0 {
		return NormalizedMessage{Text: unsupportedText(PlatformPhoto), Type: MessageTypeUnsupported}, nil
	}

	msg := val.Messages[0]
	meta := map[string]string{}
	if msg.ID != "" {
		meta["provider_message_id"] = msg.ID
	}

	attachments := canonicalAttachments(msg.Attachments)
	if msg.Text != nil && msg.Text.Body != "" {
		return NormalizedMessage{Text: msg.Text.Body, Type: MessageTypeText, Attachments: attachments, Metadata: meta}, nil
	}
	if len(attachments) > 0 {
		return NormalizedMessage{
			Text:        attachments[0].Description,
			Type:        MessageTypeAttachment,
			Attachments: attachments,
			Metadata:    meta,
		}, nil
	}
	return NormalizedMessage{Text: unsupportedText(PlatformPhoto), Type: MessageTypeUnsupported, Metadata: meta}, nil
}

func canonicalAttachments(wire []wireAttachment) []Attachment {
	if len(wire) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(wire))
	for _, a := range wire {
		out = append(out, canonicalAttachment(a))
	}
	return out
}

func canonicalAttachment(a wireAttachment) Attachment {
	url := a.Payload.URL
	if url == "" {
		url = a.URL
	}
	kind := strings.ToLower(strings.TrimSpace(a.Type))
	switch kind {
	case "image", "audio", "video", "file":
		return Attachment{
			Type:        kind,
			URL:         url,
			Description: fmt.Sprintf("[%s: %s]", titleCase(kind), url),
		}
	case "location":
		if c := a.Payload.Coordinates; c != nil {
			return Attachment{
				Type:        "location",
				Description: fmt.Sprintf("[Location: %s,%s]", trimFloat(c.Lat), trimFloat(c.Long)),
			}
		}
		return Attachment{Type: "location", Description: "[Location: unknown]"}
	default:
		label := kind
		if label == "" {
			label = "unknown"
		}
		desc := fmt.Sprintf("[Unsupported attachment: %s]", label)
		if a.Title != "" {
			desc = fmt.Sprintf("[Unsupported attachment: %s (%s)]", label, a.Title)
		}
		return Attachment{Type: "unsupported", URL: url, Description: desc}
	}
}

func unsupportedText(p Platform) string {
	return fmt.Sprintf("[Unsupported %s message type]", p)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
