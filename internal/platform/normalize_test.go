package platform

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

const pageEnvelope = `{
	"object": "page",
	"entry": [{
		"id": "page-1",
		"time": 1700000001000,
		"messaging": [{
			"sender": {"id": "P1"},
			"recipient": {"id": "R1"},
			"timestamp": 1700000000000,
			"message": {"mid": "m1", "text": "hello"}
		}]
	}]
}`

const photoEnvelope = `{
	"object": "instagram",
	"entry": [{
		"id": "acct-1",
		"time": 1700000001000,
		"changes": [{
			"field": "messages",
			"value": {
				"sender": {"id": "S1"},
				"recipient": {"id": "A1"},
				"messages": [{"id": "pm1", "timestamp": "1700000000", "type": "text", "text": {"body": "hi there"}}]
			}
		}]
	}]
}`

func TestExtractPageEvents(t *testing.T) {
	t.Parallel()

	events, err := ExtractEvents(PlatformPage, []byte(pageEnvelope))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.SenderID != "P1" || evt.RecipientID != "R1" {
		t.Fatalf("wrong parties: %+v", evt)
	}
	if !evt.Timestamp.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("wrong timestamp: %v", evt.Timestamp)
	}
}

func TestExtractDropsEchoes(t *testing.T) {
	t.Parallel()

	body := `{
		"object": "page",
		"entry": [{"messaging": [{
			"sender": {"id": "R1"},
			"recipient": {"id": "P1"},
			"timestamp": 1700000000000,
			"message": {"mid": "m2", "text": "echoed reply", "is_echo": true}
		}]}]
	}`
	events, err := ExtractEvents(PlatformPage, []byte(body))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("echo must not produce events, got %d", len(events))
	}
}

func TestExtractPhotoEvents(t *testing.T) {
	t.Parallel()

	events, err := ExtractEvents(PlatformPhoto, []byte(photoEnvelope))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.SenderID != "S1" || evt.RecipientID != "A1" {
		t.Fatalf("wrong parties: %+v", evt)
	}
	if !evt.Timestamp.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("wrong timestamp: %v", evt.Timestamp)
	}
}

func TestExtractPhotoIgnoresOtherFields(t *testing.T) {
	t.Parallel()

	body := `{
		"object": "instagram",
		"entry": [{"changes": [{"field": "comments", "value": {"text": "nice"}}]}]
	}`
	events, err := ExtractEvents(PlatformPhoto, []byte(body))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("non-message changes must be skipped, got %d", len(events))
	}
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    NormalizedMessage
	}{
		{
			name:    "plain text",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m1","text":"hello"}}`,
			want: NormalizedMessage{
				Text: "hello", Type: MessageTypeText,
				Metadata: map[string]string{"provider_message_id": "m1"},
			},
		},
		{
			name:    "postback prefers payload",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"postback":{"title":"Get Started","payload":"GET_STARTED"}}`,
			want:    NormalizedMessage{Text: "GET_STARTED", Type: MessageTypePostback, Metadata: map[string]string{}},
		},
		{
			name:    "postback falls back to title",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"postback":{"title":"Get Started"}}`,
			want:    NormalizedMessage{Text: "Get Started", Type: MessageTypePostback, Metadata: map[string]string{}},
		},
		{
			name:    "quick reply tap",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m3","quick_reply":{"payload":"SIZE_L"}}}`,
			want: NormalizedMessage{
				Text: "SIZE_L", Type: MessageTypeQuickReply,
				QuickReplies: []string{"SIZE_L"},
				Metadata:     map[string]string{"provider_message_id": "m3"},
			},
		},
		{
			name:    "image attachment becomes text",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m4","attachments":[{"type":"image","payload":{"url":"https://cdn.example.test/a.jpg"}}]}}`,
			want: NormalizedMessage{
				Text: "[Image: https://cdn.example.test/a.jpg]",
				Type: MessageTypeAttachment,
				Attachments: []Attachment{{
					Type: "image", URL: "https://cdn.example.test/a.jpg",
					Description: "[Image: https://cdn.example.test/a.jpg]",
				}},
				Metadata: map[string]string{"provider_message_id": "m4"},
			},
		},
		{
			name:    "location attachment",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m5","attachments":[{"type":"location","payload":{"coordinates":{"lat":51.5,"long":-0.12}}}]}}`,
			want: NormalizedMessage{
				Text: "[Location: 51.5,-0.12]",
				Type: MessageTypeAttachment,
				Attachments: []Attachment{{
					Type: "location", Description: "[Location: 51.5,-0.12]",
				}},
				Metadata: map[string]string{"provider_message_id": "m5"},
			},
		},
		{
			name:    "fallback attachment",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m6","attachments":[{"type":"fallback","title":"shared link","url":"https://example.test"}]}}`,
			want: NormalizedMessage{
				Text: "[Unsupported attachment: fallback (shared link)]",
				Type: MessageTypeAttachment,
				Attachments: []Attachment{{
					Type: "unsupported", URL: "https://example.test",
					Description: "[Unsupported attachment: fallback (shared link)]",
				}},
				Metadata: map[string]string{"provider_message_id": "m6"},
			},
		},
		{
			name:    "nothing recoverable",
			payload: `{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m7"}}`,
			want: NormalizedMessage{
				Text: "[Unsupported page message type]", Type: MessageTypeUnsupported,
				Metadata: map[string]string{"provider_message_id": "m7"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(PlatformPage, []byte(tt.payload))
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizePhoto(t *testing.T) {
	t.Parallel()

	payload := `{
		"sender": {"id": "S1"},
		"recipient": {"id": "A1"},
		"messages": [{"id": "pm1", "type": "text", "text": {"body": "hi there"}}]
	}`
	got, err := Normalize(PlatformPhoto, []byte(payload))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Text != "hi there" || got.Type != MessageTypeText {
		t.Fatalf("unexpected: %+v", got)
	}
	if got.Metadata["provider_message_id"] != "pm1" {
		t.Fatalf("missing provider message id: %+v", got.Metadata)
	}
}

func TestNormalizePhotoUnsupported(t *testing.T) {
	t.Parallel()

	payload := `{"sender":{"id":"S1"},"recipient":{"id":"A1"},"messages":[{"id":"pm2","type":"story_mention"}]}`
	got, err := Normalize(PlatformPhoto, []byte(payload))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Text != "[Unsupported photo message type]" || got.Type != MessageTypeUnsupported {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"sender":{"id":"P1"},"recipient":{"id":"R1"},"message":{"mid":"m1","text":"hello","attachments":[{"type":"image","payload":{"url":"https://x/a.png"}}]}}`)
	first, err := Normalize(PlatformPage, payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, err := Normalize(PlatformPage, payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("normalization not deterministic:\n%s\n%s", a, b)
	}
}
