package platform

import (
	"strings"

	"github.com/chatbridgehq/chatbridge/internal/runtime"
)

// Providers reject more than 13 quick replies per message.
const maxQuickReplies = 13

// BuildReply collapses a runtime response into one provider-ready message:
// text records joined by blank lines, choice buttons as quick replies (capped
// at 13), and the first visual as the single attachment.
func BuildReply(items []runtime.ResponseItem) Reply {
	var texts []string
	var reply Reply

	for _, item := range items {
		switch item.Type {
		case runtime.ItemText:
			if msg := strings.TrimSpace(item.Message); msg != "" {
				texts = append(texts, msg)
			}
		case runtime.ItemChoice:
			for _, b := range item.Buttons {
				if len(reply.QuickReplies) >= maxQuickReplies {
					break
				}
				title := strings.TrimSpace(b.Name)
				if title == "" {
					continue
				}
				payload := strings.TrimSpace(b.Request)
				if payload == "" {
					payload = title
				}
				reply.QuickReplies = append(reply.QuickReplies, QuickReplyOption{
					ContentType: "text",
					Title:       title,
					Payload:     payload,
				})
			}
		case runtime.ItemVisual:
			if reply.Attachment == nil && strings.TrimSpace(item.Image) != "" {
				att := &ReplyAttachment{Type: "image"}
				att.Payload.URL = strings.TrimSpace(item.Image)
				reply.Attachment = att
			}
		}
	}

	reply.Text = strings.Join(texts, "\n\n")
	return reply
}
