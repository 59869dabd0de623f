package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatbridgehq/chatbridge/internal/retry"
)

// SendClient delivers replies through the provider's Graph-style messaging
// API. The page variant posts to /me/messages; the photo variant posts to
// /{account_id}/messages.
type SendClient struct {
	graphBaseURL string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewSendClient(log *slog.Logger, graphBaseURL string, timeout time.Duration) *SendClient {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SendClient{
		graphBaseURL: strings.TrimRight(graphBaseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       log.With(slog.String("component", "send_client")),
	}
}

type sendRequest struct {
	Recipient     party       `json:"recipient"`
	Message       sendMessage `json:"message"`
	MessagingType string      `json:"messaging_type"`
}

type sendMessage struct {
	Text         string             `json:"text,omitempty"`
	QuickReplies []QuickReplyOption `json:"quick_replies,omitempty"`
	Attachment   *ReplyAttachment   `json:"attachment,omitempty"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send posts one reply to the participant. accountID is required for the
// photo platform and ignored for pages. The access token is passed as a query
// parameter per the provider's API and never logged.
func (c *SendClient) Send(ctx context.Context, p Platform, accountID, accessToken, recipientID string, reply Reply) (string, error) {
	if reply.Empty() {
		return "", nil
	}

	endpoint, err := c.endpoint(p, accountID)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(sendRequest{
		Recipient:     party{ID: recipientID},
		Message:       sendMessage{Text: reply.Text, QuickReplies: reply.QuickReplies, Attachment: reply.Attachment},
		MessagingType: "RESPONSE",
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"?access_token="+url.QueryEscape(accessToken), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read send response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &retry.HTTPStatusError{Status: resp.StatusCode, Body: truncateBody(raw)}
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	return parsed.MessageID, nil
}

func (c *SendClient) endpoint(p Platform, accountID string) (string, error) {
	switch p {
	case PlatformPage:
		return c.graphBaseURL + "/me/messages", nil
	case PlatformPhoto:
		if strings.TrimSpace(accountID) == "" {
			return "", fmt.Errorf("photo platform send requires an account id")
		}
		return c.graphBaseURL + "/" + url.PathEscape(accountID) + "/messages", nil
	default:
		return "", fmt.Errorf("unknown platform %q", p)
	}
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max])
}
