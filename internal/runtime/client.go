package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatbridgehq/chatbridge/internal/retry"
)

// Client talks to the conversational-AI runtime over HTTP.
type Client struct {
	baseURL    string
	defaultKey string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a runtime client. defaultKey is the global API key used
// when a tenant binding carries no override.
func NewClient(log *slog.Logger, baseURL, defaultKey string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		defaultKey: defaultKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "runtime_client")),
	}
}

// ResolveKey picks the tenant's API key override, else the global default.
func (c *Client) ResolveKey(binding Binding) string {
	if k := strings.TrimSpace(binding.APIKey); k != "" {
		return k
	}
	return c.defaultKey
}

// Interact sends the participant's message plus flattened session variables
// and returns the runtime's response records.
func (c *Client) Interact(ctx context.Context, binding Binding, text string, variables map[string]any) ([]ResponseItem, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(InteractRequest{
		Action: InteractAction{Type: "text", Payload: text},
		Config: InteractConfig{TTS: false, StripSSML: true},
		State:  InteractState{Variables: variables},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal interact request: %w", err)
	}

	url := fmt.Sprintf("%s/state/user/%s/interact", c.baseURL, binding.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build interact request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.ResolveKey(binding))
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime interact: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read interact response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	items, err := decodeItems(raw)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func decodeItems(raw []byte) ([]ResponseItem, error) {
	var wire []wireItem
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("parse interact response: %w", err)
	}
	items := make([]ResponseItem, 0, len(wire))
	for _, w := range wire {
		items = append(items, decodeItem(w))
	}
	return items, nil
}

func decodeItem(w wireItem) ResponseItem {
	switch ItemType(w.Type) {
	case ItemText:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(w.Payload, &p)
		return ResponseItem{Type: ItemText, Message: p.Message}
	case ItemChoice:
		var p struct {
			Buttons []Button `json:"buttons"`
		}
		_ = json.Unmarshal(w.Payload, &p)
		return ResponseItem{Type: ItemChoice, Buttons: p.Buttons}
	case ItemVisual:
		var p struct {
			Image string `json:"image"`
		}
		_ = json.Unmarshal(w.Payload, &p)
		return ResponseItem{Type: ItemVisual, Image: p.Image}
	case ItemSetVariables:
		var vars map[string]any
		_ = json.Unmarshal(w.Payload, &vars)
		return ResponseItem{Type: ItemSetVariables, Variables: vars}
	default:
		return ResponseItem{Type: ItemUnsupported}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
