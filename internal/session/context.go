package session

import (
	"strconv"
	"time"
)

const (
	historyKey     = "conversationHistory"
	lastUpdatedKey = "lastUpdated"

	// Older turns beyond this count are dropped oldest-first.
	maxHistory = 50
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is one turn in a session's conversation history. Entries
// round-trip through jsonb, so every field has a stable JSON name.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendHistory adds one turn to the context's conversation history,
// truncates to the most recent entries and stamps lastUpdated. The map is
// mutated in place and returned for chaining.
func AppendHistory(ctx map[string]any, role, content string, now time.Time) map[string]any {
	if ctx == nil {
		ctx = map[string]any{}
	}
	history := append(DecodeHistory(ctx[historyKey]), HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: now.UTC(),
	})
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	ctx[historyKey] = history
	ctx[lastUpdatedKey] = now.UTC().Format(time.RFC3339)
	return ctx
}

// MergeScalars merges arbitrary keys into the context root and stamps
// lastUpdated. The history key cannot be overwritten this way.
func MergeScalars(ctx map[string]any, vars map[string]any, now time.Time) map[string]any {
	if ctx == nil {
		ctx = map[string]any{}
	}
	for k, v := range vars {
		if k == historyKey {
			continue
		}
		ctx[k] = v
	}
	ctx[lastUpdatedKey] = now.UTC().Format(time.RFC3339)
	return ctx
}

// DecodeHistory reads the history slice back out of a context map that has
// been through jsonb, where entries arrive as map[string]any.
func DecodeHistory(raw any) []HistoryEntry {
	switch v := raw.(type) {
	case []HistoryEntry:
		return v
	case []any:
		out := make([]HistoryEntry, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var entry HistoryEntry
			entry.Role, _ = m["role"].(string)
			entry.Content, _ = m["content"].(string)
			if ts, ok := m["timestamp"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					entry.Timestamp = parsed
				}
			}
			out = append(out, entry)
		}
		return out
	default:
		return nil
	}
}

// Flatten renders the context as string-valued variables for the AI runtime.
// The history key is skipped; scalars are stringified and nested structures
// dropped.
func Flatten(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if k == historyKey {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			if val {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		case float64:
			out[k] = trimNumber(val)
		case int:
			out[k] = trimNumber(float64(val))
		case int64:
			out[k] = trimNumber(float64(val))
		case nil:
			// dropped
		default:
			// nested structures are not forwarded
		}
	}
	return out
}

func trimNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
