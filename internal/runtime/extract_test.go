package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractContextSetVariables(t *testing.T) {
	t.Parallel()

	items := []ResponseItem{
		{Type: ItemText, Message: "Hi there"},
		{Type: ItemSetVariables, Variables: map[string]any{"plan": "pro", "visits": float64(3)}},
	}

	vars, cleaned := ExtractContext(items)
	assert.Equal(t, map[string]any{"plan": "pro", "visits": float64(3)}, vars)
	// set-variables records are consumed, not delivered.
	assert.Len(t, cleaned, 1)
	assert.Equal(t, "Hi there", cleaned[0].Message)
}

func TestExtractContextInlineMarkers(t *testing.T) {
	t.Parallel()

	items := []ResponseItem{
		{Type: ItemText, Message: "Done! [[SET:stage=checkout]] See you. [[SET:cart=3]]"},
	}

	vars, cleaned := ExtractContext(items)
	assert.Equal(t, map[string]any{"stage": "checkout", "cart": "3"}, vars)
	assert.Equal(t, "Done!  See you.", cleaned[0].Message)
}

func TestExtractContextMarkerPrecedence(t *testing.T) {
	t.Parallel()

	// Later records win when keys collide.
	items := []ResponseItem{
		{Type: ItemText, Message: "x [[SET:mode=a]]"},
		{Type: ItemSetVariables, Variables: map[string]any{"mode": "b"}},
	}
	vars, _ := ExtractContext(items)
	assert.Equal(t, "b", vars["mode"])
}

func TestExtractContextNoUpdates(t *testing.T) {
	t.Parallel()

	items := []ResponseItem{
		{Type: ItemText, Message: "plain reply"},
		{Type: ItemChoice, Buttons: []Button{{Name: "Yes", Request: "YES"}}},
	}
	vars, cleaned := ExtractContext(items)
	assert.Empty(t, vars)
	assert.Len(t, cleaned, 2)
}

func TestExtractContextIgnoresEmptyKeys(t *testing.T) {
	t.Parallel()

	items := []ResponseItem{
		{Type: ItemSetVariables, Variables: map[string]any{"  ": "skipped", "kept": 1}},
	}
	vars, _ := ExtractContext(items)
	assert.Equal(t, map[string]any{"kept": 1}, vars)
}
