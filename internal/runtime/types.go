package runtime

import (
	"encoding/json"
	"time"
)

// ItemType tags one record in an AI runtime response.
type ItemType string

const (
	ItemText         ItemType = "text"
	ItemChoice       ItemType = "choice"
	ItemVisual       ItemType = "visual"
	ItemSetVariables ItemType = "set-variables"
	ItemUnsupported  ItemType = "unsupported"
)

// ResponseItem is a tagged union over the runtime's record types. Unknown
// record types are kept as ItemUnsupported instead of failing the event.
type ResponseItem struct {
	Type    ItemType
	Message string
	Buttons []Button
	Image   string
	// Variables is set for set-variables records.
	Variables map[string]any
}

// Button is one choice offered by the runtime.
type Button struct {
	Name    string `json:"name"`
	Request string `json:"request"`
}

// InteractRequest is the POST body for /state/user/{tenant}/interact.
type InteractRequest struct {
	Action InteractAction `json:"action"`
	Config InteractConfig `json:"config"`
	State  InteractState  `json:"state"`
}

type InteractAction struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type InteractConfig struct {
	TTS       bool `json:"tts"`
	StripSSML bool `json:"stripSSML"`
}

type InteractState struct {
	Variables map[string]any `json:"variables"`
}

// wireItem is the raw runtime record before tagging.
type wireItem struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Binding maps a tenant to its runtime project and credentials.
type Binding struct {
	ID            string
	TenantID      string
	ProjectID     string
	RuntimeConfig map[string]any
	APIKey        string
	CreatedAt     time.Time
}
