package types

import "encoding/json"

// ToolSchema defines a single tool offered to the model for tool calling.
// Parameters is a raw JSON Schema object.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}
