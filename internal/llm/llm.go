// Package llm streams structured (JSON schema constrained) completions from
// the OpenAI Responses API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// StructuredRequest asks the model for a single JSON object matching Schema.
type StructuredRequest struct {
	Model           string
	SystemPrompt    string
	UserPrompt      string
	SchemaName      string
	Schema          json.RawMessage
	MaxOutputTokens int
	Temperature     float64
}

// Usage is the token accounting reported when a response completes.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one item of a streamed response. Exactly one field is set.
type Chunk struct {
	Delta string // incremental output text
	Text  string // the complete output text, sent once when the model finishes
	Usage *Usage
	Err   error
}

// Client streams structured responses. The returned channel is closed when
// the stream ends; a terminal failure is delivered as a Chunk with Err set.
type Client interface {
	Stream(ctx context.Context, req StructuredRequest) (<-chan Chunk, error)
}

// ErrNoJSONObject is returned when model output does not contain an object.
var ErrNoJSONObject = errors.New("llm: JSON parse failed: object boundary not found")

// ExtractJSONObject returns the JSON object contained in text: the whole text
// when it is already an object, otherwise the span from the first '{' to the
// last '}'.
func ExtractJSONObject(text string) ([]byte, error) {
	direct := strings.TrimSpace(text)
	if strings.HasPrefix(direct, "{") && strings.HasSuffix(direct, "}") {
		return []byte(direct), nil
	}
	first := strings.Index(direct, "{")
	last := strings.LastIndex(direct, "}")
	if first >= 0 && last > first {
		return []byte(direct[first : last+1]), nil
	}
	return nil, ErrNoJSONObject
}
