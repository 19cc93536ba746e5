// Package llm defines the contracts the runtime uses to talk to language
// models: a cancellable chat client and a model resolver. Concrete wire
// clients live in the providers subpackage.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BokX1/sage/pkg/models"
)

// ErrEmptyResponse is returned when a provider yields no content.
var ErrEmptyResponse = errors.New("llm: empty response")

// ToolSpec advertises one tool to the model. The runtime's tool protocol is
// the JSON envelope carried in plain text: the tool loop renders specs into
// the system turn rather than the provider's native tool-call channel, and
// the request field records what was advertised for that call.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ChatRequest is one completion request.
type ChatRequest struct {
	Messages       []models.ChatMessage
	Model          string
	APIKey         string
	Temperature    float64
	Timeout        time.Duration
	MaxTokens      int
	Tools          []ToolSpec
	ToolChoice     string
	ResponseFormat string
}

// ChatResponse is the provider's reply.
type ChatResponse struct {
	Content string
}

// Client is the minimal LLM wire contract. Implementations must honor
// ctx cancellation and the request Timeout.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// SystemPrompt returns the system message content, if the first message is
// a system turn, plus the remaining messages.
func SystemPrompt(messages []models.ChatMessage) (string, []models.ChatMessage) {
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
