// Package providers implements the llm.Client contract for the wire
// services the runtime ships with: Anthropic and OpenAI.
//
// Both clients are non-streaming. The runtime consumes whole completions:
// every pass either parses the full reply as a tool envelope or forwards it
// downstream, so incremental delivery buys nothing here. Tool specs on the
// request are intentionally ignored; the runtime advertises tools through
// the envelope protocol in the system prompt, not the provider-native
// function-call channel.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/BokX1/sage/internal/backoff"
	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/pkg/models"
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	// APIKey authenticates requests. Required unless every request
	// carries its own key.
	APIKey string

	// BaseURL overrides the API endpoint (for proxies).
	BaseURL string

	// MaxRetries bounds retry attempts for transient failures. Default: 2.
	MaxRetries int

	// DefaultMaxTokens is used when the request does not set a ceiling.
	// Default: 1024.
	DefaultMaxTokens int
}

// AnthropicClient implements llm.Client against the Anthropic Messages API.
// Safe for concurrent use.
type AnthropicClient struct {
	client           anthropic.Client
	maxRetries       int
	defaultMaxTokens int
}

// NewAnthropicClient creates a client from the given configuration.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	defaultMaxTokens := cfg.DefaultMaxTokens
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 1024
	}
	return &AnthropicClient{
		client:           anthropic.NewClient(opts...),
		maxRetries:       maxRetries,
		defaultMaxTokens: defaultMaxTokens,
	}
}

// Chat issues one non-streaming completion.
func (c *AnthropicClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	var callOpts []option.RequestOption
	if req.APIKey != "" {
		callOpts = append(callOpts, option.WithAPIKey(req.APIKey))
	}

	var msg *anthropic.Message
	err = backoff.Retry(ctx, backoff.Policy{
		Initial: time.Second,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}, c.maxRetries+1, func(int) error {
		var callErr error
		msg, callErr = c.client.Messages.New(ctx, *params, callOpts...)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	content := sb.String()
	if content == "" {
		return nil, llm.ErrEmptyResponse
	}
	return &llm.ChatResponse{Content: content}, nil
}

func (c *AnthropicClient) buildParams(req *llm.ChatRequest) (*anthropic.MessageNewParams, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	system, rest := llm.SystemPrompt(req.Messages)
	if len(rest) == 0 {
		return nil, fmt.Errorf("anthropic: messages are required")
	}

	msgs := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case models.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params, nil
}
