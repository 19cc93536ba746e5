package providers

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/BokX1/sage/internal/backoff"
	"github.com/BokX1/sage/internal/llm"
	"github.com/BokX1/sage/pkg/models"
)

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	// APIKey authenticates requests.
	APIKey string

	// BaseURL overrides the API endpoint (for compatible gateways).
	BaseURL string

	// MaxRetries bounds retry attempts for transient failures. Default: 2.
	MaxRetries int
}

// OpenAIClient implements llm.Client against the Chat Completions API.
// Safe for concurrent use.
type OpenAIClient struct {
	client     *openai.Client
	maxRetries int
}

// NewOpenAIClient creates a client from the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		maxRetries: maxRetries,
	}
}

// Chat issues one non-streaming completion.
func (c *OpenAIClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.ResponseFormat == "json" {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var resp openai.ChatCompletionResponse
	err := backoff.Retry(ctx, backoff.Policy{
		Initial: time.Second,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}, c.maxRetries+1, func(int) error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, llm.ErrEmptyResponse
	}
	return &llm.ChatResponse{Content: resp.Choices[0].Message.Content}, nil
}

func convertMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
