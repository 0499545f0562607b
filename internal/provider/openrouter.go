package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/llm-mux/llm-mux/internal/model"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterAdapter streams chat completions from OpenRouter, which speaks
// the OpenAI chat-completions protocol.
type OpenRouterAdapter struct{}

// NewOpenRouterAdapter creates a new OpenRouter adapter.
func NewOpenRouterAdapter() *OpenRouterAdapter {
	return &OpenRouterAdapter{}
}

// Name returns the provider ID.
func (a *OpenRouterAdapter) Name() string { return OpenRouter }

// Stream issues a streaming chat-completion request and emits one chunk event
// per delta fragment. The SDK terminates the stream on the [DONE] marker.
func (a *OpenRouterAdapter) Stream(ctx context.Context, req StreamRequest, emit EmitFunc) error {
	apiKey := strings.TrimSpace(req.Config.OpenRouter.APIKey)
	if apiKey == "" {
		return errors.New("openrouter: apiKey is required")
	}

	baseURL := strings.TrimSpace(req.Config.OpenRouter.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	client := openai.NewClientWithConfig(cfg)

	messages := buildMessages(req)
	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Target.Model,
		Messages: chatMessages,
		Stream:   true,
	}
	if req.Target.Temperature != nil {
		chatReq.Temperature = float32(*req.Target.Temperature)
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("openrouter error (%d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return fmt.Errorf("openrouter: %w", err)
	}
	defer stream.Close()

	targetID := req.Target.ID()
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openrouter stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := emit(model.StreamEvent{
			TargetID: targetID,
			Provider: req.Target.Provider,
			Model:    req.Target.Model,
			Event:    model.EventChunk,
			Content:  delta,
		}); err != nil {
			return err
		}
	}
}
