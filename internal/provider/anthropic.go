package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/llm-mux/llm-mux/internal/model"
)

const anthropicMaxTokens = 4096

// AnthropicAdapter streams messages from the Anthropic API directly, without
// going through OpenRouter.
type AnthropicAdapter struct{}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

// Name returns the provider ID.
func (a *AnthropicAdapter) Name() string { return Anthropic }

// Stream drives the Messages streaming endpoint and emits one chunk event per
// text delta.
func (a *AnthropicAdapter) Stream(ctx context.Context, req StreamRequest, emit EmitFunc) error {
	apiKey := strings.TrimSpace(req.Config.Anthropic.APIKey)
	if apiKey == "" {
		return errors.New("anthropic: apiKey is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	// Anthropic takes the system prompt out of band; only user/assistant
	// turns go into the message list.
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		if msg.Role != string(model.RoleUser) && msg.Role != string(model.RoleAssistant) {
			continue
		}
		messages = append(messages, anthropicMessage(msg.Role, msg.Content))
	}
	messages = append(messages, anthropicMessage(string(model.RoleUser), req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(req.Target.Model),
		MaxTokens: anthropic.F(int64(anthropicMaxTokens)),
		Messages:  anthropic.F(messages),
	}
	if strings.TrimSpace(req.Target.SystemPrompt) != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.Target.SystemPrompt),
		}})
	}
	if req.Target.Temperature != nil {
		params.Temperature = anthropic.F(*req.Target.Temperature)
	}

	stream := client.Messages.NewStreaming(ctx, params)
	targetID := req.Target.ID()

	for stream.Next() {
		event := stream.Current()
		if event.Type != anthropic.MessageStreamEventTypeContentBlockDelta {
			continue
		}
		delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
		if !ok || delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		if err := emit(model.StreamEvent{
			TargetID: targetID,
			Provider: req.Target.Provider,
			Model:    req.Target.Model,
			Event:    model.EventChunk,
			Content:  delta.Text,
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func anthropicMessage(role, content string) anthropic.MessageParam {
	return anthropic.MessageParam{
		Role: anthropic.F(anthropic.MessageParamRole(role)),
		Content: anthropic.F([]anthropic.ContentBlockParamUnion{
			anthropic.TextBlockParam{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(content),
			},
		}),
	}
}
