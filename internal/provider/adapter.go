// Package provider translates prompts into provider wire protocols and emits
// content fragments as they arrive.
package provider

import (
	"context"
	"strings"

	"github.com/llm-mux/llm-mux/internal/model"
)

// Fixed provider identifiers. The registry is keyed by these and resolved
// once at startup.
const (
	OpenRouter = "openrouter"
	Ollama     = "ollama"
	Anthropic  = "anthropic"
)

// EmitFunc receives stream events as the adapter produces them. A failing
// emit (consumer gone, run cancelled) must abort the network read promptly.
type EmitFunc func(model.StreamEvent) error

// StreamRequest carries everything an adapter needs for one streamed call.
type StreamRequest struct {
	Prompt  string
	Target  model.Target
	Config  model.ProviderConfig
	History []model.HistoryMessage
}

// Adapter streams one provider's response for a single target. Adapters are
// stateless, perform no retries and are safe for concurrent use across
// targets.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req StreamRequest, emit EmitFunc) error
}

// Registry maps provider IDs to adapters.
type Registry map[string]Adapter

// NewRegistry builds the closed set of supported adapters.
func NewRegistry() Registry {
	return Registry{
		OpenRouter: NewOpenRouterAdapter(),
		Ollama:     NewOllamaAdapter(),
		Anthropic:  NewAnthropicAdapter(),
	}
}

// Resolve returns the adapter for a provider ID.
func (r Registry) Resolve(provider string) (Adapter, bool) {
	a, ok := r[provider]
	return a, ok
}

// MergeConfig overlays non-empty request overrides onto the stored provider
// configuration.
func MergeConfig(base, override model.ProviderConfig) model.ProviderConfig {
	merged := base
	if v := strings.TrimSpace(override.OpenRouter.APIKey); v != "" {
		merged.OpenRouter.APIKey = v
	}
	if v := strings.TrimSpace(override.OpenRouter.BaseURL); v != "" {
		merged.OpenRouter.BaseURL = v
	}
	if v := strings.TrimSpace(override.Ollama.BaseURL); v != "" {
		merged.Ollama.BaseURL = v
	}
	if v := strings.TrimSpace(override.Anthropic.APIKey); v != "" {
		merged.Anthropic.APIKey = v
	}
	if len(override.OpenRouter.Models) > 0 {
		merged.OpenRouter.Models = override.OpenRouter.Models
	}
	if len(override.Ollama.Models) > 0 {
		merged.Ollama.Models = override.Ollama.Models
	}
	if len(override.Anthropic.Models) > 0 {
		merged.Anthropic.Models = override.Anthropic.Models
	}
	return merged
}

// buildMessages assembles the wire-order message list: optional system
// prompt, filtered history, then the draft prompt.
func buildMessages(req StreamRequest) []model.HistoryMessage {
	messages := make([]model.HistoryMessage, 0, len(req.History)+2)
	if strings.TrimSpace(req.Target.SystemPrompt) != "" {
		messages = append(messages, model.HistoryMessage{Role: "system", Content: req.Target.SystemPrompt})
	}
	messages = append(messages, req.History...)
	messages = append(messages, model.HistoryMessage{Role: "user", Content: req.Prompt})
	return messages
}
