package model

// Target identifies one (provider, model) destination for a prompt.
type Target struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// ID returns the canonical "provider:model" target identifier.
func (t Target) ID() string {
	return t.Provider + ":" + t.Model
}

// OpenRouterConfig holds connection settings for the OpenRouter provider.
type OpenRouterConfig struct {
	APIKey  string   `json:"apiKey,omitempty"`
	BaseURL string   `json:"baseUrl,omitempty"`
	Models  []string `json:"models,omitempty"`
}

// OllamaConfig holds connection settings for a local Ollama daemon.
type OllamaConfig struct {
	BaseURL string   `json:"baseUrl,omitempty"`
	Models  []string `json:"models,omitempty"`
}

// AnthropicConfig holds connection settings for the Anthropic API.
type AnthropicConfig struct {
	APIKey string   `json:"apiKey,omitempty"`
	Models []string `json:"models,omitempty"`
}

// ProviderConfig aggregates per-provider connection settings. Stored globally
// and overridable per request.
type ProviderConfig struct {
	OpenRouter OpenRouterConfig `json:"openrouter,omitempty"`
	Ollama     OllamaConfig     `json:"ollama,omitempty"`
	Anthropic  AnthropicConfig  `json:"anthropic,omitempty"`
}

// HistoryMessage is a role/content pair sent to a provider as context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
