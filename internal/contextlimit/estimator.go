// Package contextlimit estimates per-target token budgets against each
// provider's maximum context window. Read-only: it never mutates the store.
package contextlimit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
)

const lookupTimeout = 12 * time.Second

// Limit is one target's context budget.
type Limit struct {
	TargetID         string `json:"targetId"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	MaxContextTokens int    `json:"maxContextTokens,omitempty"`
	EstimatedTokens  int    `json:"estimatedTokens,omitempty"`
	RemainingTokens  *int   `json:"remainingTokens,omitempty"`
	UsedPercent      *int   `json:"usedPercent,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Estimator resolves context limits for a set of targets.
type Estimator struct {
	http *http.Client
}

// New creates an estimator with the default lookup timeout.
func New() *Estimator {
	return &Estimator{
		http: &http.Client{Timeout: lookupTimeout},
	}
}

// Resolve fetches each target's context window in parallel and computes the
// estimated usage of the filtered history plus the draft prompt. A lookup
// failure for one target yields an error string for that target only.
func (e *Estimator) Resolve(ctx context.Context, targets []model.Target, cfg model.ProviderConfig, history []model.Message, prompt string) []Limit {
	out := make([]Limit, len(targets))

	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			t := targets[i]
			prov := strings.ToLower(strings.TrimSpace(t.Provider))
			mdl := strings.TrimSpace(t.Model)
			targetID := prov + ":" + mdl
			item := Limit{
				TargetID: targetID,
				Provider: prov,
				Model:    mdl,
			}
			if prov == "" || mdl == "" {
				item.Error = "missing provider/model"
				out[i] = item
				return
			}

			var (
				limit int
				err   error
			)
			switch prov {
			case provider.OpenRouter:
				limit, err = e.fetchOpenRouterLimit(ctx, cfg.OpenRouter, mdl)
			case provider.Ollama:
				limit, err = e.fetchOllamaLimit(ctx, cfg.Ollama, mdl)
			case provider.Anthropic:
				limit, err = anthropicLimit(mdl)
			default:
				err = fmt.Errorf("unsupported provider")
			}
			if err != nil {
				item.Error = err.Error()
			} else {
				item.MaxContextTokens = limit
			}

			item.EstimatedTokens = EstimateTokens(history, targetID, prompt)
			if item.MaxContextTokens > 0 {
				remaining := item.MaxContextTokens - item.EstimatedTokens
				item.RemainingTokens = &remaining
				used := int(math.Round(float64(item.EstimatedTokens) * 100 / float64(item.MaxContextTokens)))
				if used < 0 {
					used = 0
				}
				item.UsedPercent = &used
			}
			out[i] = item
		}(i)
	}
	wg.Wait()
	return out
}

// EstimateTokens approximates the token cost of the target-filtered history
// plus a draft prompt at four characters per token, minimum one.
func EstimateTokens(history []model.Message, targetID, prompt string) int {
	chars := 0
	for _, m := range store.BuildTargetHistory(history, targetID) {
		chars += len(m.Content)
	}
	chars += len(prompt)
	if chars <= 0 {
		return 1
	}
	return int(math.Ceil(float64(chars) / 4.0))
}

func (e *Estimator) fetchOpenRouterLimit(ctx context.Context, cfg model.OpenRouterConfig, mdl string) (int, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	// Fast path: single model endpoint.
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models/"+url.PathEscape(mdl), nil); err == nil {
		if key := strings.TrimSpace(cfg.APIKey); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		if resp, err := e.http.Do(req); err == nil {
			if resp.StatusCode < 300 {
				var raw struct {
					Data struct {
						ContextLength any `json:"context_length"`
					} `json:"data"`
				}
				decErr := json.NewDecoder(resp.Body).Decode(&raw)
				resp.Body.Close()
				if decErr == nil {
					if n, ok := toInt(raw.Data.ContextLength); ok && n > 0 {
						return n, nil
					}
				}
			} else {
				resp.Body.Close()
			}
		}
	}

	// Fallback: scan the full model list by id.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return 0, err
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("openrouter %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var raw struct {
		Data []struct {
			ID            string `json:"id"`
			ContextLength any    `json:"context_length"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, err
	}
	want := strings.ToLower(mdl)
	for _, item := range raw.Data {
		if strings.ToLower(strings.TrimSpace(item.ID)) != want {
			continue
		}
		if n, ok := toInt(item.ContextLength); ok && n > 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("context length unavailable")
}

func (e *Estimator) fetchOllamaLimit(ctx context.Context, cfg model.OllamaConfig, mdl string) (int, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	body, _ := json.Marshal(map[string]string{"model": mdl})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("ollama %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var raw struct {
		ModelInfo map[string]any `json:"model_info"`
		Details   map[string]any `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, err
	}
	for k, v := range raw.ModelInfo {
		if strings.Contains(strings.ToLower(k), "context_length") {
			if n, ok := toInt(v); ok && n > 0 {
				return n, nil
			}
		}
	}
	for k, v := range raw.Details {
		if strings.Contains(strings.ToLower(k), "context") {
			if n, ok := toInt(v); ok && n > 0 {
				return n, nil
			}
		}
	}
	return 0, fmt.Errorf("context length unavailable")
}

// Anthropic publishes no model metadata endpoint; windows come from a static
// table.
func anthropicLimit(mdl string) (int, error) {
	switch {
	case strings.HasPrefix(mdl, "claude-3"), strings.HasPrefix(mdl, "claude-2.1"):
		return 200000, nil
	case strings.HasPrefix(mdl, "claude-2"), strings.HasPrefix(mdl, "claude-instant"):
		return 100000, nil
	default:
		return 0, fmt.Errorf("context length unavailable")
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
