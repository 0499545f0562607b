package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llm-mux/llm-mux/internal/model"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaAdapter streams chat responses from a local Ollama daemon. Ollama's
// /api/chat emits newline-delimited JSON objects terminated by "done":true;
// no Go SDK covers this, so the adapter reads the wire directly.
type OllamaAdapter struct {
	http *http.Client
}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter() *OllamaAdapter {
	return &OllamaAdapter{
		http: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Name returns the provider ID.
func (a *OllamaAdapter) Name() string { return Ollama }

// Stream posts to /api/chat with stream=true and emits one chunk event per
// NDJSON fragment.
func (a *OllamaAdapter) Stream(ctx context.Context, req StreamRequest, emit EmitFunc) error {
	baseURL := strings.TrimSpace(req.Config.Ollama.BaseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	body := map[string]any{
		"model":    req.Target.Model,
		"messages": buildMessages(req),
		"stream":   true,
	}
	if req.Target.Temperature != nil {
		body["options"] = map[string]any{"temperature": *req.Target.Temperature}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama error (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	targetID := req.Target.ID()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk struct {
			Done    bool `json:"done"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Done {
			break
		}
		if chunk.Message.Content == "" {
			continue
		}

		if err := emit(model.StreamEvent{
			TargetID: targetID,
			Provider: req.Target.Provider,
			Model:    req.Target.Model,
			Event:    model.EventChunk,
			Content:  chunk.Message.Content,
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
