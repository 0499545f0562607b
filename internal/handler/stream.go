package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/llm-mux/llm-mux/internal/middleware"
	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/orchestrator"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
	"github.com/llm-mux/llm-mux/pkg/logger"
	"github.com/llm-mux/llm-mux/pkg/metrics"
)

// summarizePrompt is sent in place of the anchor message's content on
// summarize runs.
const summarizePrompt = "Summarize the conversation so far in a concise paragraph. Preserve key facts, decisions and open questions."

// StreamHandler handles the SSE streaming endpoints.
type StreamHandler struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	registry     provider.Registry
	logger       *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(st *store.Store, orch *orchestrator.Orchestrator, registry provider.Registry, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		store:        st,
		orchestrator: orch,
		registry:     registry,
		logger:       log,
	}
}

// ChatStreamRequest is the body of POST /api/chat/stream.
type ChatStreamRequest struct {
	ChatID  string               `json:"chatId"`
	Prompt  string               `json:"prompt"`
	Targets []model.Target       `json:"targets"`
	Config  model.ProviderConfig `json:"config"`
}

// RegenerateRequest is the body of POST /api/chats/{id}/regenerate.
type RegenerateRequest struct {
	MessageID string               `json:"messageId"`
	Targets   []model.Target       `json:"targets"`
	Config    model.ProviderConfig `json:"config"`
}

// SummarizeRequest is the body of POST /api/chats/{id}/summarize.
type SummarizeRequest struct {
	UserMessageID string               `json:"userMessageId"`
	Target        model.Target         `json:"target"`
	Config        model.ProviderConfig `json:"config"`
}

// Stream handles POST /api/chat/stream: append mode. The user prompt is
// persisted before streaming starts, outputs after the full drain.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req ChatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.ChatID = strings.TrimSpace(req.ChatID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := middleware.ValidateID(req.ChatID); err != nil {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}
	if err := middleware.ValidatePrompt(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := h.normalizeTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.store.GetChat(req.ChatID); !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	userMsg, err := h.store.AppendUserPrompt(req.ChatID, req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	h.run(w, r, orchestrator.Options{
		ChatID:        req.ChatID,
		UserMessageID: userMsg.ID,
		Targets:       targets,
		Config:        provider.MergeConfig(h.store.GetConfig(), req.Config),
		Mode:          orchestrator.ModeAppend,
	})
}

// Regenerate handles POST /api/chats/{id}/regenerate. An assistant messageId
// re-runs that one target in place; a user messageId re-runs the given
// targets, replacing each target's latest existing reply.
func (h *StreamHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")

	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := middleware.ValidateID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}

	chat, ok := h.store.GetChat(chatID)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	anchor, target, replaceID, err := resolveRegenerate(chat, req.MessageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := orchestrator.Options{
		ChatID:        chatID,
		UserMessageID: anchor,
		Config:        provider.MergeConfig(h.store.GetConfig(), req.Config),
	}
	if replaceID != "" {
		if _, ok := h.registry.Resolve(target.Provider); !ok {
			writeError(w, http.StatusBadRequest, "unsupported provider: "+target.Provider)
			return
		}
		opts.Mode = orchestrator.ModeReplaceOne
		opts.ReplaceMessageID = replaceID
		opts.Targets = []model.Target{target}
	} else {
		targets, err := h.normalizeTargets(req.Targets)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Mode = orchestrator.ModeReplacePerTarget
		opts.Targets = targets
	}

	h.run(w, r, opts)
}

// Summarize handles POST /api/chats/{id}/summarize: a single target whose
// output is committed as an always-included, non-scoped message.
func (h *StreamHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")

	var req SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := middleware.ValidateID(req.UserMessageID); err != nil {
		writeError(w, http.StatusBadRequest, "userMessageId is required")
		return
	}
	targets, err := h.normalizeTargets([]model.Target{req.Target})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.store.GetChat(chatID); !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	h.run(w, r, orchestrator.Options{
		ChatID:         chatID,
		UserMessageID:  req.UserMessageID,
		PromptOverride: summarizePrompt,
		Targets:        targets,
		Config:         provider.MergeConfig(h.store.GetConfig(), req.Config),
		Mode:           orchestrator.ModeAppend,
		Summary:        true,
	})
}

// run drives one orchestration over an SSE response.
func (h *StreamHandler) run(w http.ResponseWriter, r *http.Request, opts orchestrator.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	wrote := false
	err := h.orchestrator.Execute(r.Context(), opts, func(ev model.StreamEvent) error {
		wrote = true
		if ev.Event == model.EventDone {
			_, err := fmt.Fprint(w, "event: done\ndata: {\"event\":\"done\"}\n\n")
			flusher.Flush()
			return err
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		h.logger.Warn("run failed", zap.String("chat_id", opts.ChatID), zap.Error(err))
		// A plain error response is only possible while nothing has been
		// written; once an event went out the response is committed.
		if !wrote {
			writeError(w, http.StatusBadRequest, err.Error())
		}
	}
}

// resolveRegenerate maps a regenerate request onto the run anchor: for an
// assistant message, the preceding user message plus that message's own
// target; for a user message, the message itself.
func resolveRegenerate(chat model.Chat, messageID string) (anchorID string, target model.Target, replaceID string, err error) {
	idx := -1
	for i := range chat.Messages {
		if chat.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", model.Target{}, "", store.ErrMessageNotFound
	}

	msg := chat.Messages[idx]
	if msg.Role == model.RoleUser {
		return msg.ID, model.Target{}, "", nil
	}

	if msg.Provider == "" || msg.Model == "" {
		return "", model.Target{}, "", fmt.Errorf("message has no provider/model to regenerate")
	}
	for i := idx - 1; i >= 0; i-- {
		if chat.Messages[i].Role == model.RoleUser {
			return chat.Messages[i].ID, model.Target{Provider: msg.Provider, Model: msg.Model}, msg.ID, nil
		}
	}
	return "", model.Target{}, "", fmt.Errorf("no user message precedes %s", messageID)
}

// normalizeTargets trims and lowercases every target and rejects any provider
// the registry cannot resolve, so a bad target list fails before any
// persistence or streaming.
func (h *StreamHandler) normalizeTargets(targets []model.Target) ([]model.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	out := make([]model.Target, len(targets))
	for i, t := range targets {
		t.Provider = strings.ToLower(strings.TrimSpace(t.Provider))
		t.Model = strings.TrimSpace(t.Model)
		if t.Provider == "" || t.Model == "" {
			return nil, fmt.Errorf("each target needs provider and model")
		}
		if _, ok := h.registry.Resolve(t.Provider); !ok {
			return nil, fmt.Errorf("unsupported provider: %s", t.Provider)
		}
		out[i] = t
	}
	return out, nil
}
