package handler

import (
	"encoding/json"
	"net/http"

	"github.com/llm-mux/llm-mux/internal/contextlimit"
	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
)

// LimitsHandler serves context budget estimates.
type LimitsHandler struct {
	store     *store.Store
	estimator *contextlimit.Estimator
}

// NewLimitsHandler creates a new limits handler.
func NewLimitsHandler(st *store.Store, est *contextlimit.Estimator) *LimitsHandler {
	return &LimitsHandler{store: st, estimator: est}
}

// ContextLimitsRequest is the body of POST /api/context-limits.
type ContextLimitsRequest struct {
	Targets []model.Target       `json:"targets"`
	Config  model.ProviderConfig `json:"config"`
	ChatID  string               `json:"chatId,omitempty"`
	Prompt  string               `json:"prompt,omitempty"`
}

// ContextLimitsResponse is the aggregate response.
type ContextLimitsResponse struct {
	Limits []contextlimit.Limit `json:"limits"`
}

// Resolve handles POST /api/context-limits
func (h *LimitsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ContextLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one target is required")
		return
	}

	var history []model.Message
	if req.ChatID != "" {
		if chat, ok := h.store.GetChat(req.ChatID); ok {
			history = chat.Messages
		}
	}

	cfg := provider.MergeConfig(h.store.GetConfig(), req.Config)
	limits := h.estimator.Resolve(r.Context(), req.Targets, cfg, history, req.Prompt)
	writeJSON(w, http.StatusOK, ContextLimitsResponse{Limits: limits})
}
