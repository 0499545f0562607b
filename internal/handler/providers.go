package handler

import (
	"encoding/json"
	"net/http"

	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
)

// ProviderHandler serves the provider catalog and stored configuration.
type ProviderHandler struct {
	store *store.Store
}

// NewProviderHandler creates a new provider handler.
func NewProviderHandler(st *store.Store) *ProviderHandler {
	return &ProviderHandler{store: st}
}

// ProviderInfo describes one provider for the catalog.
type ProviderInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

// Catalog handles GET /api/providers
func (h *ProviderHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.GetConfig()
	writeJSON(w, http.StatusOK, map[string]any{"providers": []ProviderInfo{
		{ID: provider.OpenRouter, Name: "OpenRouter", Models: cfg.OpenRouter.Models},
		{ID: provider.Ollama, Name: "Ollama", Models: cfg.Ollama.Models},
		{ID: provider.Anthropic, Name: "Anthropic", Models: cfg.Anthropic.Models},
	}})
}

// GetConfig handles GET /api/config
func (h *ProviderHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.GetConfig())
}

// SetConfig handles PUT /api/config
func (h *ProviderHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.store.SetConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
