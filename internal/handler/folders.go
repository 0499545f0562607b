package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llm-mux/llm-mux/internal/store"
	"github.com/llm-mux/llm-mux/pkg/logger"
)

// FolderHandler handles folder endpoints.
type FolderHandler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewFolderHandler creates a new folder handler.
func NewFolderHandler(st *store.Store, log *logger.Logger) *FolderHandler {
	return &FolderHandler{store: st, logger: log}
}

// FolderRequest is the body of POST /api/folders and PATCH /api/folders/{id}.
type FolderRequest struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// List handles GET /api/folders
func (h *FolderHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"folders": h.store.ListFolders()})
}

// Create handles POST /api/folders
func (h *FolderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	folder, err := h.store.CreateFolder(req.Name, req.SystemPrompt, req.Temperature)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

// Update handles PATCH /api/folders/{id}
func (h *FolderHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	folder, err := h.store.UpdateFolder(chi.URLParam(r, "id"), req.Name, req.SystemPrompt, req.Temperature)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}
