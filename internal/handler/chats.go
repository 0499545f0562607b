package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/store"
	"github.com/llm-mux/llm-mux/pkg/logger"
)

// ChatHandler handles chat and message endpoints.
type ChatHandler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(st *store.Store, log *logger.Logger) *ChatHandler {
	return &ChatHandler{store: st, logger: log}
}

// CreateChatRequest is the body of POST /api/chats.
type CreateChatRequest struct {
	FolderID string `json:"folderId"`
	Title    string `json:"title"`
}

// UpdateChatRequest is the body of PATCH /api/chats/{id}.
type UpdateChatRequest struct {
	FolderID string `json:"folderId"`
	Title    string `json:"title"`
}

// UpdateMessageRequest is the body of PATCH /api/chats/{id}/messages/{messageID}.
type UpdateMessageRequest struct {
	Inclusion string `json:"inclusion"`
	ScopeID   string `json:"scopeId,omitempty"`
}

// HistoryIndexRequest is the body of PATCH /api/chats/{id}/messages/{messageID}/history.
type HistoryIndexRequest struct {
	Index int `json:"index"`
}

// EditMessageRequest is the body of POST /api/chats/{id}/messages/{messageID}/edit.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ForkRequest is the body of POST /api/chats/{id}/fork.
type ForkRequest struct {
	MessageID string `json:"messageId"`
}

// List handles GET /api/chats?folderId=...
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	folderID := r.URL.Query().Get("folderId")
	writeJSON(w, http.StatusOK, map[string]any{"chats": h.store.ListChats(folderID)})
}

// Create handles POST /api/chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	chat, err := h.store.CreateChat(req.FolderID, req.Title)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

// Get handles GET /api/chats/{id}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.store.GetChat(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// Update handles PATCH /api/chats/{id}
func (h *ChatHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	chat, err := h.store.UpdateChat(chi.URLParam(r, "id"), req.Title, req.FolderID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// Fork handles POST /api/chats/{id}/fork
func (h *ChatHandler) Fork(w http.ResponseWriter, r *http.Request) {
	var req ForkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	fork, err := h.store.ForkChatFromMessage(chi.URLParam(r, "id"), req.MessageID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fork)
}

// UpdateMessage handles PATCH /api/chats/{id}/messages/{messageID}
func (h *ChatHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	var req UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inclusion := model.ParseInclusion(req.Inclusion)
	if inclusion == "" {
		writeError(w, http.StatusBadRequest, "invalid inclusion")
		return
	}
	msg, err := h.store.UpdateMessageInclusion(chi.URLParam(r, "id"), chi.URLParam(r, "messageID"), inclusion, req.ScopeID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// SetHistoryIndex handles PATCH /api/chats/{id}/messages/{messageID}/history
func (h *ChatHandler) SetHistoryIndex(w http.ResponseWriter, r *http.Request) {
	var req HistoryIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, err := h.store.SetHistoryIndex(chi.URLParam(r, "id"), chi.URLParam(r, "messageID"), req.Index)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// EditMessage handles POST /api/chats/{id}/messages/{messageID}/edit. Editing
// a user message truncates everything after it.
func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, err := h.store.EditUserMessageInPlace(chi.URLParam(r, "id"), chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrChatNotFound),
		errors.Is(err, store.ErrFolderNotFound),
		errors.Is(err, store.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
