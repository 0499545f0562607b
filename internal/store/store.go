// Package store owns chats, folders and provider configuration, with
// write-through JSON persistence and per-chat mutation locks.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llm-mux/llm-mux/internal/model"
)

// DefaultChatTitle is the title given to chats created without one.
const DefaultChatTitle = "New Chat"

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrFolderNotFound  = errors.New("folder not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrWrongRole       = errors.New("message has wrong role for this operation")
	ErrInvalidIndex    = errors.New("history index out of range")
	ErrInvalidInput    = errors.New("invalid input")
)

// data is the on-disk document.
type data struct {
	Config  model.ProviderConfig `json:"config"`
	Folders []model.Folder       `json:"folders"`
	Chats   []model.Chat         `json:"chats"`
}

// Store is the durable conversation store. All mutations are applied and
// flushed to disk before the chat's lock releases.
type Store struct {
	path string

	mu   sync.RWMutex // guards data and persistence
	data data

	lockMu    sync.Mutex
	chatLocks map[string]*sync.Mutex
}

// New opens the store at path, creating it with defaults when absent.
func New(path string) (*Store, error) {
	s := &Store{
		path:      path,
		chatLocks: make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ChatLock returns the exclusive lock serializing mutations and orchestration
// runs for one chat.
func (s *Store) ChatLock(chatID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.chatLocks[chatID] = l
	}
	return l
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			now := time.Now().UTC()
			s.data = data{
				Config: defaultProviderConfig(),
				Folders: []model.Folder{{
					ID:        newID(),
					Name:      "General",
					CreatedAt: now,
					UpdatedAt: now,
				}},
				Chats: []model.Chat{},
			}
			return s.persistLocked()
		}
		return err
	}

	if len(b) == 0 {
		s.data = data{Config: defaultProviderConfig()}
		return nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return fmt.Errorf("invalid state file %s: %w", s.path, err)
	}
	s.normalizeLocked()
	return nil
}

// normalizeLocked backfills defaults for state files written by older
// versions: provider base URLs, message inclusion, scope and single-entry
// version histories.
func (s *Store) normalizeLocked() {
	if len(s.data.Folders) == 0 {
		now := time.Now().UTC()
		s.data.Folders = []model.Folder{{ID: newID(), Name: "General", CreatedAt: now, UpdatedAt: now}}
	}
	def := defaultProviderConfig()
	if strings.TrimSpace(s.data.Config.OpenRouter.BaseURL) == "" {
		s.data.Config.OpenRouter.BaseURL = def.OpenRouter.BaseURL
	}
	if strings.TrimSpace(s.data.Config.Ollama.BaseURL) == "" {
		s.data.Config.Ollama.BaseURL = def.Ollama.BaseURL
	}
	if len(s.data.Config.OpenRouter.Models) == 0 {
		s.data.Config.OpenRouter.Models = def.OpenRouter.Models
	}
	if len(s.data.Config.Ollama.Models) == 0 {
		s.data.Config.Ollama.Models = def.Ollama.Models
	}
	if len(s.data.Config.Anthropic.Models) == 0 {
		s.data.Config.Anthropic.Models = def.Anthropic.Models
	}

	for i := range s.data.Chats {
		for j := range s.data.Chats[i].Messages {
			msg := &s.data.Chats[i].Messages[j]
			if msg.Inclusion == "" {
				if msg.Role == model.RoleAssistant {
					msg.Inclusion = model.InclusionModelOnly
				} else {
					msg.Inclusion = model.InclusionAlways
				}
			}
			if msg.Inclusion == model.InclusionModelOnly && strings.TrimSpace(msg.ScopeID) == "" {
				msg.ScopeID = msg.TargetID
			}
			if len(msg.History) == 0 {
				msg.History = []model.MessageVersion{{
					Content:   msg.Content,
					Provider:  msg.Provider,
					Model:     msg.Model,
					TargetID:  msg.TargetID,
					CreatedAt: msg.CreatedAt,
				}}
				msg.HistoryIndex = 0
			}
			if msg.HistoryIndex < 0 || msg.HistoryIndex >= len(msg.History) {
				msg.HistoryIndex = len(msg.History) - 1
			}
			msg.SyncFromHistory()
		}
	}
}

func (s *Store) persistLocked() error {
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(s.path, payload, 0o644)
}

func defaultProviderConfig() model.ProviderConfig {
	return model.ProviderConfig{
		OpenRouter: model.OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Models:  []string{"openai/gpt-4o-mini", "anthropic/claude-3.5-sonnet"},
		},
		Ollama: model.OllamaConfig{
			BaseURL: "http://localhost:11434",
			Models:  []string{"llama3.2:latest", "qwen2.5"},
		},
		Anthropic: model.AnthropicConfig{
			Models: []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022"},
		},
	}
}

// GetConfig returns the stored provider configuration.
func (s *Store) GetConfig() model.ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Config
}

// SetConfig replaces the stored provider configuration.
func (s *Store) SetConfig(cfg model.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Config = cfg
	return s.persistLocked()
}

// ListFolders returns folders ordered by most recent update.
func (s *Store) ListFolders() []model.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folders := append([]model.Folder(nil), s.data.Folders...)
	sort.Slice(folders, func(i, j int) bool { return folders[i].UpdatedAt.After(folders[j].UpdatedAt) })
	return folders
}

// CreateFolder creates a named folder.
func (s *Store) CreateFolder(name, systemPrompt string, temperature *float64) (model.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Folder{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	folder := model.Folder{
		ID:           newID(),
		Name:         name,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Folders = append(s.data.Folders, folder)
	if err := s.persistLocked(); err != nil {
		return model.Folder{}, err
	}
	return folder, nil
}

// UpdateFolder renames a folder and replaces its defaults.
func (s *Store) UpdateFolder(id, name, systemPrompt string, temperature *float64) (model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Folders {
		if s.data.Folders[i].ID != id {
			continue
		}
		if strings.TrimSpace(name) != "" {
			s.data.Folders[i].Name = strings.TrimSpace(name)
		}
		s.data.Folders[i].SystemPrompt = systemPrompt
		s.data.Folders[i].Temperature = temperature
		s.data.Folders[i].UpdatedAt = time.Now().UTC()
		if err := s.persistLocked(); err != nil {
			return model.Folder{}, err
		}
		return s.data.Folders[i], nil
	}
	return model.Folder{}, ErrFolderNotFound
}

// FindFolder looks up a folder by ID.
func (s *Store) FindFolder(id string) (model.Folder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.data.Folders {
		if f.ID == id {
			return f, true
		}
	}
	return model.Folder{}, false
}

// ListChats returns chats (without message bodies), newest first, optionally
// filtered by folder.
func (s *Store) ListChats(folderID string) []model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]model.Chat, 0)
	for _, c := range s.data.Chats {
		if folderID != "" && c.FolderID != folderID {
			continue
		}
		clone := c
		clone.Messages = nil
		chats = append(chats, clone)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].UpdatedAt.After(chats[j].UpdatedAt) })
	return chats
}

// CreateChat creates an empty chat in a folder.
func (s *Store) CreateChat(folderID, title string) (model.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultChatTitle
	}
	now := time.Now().UTC()
	chat := model.Chat{
		ID:        newID(),
		FolderID:  folderID,
		Title:     title,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.folderExistsLocked(folderID) {
		return model.Chat{}, ErrFolderNotFound
	}
	s.data.Chats = append(s.data.Chats, chat)
	if err := s.persistLocked(); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

// GetChat returns a value copy of a chat.
func (s *Store) GetChat(id string) (model.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.data.Chats {
		if c.ID == id {
			clone := c
			clone.Messages = cloneMessages(c.Messages)
			return clone, true
		}
	}
	return model.Chat{}, false
}

// UpdateChat renames a chat and/or moves it to another folder.
func (s *Store) UpdateChat(id, title, folderID string) (model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Chats {
		if s.data.Chats[i].ID != id {
			continue
		}
		if strings.TrimSpace(folderID) != "" && folderID != s.data.Chats[i].FolderID {
			if !s.folderExistsLocked(folderID) {
				return model.Chat{}, ErrFolderNotFound
			}
			s.data.Chats[i].FolderID = folderID
		}
		if strings.TrimSpace(title) != "" {
			s.data.Chats[i].Title = strings.TrimSpace(title)
		}
		s.data.Chats[i].UpdatedAt = time.Now().UTC()
		if err := s.persistLocked(); err != nil {
			return model.Chat{}, err
		}
		return s.data.Chats[i], nil
	}
	return model.Chat{}, ErrChatNotFound
}

func (s *Store) chatIndexLocked(chatID string) int {
	for i := range s.data.Chats {
		if s.data.Chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (s *Store) folderExistsLocked(folderID string) bool {
	for i := range s.data.Folders {
		if s.data.Folders[i].ID == folderID {
			return true
		}
	}
	return false
}

func (s *Store) touchFolderLocked(folderID string) {
	for i := range s.data.Folders {
		if s.data.Folders[i].ID == folderID {
			s.data.Folders[i].UpdatedAt = time.Now().UTC()
			return
		}
	}
}

func cloneMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].History = append([]model.MessageVersion(nil), out[i].History...)
	}
	return out
}

// DeriveTitle truncates a prompt into a chat title.
func DeriveTitle(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return DefaultChatTitle
	}
	runes := []rune(prompt)
	if len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return prompt
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
