package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/llm-mux/llm-mux/internal/model"
)

// AppendUserPrompt appends a user message with a single-entry history. The
// first prompt of a chat that still carries the default title derives the
// chat's title from the prompt.
func (s *Store) AppendUserPrompt(chatID, prompt string) (model.Message, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return model.Message{}, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}

	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return model.Message{}, ErrChatNotFound
	}

	now := time.Now().UTC()
	msg := model.Message{
		ID:        newID(),
		Role:      model.RoleUser,
		Content:   prompt,
		Inclusion: model.InclusionAlways,
		History: []model.MessageVersion{{
			Content:   prompt,
			CreatedAt: now,
		}},
		HistoryIndex: 0,
		CreatedAt:    now,
	}
	s.data.Chats[i].Messages = append(s.data.Chats[i].Messages, msg)
	if len(s.data.Chats[i].Messages) == 1 && strings.TrimSpace(s.data.Chats[i].Title) == DefaultChatTitle {
		s.data.Chats[i].Title = DeriveTitle(prompt)
	}
	s.data.Chats[i].UpdatedAt = now
	s.touchFolderLocked(s.data.Chats[i].FolderID)
	if err := s.persistLocked(); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// AssistantOutput is one finished stream's result to be appended as a new
// assistant message.
type AssistantOutput struct {
	TargetID string
	Provider string
	Model    string
	Content  string

	// Inclusion overrides the model_only default when set (summaries are
	// committed as always-included with no scope).
	Inclusion model.Inclusion
	ScopeID   string
}

// AppendAssistantOutputs appends one assistant message per non-empty output,
// each with a one-entry history and default inclusion model_only scoped to
// its own target.
func (s *Store) AppendAssistantOutputs(chatID string, outputs []AssistantOutput) ([]model.Message, error) {
	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return nil, ErrChatNotFound
	}

	now := time.Now().UTC()
	appended := make([]model.Message, 0, len(outputs))
	for _, out := range outputs {
		if strings.TrimSpace(out.Content) == "" {
			continue
		}
		inclusion := out.Inclusion
		if inclusion == "" {
			inclusion = model.InclusionModelOnly
		}
		scope := out.ScopeID
		if inclusion == model.InclusionModelOnly && strings.TrimSpace(scope) == "" {
			scope = out.TargetID
		}
		if inclusion != model.InclusionModelOnly {
			scope = ""
		}
		msg := model.Message{
			ID:        newID(),
			Role:      model.RoleAssistant,
			Content:   out.Content,
			Provider:  out.Provider,
			Model:     out.Model,
			TargetID:  out.TargetID,
			Inclusion: inclusion,
			ScopeID:   scope,
			History: []model.MessageVersion{{
				Content:   out.Content,
				Provider:  out.Provider,
				Model:     out.Model,
				TargetID:  out.TargetID,
				CreatedAt: now,
			}},
			HistoryIndex: 0,
			CreatedAt:    now,
		}
		s.data.Chats[i].Messages = append(s.data.Chats[i].Messages, msg)
		appended = append(appended, msg)
	}
	if len(appended) == 0 {
		return nil, nil
	}

	s.data.Chats[i].UpdatedAt = now
	s.touchFolderLocked(s.data.Chats[i].FolderID)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return appended, nil
}

// ReplaceMessage appends a new version onto an existing assistant message,
// keeping its id, and makes the new version current.
func (s *Store) ReplaceMessage(chatID, messageID string, replacement model.MessageVersion) (model.Message, error) {
	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return model.Message{}, ErrChatNotFound
	}
	msg := findMessage(s.data.Chats[i].Messages, messageID)
	if msg == nil {
		return model.Message{}, ErrMessageNotFound
	}
	if msg.Role != model.RoleAssistant {
		return model.Message{}, fmt.Errorf("%w: replace requires an assistant message", ErrWrongRole)
	}

	now := time.Now().UTC()
	replacement.CreatedAt = now
	msg.History = append(msg.History, replacement)
	msg.HistoryIndex = len(msg.History) - 1
	msg.CreatedAt = now
	msg.SyncFromHistory()

	s.data.Chats[i].UpdatedAt = now
	s.touchFolderLocked(s.data.Chats[i].FolderID)
	if err := s.persistLocked(); err != nil {
		return model.Message{}, err
	}
	return *msg, nil
}

// EditUserMessageInPlace appends a new version to a user message and truncates
// the chat so it ends at that message. Every later message, including all
// assistant replies, is discarded.
func (s *Store) EditUserMessageInPlace(chatID, messageID, newContent string) (model.Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return model.Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return model.Message{}, ErrChatNotFound
	}
	j := indexOfMessage(s.data.Chats[i].Messages, messageID)
	if j < 0 {
		return model.Message{}, ErrMessageNotFound
	}
	msg := &s.data.Chats[i].Messages[j]
	if msg.Role != model.RoleUser {
		return model.Message{}, fmt.Errorf("%w: edit requires a user message", ErrWrongRole)
	}

	now := time.Now().UTC()
	msg.History = append(msg.History, model.MessageVersion{Content: newContent, CreatedAt: now})
	msg.HistoryIndex = len(msg.History) - 1
	msg.SyncFromHistory()

	s.data.Chats[i].Messages = s.data.Chats[i].Messages[:j+1]
	s.data.Chats[i].UpdatedAt = now
	s.touchFolderLocked(s.data.Chats[i].FolderID)
	if err := s.persistLocked(); err != nil {
		return model.Message{}, err
	}
	return *msg, nil
}

// SetHistoryIndex changes which version of a message is current. No new
// version is created.
func (s *Store) SetHistoryIndex(chatID, messageID string, index int) (model.Message, error) {
	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return model.Message{}, ErrChatNotFound
	}
	msg := findMessage(s.data.Chats[i].Messages, messageID)
	if msg == nil {
		return model.Message{}, ErrMessageNotFound
	}
	if index < 0 || index >= len(msg.History) {
		return model.Message{}, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidIndex, index, len(msg.History))
	}

	msg.HistoryIndex = index
	msg.SyncFromHistory()
	s.data.Chats[i].UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		return model.Message{}, err
	}
	return *msg, nil
}

// ForkChatFromMessage creates a new chat holding a value copy of the source
// chat's messages up to and including messageID. Later mutation of the source
// never affects the fork.
func (s *Store) ForkChatFromMessage(chatID, messageID string) (model.Chat, error) {
	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return model.Chat{}, ErrChatNotFound
	}
	j := indexOfMessage(s.data.Chats[i].Messages, messageID)
	if j < 0 {
		return model.Chat{}, ErrMessageNotFound
	}

	src := s.data.Chats[i]
	now := time.Now().UTC()
	fork := model.Chat{
		ID:        newID(),
		FolderID:  src.FolderID,
		Title:     DeriveTitle(src.Title + " (fork)"),
		Messages:  cloneMessages(src.Messages[:j+1]),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Chats = append(s.data.Chats, fork)
	s.touchFolderLocked(fork.FolderID)
	if err := s.persistLocked(); err != nil {
		return model.Chat{}, err
	}
	return fork, nil
}

// UpdateMessageInclusion sets a message's inclusion policy. For model_only the
// scope defaults to the message's own target; other policies clear the scope.
func (s *Store) UpdateMessageInclusion(chatID, messageID string, inclusion model.Inclusion, scopeID string) (model.Message, error) {
	if model.ParseInclusion(string(inclusion)) == "" {
		return model.Message{}, fmt.Errorf("%w: invalid inclusion %q", ErrInvalidInput, inclusion)
	}

	lock := s.ChatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.chatIndexLocked(chatID)
	if i < 0 {
		return model.Message{}, ErrChatNotFound
	}
	msg := findMessage(s.data.Chats[i].Messages, messageID)
	if msg == nil {
		return model.Message{}, ErrMessageNotFound
	}

	msg.Inclusion = inclusion
	if inclusion == model.InclusionModelOnly {
		if strings.TrimSpace(scopeID) != "" {
			msg.ScopeID = scopeID
		} else {
			msg.ScopeID = msg.TargetID
		}
	} else {
		msg.ScopeID = ""
	}
	s.data.Chats[i].UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		return model.Message{}, err
	}
	return *msg, nil
}

func findMessage(msgs []model.Message, id string) *model.Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i]
		}
	}
	return nil
}

func indexOfMessage(msgs []model.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
