// Package model defines data structures for the LLM mux backend.
package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Inclusion controls whether a message is sent as history to a target.
type Inclusion string

const (
	// InclusionAlways includes the message in every target's history.
	InclusionAlways Inclusion = "always"
	// InclusionModelOnly restricts the message to the target named by ScopeID.
	InclusionModelOnly Inclusion = "model_only"
	// InclusionDontInclude hides the message from all targets.
	InclusionDontInclude Inclusion = "dont_include"
)

// ParseInclusion normalizes an inclusion string, returning "" when invalid.
func ParseInclusion(v string) Inclusion {
	switch Inclusion(v) {
	case InclusionAlways, InclusionModelOnly, InclusionDontInclude:
		return Inclusion(v)
	default:
		return ""
	}
}

// MessageVersion is an immutable snapshot of a message's content and
// attribution at one point in time.
type MessageVersion struct {
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	TargetID  string    `json:"targetId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one entry in a chat. Content, Provider, Model and TargetID
// always mirror History[HistoryIndex].
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	TargetID  string    `json:"targetId,omitempty"`
	Inclusion Inclusion `json:"inclusion,omitempty"`
	ScopeID   string    `json:"scopeId,omitempty"`

	History      []MessageVersion `json:"history"`
	HistoryIndex int              `json:"historyIndex"`

	CreatedAt time.Time `json:"createdAt"`
}

// CurrentVersion returns the version selected by HistoryIndex.
func (m *Message) CurrentVersion() MessageVersion {
	if m.HistoryIndex < 0 || m.HistoryIndex >= len(m.History) {
		return MessageVersion{Content: m.Content, Provider: m.Provider, Model: m.Model, TargetID: m.TargetID, CreatedAt: m.CreatedAt}
	}
	return m.History[m.HistoryIndex]
}

// SyncFromHistory copies the current version's fields onto the message.
func (m *Message) SyncFromHistory() {
	v := m.CurrentVersion()
	m.Content = v.Content
	m.Provider = v.Provider
	m.Model = v.Model
	m.TargetID = v.TargetID
}

// Chat is an ordered conversation thread inside a folder.
type Chat struct {
	ID        string    `json:"id"`
	FolderID  string    `json:"folderId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Folder groups chats and supplies per-target defaults.
type Folder struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"systemPrompt"`
	Temperature  *float64  `json:"temperature,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
