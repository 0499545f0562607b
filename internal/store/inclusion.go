package store

import (
	"strings"

	"github.com/llm-mux/llm-mux/internal/model"
)

// Included reports whether a message belongs in the history sent to targetID.
// Pure and total over every inclusion value, including unset legacy messages.
func Included(msg model.Message, targetID string) bool {
	switch msg.Inclusion {
	case model.InclusionDontInclude:
		return false
	case model.InclusionAlways:
		return true
	case model.InclusionModelOnly:
		scope := strings.TrimSpace(msg.ScopeID)
		if scope == "" {
			scope = strings.TrimSpace(msg.TargetID)
		}
		if scope == "" {
			return true
		}
		return scope == targetID
	default:
		// Legacy messages written before inclusion existed: assistant replies
		// stay private to their own target, everything else is shared.
		if msg.Role == model.RoleAssistant {
			scope := strings.TrimSpace(msg.TargetID)
			if scope == "" {
				return false
			}
			return scope == targetID
		}
		return true
	}
}

// BuildTargetHistory filters a chat's messages down to the history visible to
// one target, skipping blank entries.
func BuildTargetHistory(messages []model.Message, targetID string) []model.HistoryMessage {
	history := make([]model.HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" || strings.TrimSpace(string(msg.Role)) == "" {
			continue
		}
		if !Included(msg, targetID) {
			continue
		}
		history = append(history, model.HistoryMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return history
}
