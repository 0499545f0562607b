package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ValidatePrompt validates a user prompt before any persistence or streaming.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(prompt) > 100000 { // ~100KB limit
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateID checks a chat/message/folder identifier.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if len(id) > 128 {
		return errors.New("id exceeds maximum length")
	}
	return nil
}
