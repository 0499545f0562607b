package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-mux/llm-mux/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func newTestChat(t *testing.T, s *Store) model.Chat {
	t.Helper()
	folders := s.ListFolders()
	require.NotEmpty(t, folders)
	chat, err := s.CreateChat(folders[0].ID, "")
	require.NoError(t, err)
	return chat
}

func TestAppendUserPrompt(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	msg, err := s.AppendUserPrompt(chat.ID, "Hello there")
	require.NoError(t, err)

	assert.Equal(t, model.RoleUser, msg.Role)
	assert.Equal(t, "Hello there", msg.Content)
	assert.Equal(t, model.InclusionAlways, msg.Inclusion)
	require.Len(t, msg.History, 1)
	assert.Equal(t, 0, msg.HistoryIndex)

	got, ok := s.GetChat(chat.ID)
	require.True(t, ok)
	assert.Equal(t, "Hello there", got.Title)
	require.Len(t, got.Messages, 1)
}

func TestAppendUserPrompt_TitleTruncation(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	long := strings.Repeat("x", 60)
	_, err := s.AppendUserPrompt(chat.ID, long)
	require.NoError(t, err)

	got, _ := s.GetChat(chat.ID)
	assert.Equal(t, strings.Repeat("x", 40)+"...", got.Title)
}

func TestAppendUserPrompt_KeepsCustomTitle(t *testing.T) {
	s := newTestStore(t)
	folders := s.ListFolders()
	chat, err := s.CreateChat(folders[0].ID, "My Research")
	require.NoError(t, err)

	_, err = s.AppendUserPrompt(chat.ID, "Hello")
	require.NoError(t, err)

	got, _ := s.GetChat(chat.ID)
	assert.Equal(t, "My Research", got.Title)
}

func TestAppendUserPrompt_Validation(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	_, err := s.AppendUserPrompt(chat.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.AppendUserPrompt("missing", "hi")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestAppendAssistantOutputs(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	appended, err := s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "openrouter:gpt-4o-mini", Provider: "openrouter", Model: "gpt-4o-mini", Content: "hi from a"},
		{TargetID: "ollama:llama3.2", Provider: "ollama", Model: "llama3.2", Content: ""},
		{TargetID: "ollama:qwen2.5", Provider: "ollama", Model: "qwen2.5", Content: "hi from c"},
	})
	require.NoError(t, err)
	require.Len(t, appended, 2) // empty output skipped

	first := appended[0]
	assert.Equal(t, model.RoleAssistant, first.Role)
	assert.Equal(t, model.InclusionModelOnly, first.Inclusion)
	assert.Equal(t, "openrouter:gpt-4o-mini", first.ScopeID)
	require.Len(t, first.History, 1)

	got, _ := s.GetChat(chat.ID)
	assert.Len(t, got.Messages, 2)
}

func TestAppendAssistantOutputs_SummaryInclusion(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	appended, err := s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "ollama:llama3.2", Provider: "ollama", Model: "llama3.2", Content: "summary text", Inclusion: model.InclusionAlways},
	})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, model.InclusionAlways, appended[0].Inclusion)
	assert.Empty(t, appended[0].ScopeID)
}

func TestReplaceMessage(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	appended, err := s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "a:1", Provider: "a", Model: "1", Content: "first"},
	})
	require.NoError(t, err)
	msgID := appended[0].ID

	replaced, err := s.ReplaceMessage(chat.ID, msgID, model.MessageVersion{
		Content: "second", Provider: "a", Model: "1", TargetID: "a:1",
	})
	require.NoError(t, err)

	assert.Equal(t, msgID, replaced.ID)
	require.Len(t, replaced.History, 2)
	assert.Equal(t, 1, replaced.HistoryIndex)
	assert.Equal(t, "second", replaced.Content)
	assert.Equal(t, "first", replaced.History[0].Content)
}

func TestReplaceMessage_RequiresAssistant(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	userMsg, err := s.AppendUserPrompt(chat.ID, "hello")
	require.NoError(t, err)

	_, err = s.ReplaceMessage(chat.ID, userMsg.ID, model.MessageVersion{Content: "x"})
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestEditUserMessageInPlace_Truncates(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	first, err := s.AppendUserPrompt(chat.ID, "first question")
	require.NoError(t, err)
	_, err = s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "a:1", Provider: "a", Model: "1", Content: "reply one"},
	})
	require.NoError(t, err)
	_, err = s.AppendUserPrompt(chat.ID, "second question")
	require.NoError(t, err)

	edited, err := s.EditUserMessageInPlace(chat.ID, first.ID, "edited question")
	require.NoError(t, err)

	require.Len(t, edited.History, 2)
	assert.Equal(t, 1, edited.HistoryIndex)
	assert.Equal(t, "edited question", edited.Content)

	got, _ := s.GetChat(chat.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, first.ID, got.Messages[0].ID)

	// Reload from disk: truncation persisted.
	reloaded, err := New(s.path)
	require.NoError(t, err)
	gotReloaded, ok := reloaded.GetChat(chat.ID)
	require.True(t, ok)
	assert.Len(t, gotReloaded.Messages, 1)
	assert.Len(t, gotReloaded.Messages[0].History, 2)
}

func TestSetHistoryIndex(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	appended, err := s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "a:1", Provider: "a", Model: "1", Content: "v0"},
	})
	require.NoError(t, err)
	msgID := appended[0].ID

	_, err = s.ReplaceMessage(chat.ID, msgID, model.MessageVersion{Content: "v1", Provider: "a", Model: "1", TargetID: "a:1"})
	require.NoError(t, err)

	msg, err := s.SetHistoryIndex(chat.ID, msgID, 0)
	require.NoError(t, err)
	assert.Equal(t, "v0", msg.Content)
	assert.Len(t, msg.History, 2) // no new version

	_, err = s.SetHistoryIndex(chat.ID, msgID, 5)
	assert.ErrorIs(t, err, ErrInvalidIndex)
	_, err = s.SetHistoryIndex(chat.ID, msgID, -1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestForkChatFromMessage(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	first, err := s.AppendUserPrompt(chat.ID, "q1")
	require.NoError(t, err)
	_, err = s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "a:1", Provider: "a", Model: "1", Content: "r1"},
	})
	require.NoError(t, err)
	_, err = s.AppendUserPrompt(chat.ID, "q2")
	require.NoError(t, err)

	fork, err := s.ForkChatFromMessage(chat.ID, first.ID)
	require.NoError(t, err)
	assert.Len(t, fork.Messages, 1)
	assert.NotEqual(t, chat.ID, fork.ID)

	// Mutating the source does not affect the fork.
	_, err = s.EditUserMessageInPlace(chat.ID, first.ID, "mutated")
	require.NoError(t, err)

	got, ok := s.GetChat(fork.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "q1", got.Messages[0].Content)
}

func TestUpdateMessageInclusion(t *testing.T) {
	s := newTestStore(t)
	chat := newTestChat(t, s)

	appended, err := s.AppendAssistantOutputs(chat.ID, []AssistantOutput{
		{TargetID: "a:1", Provider: "a", Model: "1", Content: "r"},
	})
	require.NoError(t, err)
	msgID := appended[0].ID

	msg, err := s.UpdateMessageInclusion(chat.ID, msgID, model.InclusionAlways, "")
	require.NoError(t, err)
	assert.Equal(t, model.InclusionAlways, msg.Inclusion)
	assert.Empty(t, msg.ScopeID)

	msg, err = s.UpdateMessageInclusion(chat.ID, msgID, model.InclusionModelOnly, "")
	require.NoError(t, err)
	assert.Equal(t, "a:1", msg.ScopeID) // defaults to own target

	msg, err = s.UpdateMessageInclusion(chat.ID, msgID, model.InclusionModelOnly, "b:2")
	require.NoError(t, err)
	assert.Equal(t, "b:2", msg.ScopeID)

	_, err = s.UpdateMessageInclusion(chat.ID, msgID, "bogus", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoad_NormalizesLegacyState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	// State written by a version before inclusion and version histories.
	legacy := `{
		"config": {},
		"folders": [{"id": "f1", "name": "General"}],
		"chats": [{
			"id": "c1",
			"folderId": "f1",
			"title": "Old chat",
			"messages": [
				{"id": "m1", "role": "user", "content": "hi"},
				{"id": "m2", "role": "assistant", "content": "hello", "targetId": "a:1", "provider": "a", "model": "1"}
			]
		}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s, err := New(path)
	require.NoError(t, err)

	chat, ok := s.GetChat("c1")
	require.True(t, ok)
	require.Len(t, chat.Messages, 2)

	user := chat.Messages[0]
	assert.Equal(t, model.InclusionAlways, user.Inclusion)
	require.Len(t, user.History, 1)
	assert.Equal(t, "hi", user.History[0].Content)

	asst := chat.Messages[1]
	assert.Equal(t, model.InclusionModelOnly, asst.Inclusion)
	assert.Equal(t, "a:1", asst.ScopeID)
	require.Len(t, asst.History, 1)
	assert.Equal(t, "a:1", asst.History[0].TargetID)
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := New(path)
	require.NoError(t, err)
	chat := newTestChat(t, s)
	_, err = s.AppendUserPrompt(chat.ID, "persist me")
	require.NoError(t, err)

	reloaded, err := New(path)
	require.NoError(t, err)
	got, ok := reloaded.GetChat(chat.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "persist me", got.Messages[0].Content)
}
