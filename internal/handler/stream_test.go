package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/orchestrator"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
	"github.com/llm-mux/llm-mux/pkg/logger"
)

// cannedAdapter replays fixed chunks for any request.
type cannedAdapter struct {
	name   string
	chunks []string
}

func (c *cannedAdapter) Name() string { return c.name }

func (c *cannedAdapter) Stream(ctx context.Context, req provider.StreamRequest, emit provider.EmitFunc) error {
	for _, chunk := range c.chunks {
		if err := emit(model.StreamEvent{
			TargetID: req.Target.ID(),
			Provider: req.Target.Provider,
			Model:    req.Target.Model,
			Event:    model.EventChunk,
			Content:  chunk,
		}); err != nil {
			return err
		}
	}
	return nil
}

type testAPI struct {
	store  *store.Store
	router *chi.Mux
}

func newTestAPI(t *testing.T, registry provider.Registry) *testAPI {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	log := logger.NewNop()
	orch := orchestrator.New(st, registry, log)
	streams := NewStreamHandler(st, orch, registry, log)
	chats := NewChatHandler(st, log)

	r := chi.NewRouter()
	r.Post("/api/chat/stream", streams.Stream)
	r.Route("/api/chats", func(r chi.Router) {
		r.Post("/", chats.Create)
		r.Get("/{id}", chats.Get)
		r.Post("/{id}/regenerate", streams.Regenerate)
		r.Post("/{id}/summarize", streams.Summarize)
		r.Post("/{id}/fork", chats.Fork)
		r.Patch("/{id}/messages/{messageID}", chats.UpdateMessage)
		r.Patch("/{id}/messages/{messageID}/history", chats.SetHistoryIndex)
		r.Post("/{id}/messages/{messageID}/edit", chats.EditMessage)
	})

	return &testAPI{store: st, router: r}
}

func (a *testAPI) newChat(t *testing.T) model.Chat {
	t.Helper()
	folders := a.store.ListFolders()
	require.NotEmpty(t, folders)
	chat, err := a.store.CreateChat(folders[0].ID, "")
	require.NoError(t, err)
	return chat
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// sseEvents parses the "event:"/"data:" frames out of a recorded SSE body.
func sseEvents(t *testing.T, body string) []model.StreamEvent {
	t.Helper()
	var out []model.StreamEvent
	for _, frame := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev model.StreamEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			out = append(out, ev)
		}
	}
	return out
}

func TestStreamEndpoint(t *testing.T) {
	registry := provider.Registry{"fake": &cannedAdapter{name: "fake", chunks: []string{"Hello", " world"}}}
	api := newTestAPI(t, registry)
	chat := api.newChat(t)

	rec := api.do(t, http.MethodPost, "/api/chat/stream", ChatStreamRequest{
		ChatID:  chat.ID,
		Prompt:  "say hello",
		Targets: []model.Target{{Provider: "fake", Model: "m1"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: message\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {\"event\":\"done\"}\n\n"))

	events := sseEvents(t, body)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventStart, events[0].Event)
	assert.Equal(t, model.EventDone, events[len(events)-1].Event)

	var content strings.Builder
	for _, ev := range events {
		if ev.Event == model.EventChunk {
			content.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "Hello world", content.String())

	// Prompt and output are both persisted.
	got, ok := api.store.GetChat(chat.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "say hello", got.Messages[0].Content)
	assert.Equal(t, "Hello world", got.Messages[1].Content)
	assert.Equal(t, "say hello", got.Title)
}

func TestStreamEndpoint_Validation(t *testing.T) {
	api := newTestAPI(t, provider.Registry{"fake": &cannedAdapter{name: "fake"}})
	chat := api.newChat(t)

	rec := api.do(t, http.MethodPost, "/api/chat/stream", ChatStreamRequest{
		ChatID:  chat.ID,
		Prompt:  "   ",
		Targets: []model.Target{{Provider: "fake", Model: "m1"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/chat/stream", ChatStreamRequest{
		ChatID:  chat.ID,
		Prompt:  "hi",
		Targets: nil,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/chat/stream", ChatStreamRequest{
		ChatID:  "no-such-chat",
		Prompt:  "hi",
		Targets: []model.Target{{Provider: "fake", Model: "m1"}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Nothing was persisted by the rejected requests.
	got, _ := api.store.GetChat(chat.ID)
	assert.Empty(t, got.Messages)
}

func TestStreamEndpoint_UnknownProviderRejectedBeforePersistence(t *testing.T) {
	registry := provider.Registry{"fake": &cannedAdapter{name: "fake", chunks: []string{"never sent"}}}
	api := newTestAPI(t, registry)
	chat := api.newChat(t)

	rec := api.do(t, http.MethodPost, "/api/chat/stream", ChatStreamRequest{
		ChatID: chat.ID,
		Prompt: "hello",
		Targets: []model.Target{
			{Provider: "fake", Model: "m1"},
			{Provider: "unknown", Model: "m2"},
		},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported provider: unknown")
	assert.NotContains(t, rec.Body.String(), "event:")

	// The rejected request left no state behind: no prompt, no outputs.
	got, ok := api.store.GetChat(chat.ID)
	require.True(t, ok)
	assert.Empty(t, got.Messages)
}

// brokenPipeWriter lets a fixed number of writes through and then fails,
// simulating a client that disconnects mid-stream.
type brokenPipeWriter struct {
	*httptest.ResponseRecorder
	allow  int
	writes int

	statusCalls []int
}

func (b *brokenPipeWriter) Write(p []byte) (int, error) {
	b.writes++
	if b.writes > b.allow {
		return 0, errors.New("broken pipe")
	}
	return b.ResponseRecorder.Write(p)
}

func (b *brokenPipeWriter) WriteHeader(code int) {
	b.statusCalls = append(b.statusCalls, code)
	b.ResponseRecorder.WriteHeader(code)
}

func TestStreamEndpoint_NoErrorBodyAfterEventsSent(t *testing.T) {
	registry := provider.Registry{"fake": &cannedAdapter{name: "fake", chunks: []string{"hi"}}}
	api := newTestAPI(t, registry)
	chat := api.newChat(t)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(ChatStreamRequest{
		ChatID:  chat.ID,
		Prompt:  "hello",
		Targets: []model.Target{{Provider: "fake", Model: "m1"}},
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", &buf)
	req.Header.Set("Content-Type", "application/json")

	// start, chunk and end go through; the final done write fails.
	rec := &brokenPipeWriter{ResponseRecorder: httptest.NewRecorder(), allow: 3}
	api.router.ServeHTTP(rec, req)

	// The response is already committed as an event stream; no error status
	// or JSON payload may be written onto it.
	assert.NotContains(t, rec.statusCalls, http.StatusBadRequest)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), `{"error"`)

	// The run still committed its output.
	got, _ := api.store.GetChat(chat.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi", got.Messages[1].Content)
}

func TestRegenerateEndpoint_AssistantMessage(t *testing.T) {
	registry := provider.Registry{"fake": &cannedAdapter{name: "fake", chunks: []string{"take two"}}}
	api := newTestAPI(t, registry)
	chat := api.newChat(t)

	_, err := api.store.AppendUserPrompt(chat.ID, "question")
	require.NoError(t, err)
	appended, err := api.store.AppendAssistantOutputs(chat.ID, []store.AssistantOutput{
		{TargetID: "fake:m1", Provider: "fake", Model: "m1", Content: "take one"},
	})
	require.NoError(t, err)
	msgID := appended[0].ID

	rec := api.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/regenerate", RegenerateRequest{
		MessageID: msgID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "event: done\ndata: {\"event\":\"done\"}\n\n"))

	got, _ := api.store.GetChat(chat.ID)
	require.Len(t, got.Messages, 2)
	msg := got.Messages[1]
	assert.Equal(t, msgID, msg.ID)
	require.Len(t, msg.History, 2)
	assert.Equal(t, "take two", msg.Content)
}

func TestSummarizeEndpoint(t *testing.T) {
	registry := provider.Registry{"fake": &cannedAdapter{name: "fake", chunks: []string{"a summary"}}}
	api := newTestAPI(t, registry)
	chat := api.newChat(t)

	userMsg, err := api.store.AppendUserPrompt(chat.ID, "lots of discussion")
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/summarize", SummarizeRequest{
		UserMessageID: userMsg.ID,
		Target:        model.Target{Provider: "fake", Model: "m1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, _ := api.store.GetChat(chat.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "a summary", got.Messages[1].Content)
	assert.Equal(t, model.InclusionAlways, got.Messages[1].Inclusion)
}

func TestMessageEndpoints(t *testing.T) {
	api := newTestAPI(t, provider.Registry{})
	chat := api.newChat(t)

	userMsg, err := api.store.AppendUserPrompt(chat.ID, "first")
	require.NoError(t, err)
	appended, err := api.store.AppendAssistantOutputs(chat.ID, []store.AssistantOutput{
		{TargetID: "fake:m1", Provider: "fake", Model: "m1", Content: "reply"},
	})
	require.NoError(t, err)
	asstID := appended[0].ID

	// Inclusion update.
	rec := api.do(t, http.MethodPatch, "/api/chats/"+chat.ID+"/messages/"+asstID, UpdateMessageRequest{
		Inclusion: "always",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var msg model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, model.InclusionAlways, msg.Inclusion)

	rec = api.do(t, http.MethodPatch, "/api/chats/"+chat.ID+"/messages/"+asstID, UpdateMessageRequest{
		Inclusion: "nonsense",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Edit truncates.
	rec = api.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages/"+userMsg.ID+"/edit", EditMessageRequest{
		Content: "first, edited",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got, _ := api.store.GetChat(chat.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "first, edited", got.Messages[0].Content)

	// History index on the edited message.
	rec = api.do(t, http.MethodPatch, "/api/chats/"+chat.ID+"/messages/"+userMsg.ID+"/history", HistoryIndexRequest{
		Index: 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "first", msg.Content)

	rec = api.do(t, http.MethodPatch, "/api/chats/"+chat.ID+"/messages/"+userMsg.ID+"/history", HistoryIndexRequest{
		Index: 9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForkEndpoint(t *testing.T) {
	api := newTestAPI(t, provider.Registry{})
	chat := api.newChat(t)

	userMsg, err := api.store.AppendUserPrompt(chat.ID, "branch here")
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/fork", ForkRequest{MessageID: userMsg.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var fork model.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fork))
	assert.NotEqual(t, chat.ID, fork.ID)
	assert.Len(t, fork.Messages, 1)

	rec = api.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/fork", ForkRequest{MessageID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
