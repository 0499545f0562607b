// Package orchestrator fans a user action out to concurrent per-target
// provider streams, multiplexes their events into one ordered sequence and
// commits the results to the store exactly once per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/llm-mux/llm-mux/internal/model"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
	"github.com/llm-mux/llm-mux/pkg/logger"
	"github.com/llm-mux/llm-mux/pkg/metrics"
)

// Mode decides how a finished run's output is written back to the store.
type Mode string

const (
	// ModeAppend writes every target's output as a new assistant message.
	ModeAppend Mode = "append"
	// ModeReplaceOne appends a new version onto one existing assistant message.
	ModeReplaceOne Mode = "replace_one"
	// ModeReplacePerTarget regenerates from a user message, reusing each
	// target's latest existing reply where one exists.
	ModeReplacePerTarget Mode = "replace_per_target"
)

const defaultQueueSize = 256

var (
	ErrUnknownProvider = errors.New("unsupported provider")
	ErrNoTargets       = errors.New("at least one target is required")
)

// Sink receives every multiplexed event in arrival order, typically
// forwarding it to the SSE transport.
type Sink func(model.StreamEvent) error

// Options describes one run.
type Options struct {
	ChatID string

	// UserMessageID anchors the run: history is built from the messages
	// before it, and its content is the prompt unless PromptOverride is set.
	UserMessageID string

	// PromptOverride replaces the anchor message's content as the prompt; the
	// anchor itself then joins the history (summarize runs).
	PromptOverride string

	Targets []model.Target
	Config  model.ProviderConfig
	Mode    Mode

	// ReplaceMessageID names the assistant message whose id is reused in
	// ModeReplaceOne.
	ReplaceMessageID string

	// Summary commits outputs as always-included, non-scoped messages.
	Summary bool
}

// Orchestrator executes runs against a store and an adapter registry.
type Orchestrator struct {
	store    *store.Store
	registry provider.Registry
	logger   *logger.Logger
	queue    int

	runMu    sync.Mutex
	runLocks map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(st *store.Store, registry provider.Registry, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		registry: registry,
		logger:   log,
		queue:    defaultQueueSize,
		runLocks: make(map[string]*sync.Mutex),
	}
}

// runLock serializes in-flight runs per chat. Mutations inside the store take
// the chat's own lock, so this must be a separate lock.
func (o *Orchestrator) runLock(chatID string) *sync.Mutex {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	l, ok := o.runLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		o.runLocks[chatID] = l
	}
	return l
}

// preparedRun is everything resolved before the first byte streams.
type preparedRun struct {
	prompt     string
	targets    []model.Target
	histories  map[string][]model.HistoryMessage
	replaceIDs map[string]string // targetID -> assistant message id (replace-per-target)
}

// Execute runs one orchestration to completion: fan-out, fan-in, commit, done.
// Validation errors surface before any event reaches the sink.
func (o *Orchestrator) Execute(ctx context.Context, opts Options, sink Sink) error {
	if len(opts.Targets) == 0 {
		return ErrNoTargets
	}
	for _, t := range opts.Targets {
		if strings.TrimSpace(t.Provider) == "" || strings.TrimSpace(t.Model) == "" {
			return fmt.Errorf("each target needs provider and model")
		}
		if _, ok := o.registry.Resolve(t.Provider); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, t.Provider)
		}
	}

	lock := o.runLock(opts.ChatID)
	lock.Lock()
	defer lock.Unlock()

	prep, err := o.prepare(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	span.SetAttributes(
		attribute.String("chat.id", opts.ChatID),
		attribute.String("run.mode", string(opts.Mode)),
		attribute.Int("run.targets", len(prep.targets)),
	)
	defer span.End()

	start := time.Now()
	events := make(chan model.StreamEvent, o.queue)

	// Blocking emit: a full queue applies backpressure to producers, events
	// are never dropped.
	emit := func(ev model.StreamEvent) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case events <- ev:
			return nil
		}
	}

	errByTarget := make(map[string]string, len(prep.targets))
	var errMu sync.Mutex

	var wg sync.WaitGroup
	for _, target := range prep.targets {
		adapter, _ := o.registry.Resolve(target.Provider)
		wg.Add(1)
		go func(t model.Target, a provider.Adapter) {
			defer wg.Done()
			targetID := t.ID()

			_ = emit(model.StreamEvent{TargetID: targetID, Provider: t.Provider, Model: t.Model, Event: model.EventStart})

			err := a.Stream(ctx, provider.StreamRequest{
				Prompt:  prep.prompt,
				Target:  t,
				Config:  opts.Config,
				History: prep.histories[targetID],
			}, emit)
			if err != nil && !errors.Is(err, context.Canceled) {
				errMu.Lock()
				errByTarget[targetID] = err.Error()
				errMu.Unlock()
				_ = emit(model.StreamEvent{
					TargetID: targetID,
					Provider: t.Provider,
					Model:    t.Model,
					Event:    model.EventError,
					Error:    err.Error(),
				})
				metrics.StreamsTotal.WithLabelValues(t.Provider, "error").Inc()
			} else {
				metrics.StreamsTotal.WithLabelValues(t.Provider, "success").Inc()
			}
			_ = emit(model.StreamEvent{TargetID: targetID, Provider: t.Provider, Model: t.Model, Event: model.EventEnd})
		}(target, adapter)
	}

	// The queue closes only after every worker has returned, cancelled or not.
	go func() {
		wg.Wait()
		close(events)
	}()

	buffers := make(map[string]*strings.Builder, len(prep.targets))
	sinkAlive := true
	for ev := range events {
		if ev.Event == model.EventChunk {
			buf, ok := buffers[ev.TargetID]
			if !ok {
				buf = &strings.Builder{}
				buffers[ev.TargetID] = buf
			}
			buf.WriteString(ev.Content)
		}
		if sinkAlive {
			if err := sink(ev); err != nil {
				// Consumer gone: stop forwarding and cancel the adapters, but
				// keep draining so no worker is abandoned.
				sinkAlive = false
				cancel()
			}
		}
	}

	o.commit(opts, prep, buffers, errByTarget)

	metrics.RunDuration.WithLabelValues(string(opts.Mode)).Observe(time.Since(start).Seconds())
	o.logger.Info("run complete",
		zap.String("chat_id", opts.ChatID),
		zap.String("mode", string(opts.Mode)),
		zap.Int("targets", len(prep.targets)),
		zap.Int("errors", len(errByTarget)),
		zap.Duration("duration", time.Since(start)),
	)

	if ctx.Err() != nil || !sinkAlive {
		// The client is already gone; no done event.
		return nil
	}
	return sink(model.StreamEvent{Event: model.EventDone})
}

// prepare resolves effective target settings, per-target histories, the
// prompt and (for replace-per-target) the reply map, all before streaming.
func (o *Orchestrator) prepare(opts Options) (*preparedRun, error) {
	chat, ok := o.store.GetChat(opts.ChatID)
	if !ok {
		return nil, store.ErrChatNotFound
	}
	folder, _ := o.store.FindFolder(chat.FolderID)

	anchor := indexOfMessage(chat.Messages, opts.UserMessageID)
	if anchor < 0 {
		return nil, store.ErrMessageNotFound
	}
	if chat.Messages[anchor].Role != model.RoleUser {
		return nil, fmt.Errorf("%w: run anchor must be a user message", store.ErrWrongRole)
	}

	prompt := chat.Messages[anchor].Content
	base := chat.Messages[:anchor]
	if opts.PromptOverride != "" {
		prompt = opts.PromptOverride
		base = chat.Messages[:anchor+1]
	}

	prep := &preparedRun{
		prompt:     prompt,
		targets:    make([]model.Target, len(opts.Targets)),
		histories:  make(map[string][]model.HistoryMessage, len(opts.Targets)),
		replaceIDs: nil,
	}

	for i, t := range opts.Targets {
		// Effective settings: explicit override > folder default > unset.
		if strings.TrimSpace(t.SystemPrompt) == "" {
			t.SystemPrompt = strings.TrimSpace(folder.SystemPrompt)
		}
		if t.Temperature == nil && folder.Temperature != nil {
			temp := *folder.Temperature
			t.Temperature = &temp
		}
		prep.targets[i] = t
		prep.histories[t.ID()] = store.BuildTargetHistory(base, t.ID())
	}

	if opts.Mode == ModeReplacePerTarget {
		prep.replaceIDs = replyMap(chat.Messages, anchor)
	}
	if opts.Mode == ModeReplaceOne {
		if len(opts.Targets) != 1 {
			return nil, fmt.Errorf("replace requires exactly one target, got %d", len(opts.Targets))
		}
		msg := findMessage(chat.Messages, opts.ReplaceMessageID)
		if msg == nil {
			return nil, store.ErrMessageNotFound
		}
		if msg.Role != model.RoleAssistant {
			return nil, fmt.Errorf("%w: replace requires an assistant message", store.ErrWrongRole)
		}
	}
	return prep, nil
}

// replyMap maps each targetID to the id of the latest non-summary assistant
// reply after the anchor user message, stopping at the next user message.
// Summaries (always-included assistant messages) are never replaced.
func replyMap(messages []model.Message, anchor int) map[string]string {
	out := make(map[string]string)
	for _, msg := range messages[anchor+1:] {
		if msg.Role == model.RoleUser {
			break
		}
		if msg.Role != model.RoleAssistant || msg.TargetID == "" {
			continue
		}
		if msg.Inclusion == model.InclusionAlways {
			continue
		}
		out[msg.TargetID] = msg.ID
	}
	return out
}

// commit writes the accumulated buffers back per the resolved mode. A failed
// target with no partial content commits the literal error string; partial
// content is kept. Persistence failures are logged, not surfaced.
func (o *Orchestrator) commit(opts Options, prep *preparedRun, buffers map[string]*strings.Builder, errByTarget map[string]string) {
	finalContent := func(targetID string) string {
		content := ""
		if buf, ok := buffers[targetID]; ok {
			content = buf.String()
		}
		if content == "" {
			content = errByTarget[targetID]
		}
		return content
	}

	switch opts.Mode {
	case ModeReplaceOne:
		t := prep.targets[0]
		content := finalContent(t.ID())
		if content == "" {
			return
		}
		if _, err := o.store.ReplaceMessage(opts.ChatID, opts.ReplaceMessageID, model.MessageVersion{
			Content:  content,
			Provider: t.Provider,
			Model:    t.Model,
			TargetID: t.ID(),
		}); err != nil {
			o.logger.Error("replace message failed", zap.String("chat_id", opts.ChatID), zap.Error(err))
		}

	case ModeReplacePerTarget:
		var appends []store.AssistantOutput
		for _, t := range prep.targets {
			targetID := t.ID()
			content := finalContent(targetID)
			if content == "" {
				continue
			}
			if msgID, ok := prep.replaceIDs[targetID]; ok {
				if _, err := o.store.ReplaceMessage(opts.ChatID, msgID, model.MessageVersion{
					Content:  content,
					Provider: t.Provider,
					Model:    t.Model,
					TargetID: targetID,
				}); err != nil {
					o.logger.Error("replace message failed", zap.String("chat_id", opts.ChatID), zap.Error(err))
				}
				continue
			}
			appends = append(appends, store.AssistantOutput{
				TargetID: targetID,
				Provider: t.Provider,
				Model:    t.Model,
				Content:  content,
			})
		}
		if len(appends) > 0 {
			if _, err := o.store.AppendAssistantOutputs(opts.ChatID, appends); err != nil {
				o.logger.Error("persist assistant outputs failed", zap.String("chat_id", opts.ChatID), zap.Error(err))
			}
		}

	default: // ModeAppend
		outputs := make([]store.AssistantOutput, 0, len(prep.targets))
		for _, t := range prep.targets {
			out := store.AssistantOutput{
				TargetID: t.ID(),
				Provider: t.Provider,
				Model:    t.Model,
				Content:  finalContent(t.ID()),
			}
			if opts.Summary {
				out.Inclusion = model.InclusionAlways
			}
			outputs = append(outputs, out)
		}
		if _, err := o.store.AppendAssistantOutputs(opts.ChatID, outputs); err != nil {
			o.logger.Error("persist assistant outputs failed", zap.String("chat_id", opts.ChatID), zap.Error(err))
		}
	}
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
