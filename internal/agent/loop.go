// Package agent implements the turn loop: the model is asked for the
// next step, requested tools run concurrently, and every step is
// persisted before the next one begins.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/almanac/internal/events"
	"github.com/nugget/almanac/internal/llm"
	"github.com/nugget/almanac/internal/memory"
	"github.com/nugget/almanac/internal/prompts"
	"github.com/nugget/almanac/internal/tools"
	"github.com/nugget/almanac/internal/usage"
)

// Defaults applied by NewLoop.
const (
	DefaultMaxParallel = 8
	// DefaultMaxRounds is the limit config applies when max_rounds is
	// not set. Config.MaxRounds itself treats 0 as unlimited.
	DefaultMaxRounds = 25
)

// Config holds the collaborators of a Loop.
type Config struct {
	Store     memory.Store
	Model     llm.Client
	ModelName string
	// Tools is copied by NewLoop; tools registered later are neither
	// offered to the model nor dispatched.
	Tools        *tools.Registry
	SystemPrompt string
	// MaxRounds bounds model invocations per turn. 0 means unlimited.
	MaxRounds int
	// MaxParallel bounds concurrent tool calls within one round.
	MaxParallel int
	Events      *events.Bus
	Logger      *slog.Logger

	// Usage, when set, receives the token counts of every model call.
	// Provider labels those records.
	Usage    UsageRecorder
	Provider string
}

// UsageRecorder stores token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop runs turns. It holds no per-session state: all of a session's
// state lives in the store, so one Loop serves every session. Callers
// must not run two turns of the same session at once (see router).
type Loop struct {
	store        memory.Store
	model        llm.Client
	modelName    string
	dispatcher   *tools.Dispatcher
	toolDefs     []map[string]any
	systemPrompt string
	maxRounds    int
	maxParallel  int
	events       *events.Bus
	logger       *slog.Logger
	usage        UsageRecorder
	provider     string
}

// NewLoop creates a turn loop.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := tools.NewRegistry()
	if cfg.Tools != nil {
		reg = cfg.Tools.Clone()
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = prompts.CalendarSystemPrompt()
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Loop{
		store:        cfg.Store,
		model:        cfg.Model,
		modelName:    cfg.ModelName,
		dispatcher:   tools.NewDispatcher(reg, logger),
		toolDefs:     reg.List(),
		systemPrompt: systemPrompt,
		maxRounds:    cfg.MaxRounds,
		maxParallel:  maxParallel,
		events:       cfg.Events,
		logger:       logger.With("component", "agent"),
		usage:        cfg.Usage,
		provider:     cfg.Provider,
	}
}

// turn carries the bookkeeping of one Process call.
type turn struct {
	id        string
	sessionID string
	userID    string
	state     State
	round     int
	logger    *slog.Logger
}

// Process runs one turn of sessionID with the user's text and returns
// the final answer. The session is created on first use and owned by
// userID.
//
// A failure to reach the model or the store is returned as a
// *TurnError; a runaway model as ErrMaxRounds; a session owned by
// someone else as ErrNotOwner; cancellation as the context's error.
// In every case the stored history stays well formed:
// each persisted tool_call_request is followed by its results.
func (l *Loop) Process(ctx context.Context, sessionID, userID, text string) (string, error) {
	t := &turn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		userID:    userID,
		state:     StateAwaitModel,
	}
	t.logger = l.logger.With("session", sessionID, "turn", t.id)

	start := time.Now()
	l.publish(events.KindTurnStart, map[string]any{
		"session_id": sessionID,
		"turn_id":    t.id,
		"user_id":    userID,
	})
	t.logger.Info("turn started", "user", userID, "text_len", len(text))

	ctx = tools.WithSessionID(ctx, sessionID)
	ctx = tools.WithUserID(ctx, userID)

	reply, err := l.run(ctx, t, userID, text)

	elapsed := time.Since(start)
	done := map[string]any{
		"session_id": sessionID,
		"turn_id":    t.id,
		"rounds":     t.round,
		"ok":         err == nil,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		done["error"] = err.Error()
		t.logger.Warn("turn failed", "rounds", t.round, "elapsed", elapsed.Round(time.Millisecond), "error", err)
	} else {
		t.logger.Info("turn complete", "rounds", t.round, "elapsed", elapsed.Round(time.Millisecond), "reply_len", len(reply))
	}
	l.publish(events.KindTurnComplete, done)
	return reply, err
}

func (l *Loop) run(ctx context.Context, t *turn, userID, text string) (string, error) {
	created, err := l.store.EnsureSession(ctx, t.sessionID, userID, l.systemPrompt)
	if err != nil {
		return "", l.fail(ctx, t, StagePersist, err)
	}
	if !created {
		// The owner is fixed at creation.
		sess, err := l.store.GetSession(ctx, t.sessionID)
		if err != nil {
			return "", l.fail(ctx, t, StagePersist, err)
		}
		if sess.UserID != userID {
			l.transition(t, StateFailed)
			return "", ErrNotOwner
		}
	}
	if err := l.repairOrphans(ctx, t); err != nil {
		return "", l.fail(ctx, t, StagePersist, err)
	}
	if _, err := l.store.Append(ctx, t.sessionID, memory.UserRecord(text)); err != nil {
		return "", l.fail(ctx, t, StagePersist, err)
	}

	for t.round = 1; ; t.round++ {
		if l.maxRounds > 0 && t.round > l.maxRounds {
			t.round = l.maxRounds
			l.transition(t, StateFailed)
			return "", ErrMaxRounds
		}

		records, err := l.store.Load(ctx, t.sessionID)
		if err != nil {
			return "", l.fail(ctx, t, StagePersist, err)
		}
		t.logger.Debug("invoking model", "round", t.round, "model", l.modelName, "records", len(records))

		resp, err := l.model.Chat(ctx, l.modelName, memory.ModelMessages(records), l.toolDefs)
		if err != nil {
			return "", l.fail(ctx, t, StageModel, err)
		}
		l.recordUsage(ctx, t, resp)

		if len(resp.Message.ToolCalls) == 0 {
			l.transition(t, StateHaveText)
			reply := resp.Message.Content
			if strings.TrimSpace(reply) == "" {
				t.logger.Warn("model returned empty response", "round", t.round)
				reply = prompts.EmptyResponseFallback
			}
			if _, err := l.store.Append(ctx, t.sessionID, memory.AssistantRecord(reply)); err != nil {
				return "", l.fail(ctx, t, StagePersist, err)
			}
			return reply, nil
		}

		l.transition(t, StateHaveToolCalls)
		calls := l.functionCalls(t, resp.Message.ToolCalls)

		// Nothing of this round is stored if the turn was cancelled
		// while the model was answering.
		if err := ctx.Err(); err != nil {
			l.transition(t, StateFailed)
			return "", err
		}
		if _, err := l.store.Append(ctx, t.sessionID, memory.RequestRecord(calls)); err != nil {
			return "", l.fail(ctx, t, StagePersist, err)
		}

		l.transition(t, StateExecuting)
		results := l.execute(ctx, t, calls)

		// The request is on record; its results must be too, even when
		// the caller has gone away.
		if _, err := l.store.Append(context.WithoutCancel(ctx), t.sessionID, memory.ResultRecord(results)); err != nil {
			return "", l.fail(ctx, t, StagePersist, err)
		}
		if err := ctx.Err(); err != nil {
			l.transition(t, StateFailed)
			return "", err
		}
		l.transition(t, StateAwaitModel)
	}
}

// functionCalls converts the model's tool calls to their stored form.
// Missing or repeated IDs are replaced so every call in the request has
// a unique ID its result can reference.
func (l *Loop) functionCalls(t *turn, in []llm.ToolCall) []memory.FunctionCall {
	seen := make(map[string]bool, len(in))
	out := make([]memory.FunctionCall, len(in))
	for i, tc := range in {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true

		name := tc.Function.Name
		if name == "" {
			name = "unnamed"
		}

		args := "{}"
		if tc.Function.Arguments != nil {
			b, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				t.logger.Warn("cannot encode tool arguments", "tool", name, "error", err)
			} else {
				args = string(b)
			}
		}
		out[i] = memory.FunctionCall{ID: id, Name: name, Arguments: args}
	}
	return out
}

// execute runs calls concurrently, at most maxParallel at a time, and
// returns one result per call in completion order. If ctx ends first,
// calls still outstanding get a cancellation result; their handlers
// may keep running but their late results are discarded.
func (l *Loop) execute(ctx context.Context, t *turn, calls []memory.FunctionCall) []memory.FunctionResult {
	var (
		mu      sync.Mutex
		results = make([]memory.FunctionResult, 0, len(calls))
		closed  bool
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(l.maxParallel)
		for _, call := range calls {
			g.Go(func() error {
				l.publish(events.KindToolCall, map[string]any{
					"session_id": t.sessionID,
					"turn_id":    t.id,
					"call_id":    call.ID,
					"tool":       call.Name,
				})
				start := time.Now()
				res := l.dispatcher.Execute(ctx, call)
				l.publish(events.KindToolDone, map[string]any{
					"session_id":  t.sessionID,
					"turn_id":     t.id,
					"call_id":     call.ID,
					"tool":        call.Name,
					"ok":          !res.IsError,
					"duration_ms": time.Since(start).Milliseconds(),
				})

				mu.Lock()
				defer mu.Unlock()
				if !closed {
					results = append(results, res)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true

	if len(results) < len(calls) {
		have := make(map[string]bool, len(results))
		for _, r := range results {
			have[r.CallID] = true
		}
		reason := "cancelled: " + context.Cause(ctx).Error()
		for _, c := range calls {
			if !have[c.ID] {
				results = append(results, memory.FunctionResult{
					CallID: c.ID, Name: c.Name, Content: reason, IsError: true,
				})
			}
		}
		t.logger.Warn("tool calls cancelled", "pending", len(calls)-len(have), "error", ctx.Err())
	}
	return results
}

// repairOrphans closes a tool_call_request left without results by an
// earlier turn that never finished (process crash). Each call gets an
// error result so the model sees the history it expects.
func (l *Loop) repairOrphans(ctx context.Context, t *turn) error {
	records, err := l.store.Load(ctx, t.sessionID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	last := records[len(records)-1]
	if last.Kind != memory.KindToolCallRequest {
		return nil
	}

	results := make([]memory.FunctionResult, len(last.Calls))
	for i, c := range last.Calls {
		results[i] = memory.FunctionResult{
			CallID:  c.ID,
			Name:    c.Name,
			Content: prompts.ToolInterrupted,
			IsError: true,
		}
	}
	t.logger.Warn("repairing interrupted tool calls", "calls", len(results), "position", last.Position)
	_, err = l.store.Append(ctx, t.sessionID, memory.ResultRecord(results))
	return err
}

// fail moves the turn to Failed and shapes err for the caller. A
// failure once the turn is cancelled is reported as the context error.
func (l *Loop) fail(ctx context.Context, t *turn, stage string, err error) error {
	l.transition(t, StateFailed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		t.logger.Debug("failure after cancellation", "stage", stage, "error", err)
		return ctxErr
	}
	return &TurnError{Stage: stage, SessionID: t.sessionID, Err: err}
}

// recordUsage stores the call's token counts. A failure is logged and
// does not affect the turn.
func (l *Loop) recordUsage(ctx context.Context, t *turn, resp *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.modelName
	}
	err := l.usage.Record(context.WithoutCancel(ctx), usage.Record{
		TurnID:       t.id,
		SessionID:    t.sessionID,
		UserID:       t.userID,
		Model:        model,
		Provider:     l.provider,
		Round:        t.round,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		t.logger.Warn("usage record failed", "error", err)
	}
}

func (l *Loop) transition(t *turn, to State) {
	from := t.state
	t.state = to
	t.logger.Debug("turn state", "from", from, "to", to, "round", t.round)
	l.publish(events.KindStateChange, map[string]any{
		"session_id": t.sessionID,
		"turn_id":    t.id,
		"from":       string(from),
		"to":         string(to),
		"round":      t.round,
	})
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}
