package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/almanac/internal/memory"
)

// Call and Result are the in-flight forms of a stored function call and
// its outcome.
type (
	Call   = memory.FunctionCall
	Result = memory.FunctionResult
)

// UnknownToolContent is the result content for calls naming a tool the
// registry does not have.
const UnknownToolContent = "Unknown tool"

// Dispatcher resolves calls against a registry and runs their handlers.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, logger: logger.With("component", "dispatcher")}
}

// Execute runs one call and always returns exactly one Result for it.
// Every failure (unknown tool, bad arguments, handler error, handler
// panic, cancellation) is reported in the result with IsError set.
func (d *Dispatcher) Execute(ctx context.Context, call Call) Result {
	start := time.Now()
	res := d.execute(ctx, call)

	log := d.logger.With(
		"session", SessionIDFromContext(ctx),
		"call_id", call.ID,
		"tool", call.Name,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if res.IsError {
		log.Warn("tool call failed", "error", truncate(res.Content, 200))
	} else {
		log.Debug("tool call complete", "result_len", len(res.Content))
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, call Call) Result {
	fail := func(content string) Result {
		return Result{CallID: call.ID, Name: call.Name, Content: content, IsError: true}
	}

	tool := d.registry.Get(call.Name)
	if tool == nil {
		return fail(UnknownToolContent)
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return fail(err.Error())
	}
	if err := Validate(args, tool.Parameters); err != nil {
		return fail(err.Error())
	}

	if err := ctx.Err(); err != nil {
		return fail("cancelled: " + err.Error())
	}

	out, err := safeInvoke(WithCallID(ctx, call.ID), tool.Handler, args)
	if err != nil {
		return fail(err.Error())
	}
	return Result{CallID: call.ID, Name: call.Name, Content: out}
}

// safeInvoke turns a handler panic into an error so one misbehaving
// tool cannot take down its siblings or the worker.
func safeInvoke(ctx context.Context, h Handler, args map[string]any) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = "", fmt.Errorf("tool panic: %v", p)
		}
	}()
	return h(ctx, args)
}

// decodeArgs parses the raw argument text. Empty text means no
// arguments; anything else must be a JSON object.
func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ArgumentError{Reason: "arguments must be a JSON object: " + err.Error()}
	}
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
