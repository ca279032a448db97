// Package copilot – tool_executor.go runs the tool calls of one round. Calls
// are independent once assembled, so they run concurrently up to a limit;
// the round returns only when every call has a result.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// ctxKeySessionID is the context key for the session id.
type ctxKeySessionID struct{}

// ctxKeyRunID is the context key for the turn's run id.
type ctxKeyRunID struct{}

// ctxKeyTranscript is the context key for the transcript snapshot tools
// read drafts from.
type ctxKeyTranscript struct{}

// ctxKeyCallID is the context key for the call being executed.
type ctxKeyCallID struct{}

// ContextWithSession returns a context carrying the session id.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID{}, sessionID)
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySessionID{}).(string); ok {
		return v
	}
	return ""
}

// ContextWithRunID returns a context carrying the run id.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID{}, runID)
}

// RunIDFromContext returns the run id, or "".
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRunID{}).(string); ok {
		return v
	}
	return ""
}

// ContextWithTranscript returns a context carrying a transcript snapshot.
func ContextWithTranscript(ctx context.Context, messages []Message) context.Context {
	return context.WithValue(ctx, ctxKeyTranscript{}, messages)
}

// TranscriptFromContext returns the snapshot, or nil.
func TranscriptFromContext(ctx context.Context) []Message {
	if v, ok := ctx.Value(ctxKeyTranscript{}).([]Message); ok {
		return v
	}
	return nil
}

// ContextWithCallID returns a context carrying the current call id.
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxKeyCallID{}, callID)
}

// CallIDFromContext returns the current call id, or "".
func CallIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyCallID{}).(string); ok {
		return v
	}
	return ""
}

// ToolError is a failure the model can act on. Handlers return it to
// attach a suggestion to the error result.
type ToolError struct {
	Message    string
	Suggestion string
}

func (e *ToolError) Error() string { return e.Message }

// ErrAlreadyExecuted is returned when a confirmed call was already claimed.
var ErrAlreadyExecuted = errors.New("tool call already executed")

// HardMaxToolResultChars caps a tool result before it enters the transcript.
const HardMaxToolResultChars = 400_000

// ToolExecutor runs calls through the gate.
type ToolExecutor struct {
	registry    *ToolRegistry
	gate        *Gate
	events      *EventBus
	timeout     time.Duration
	parallel    bool
	maxParallel int
	logger      *slog.Logger
}

// NewToolExecutor creates an executor. events may be nil.
func NewToolExecutor(registry *ToolRegistry, gate *Gate, events *EventBus, cfg AgentConfig, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	timeout := cfg.ToolTimeout()
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &ToolExecutor{
		registry:    registry,
		gate:        gate,
		events:      events,
		timeout:     timeout,
		parallel:    cfg.ParallelTools,
		maxParallel: maxParallel,
		logger:      logger.With("component", "tool_executor"),
	}
}

// ExecuteRound executes calls and returns one tool part per call, in call
// order, each carrying the model's call id. Pre-exec calls come back
// pending without running; post-exec results come back pending approval.
func (e *ToolExecutor) ExecuteRound(ctx context.Context, calls []AssembledCall, files FileStore) []ToolPart {
	parts := make([]ToolPart, len(calls))
	limit := e.maxParallel
	if !e.parallel {
		limit = 1
	}

	// Calls never fail the group; each records its own error result.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, call := range calls {
		g.Go(func() error {
			parts[i] = e.executeCall(ctx, call, files)
			return nil
		})
	}
	_ = g.Wait()
	return parts
}

func (e *ToolExecutor) executeCall(ctx context.Context, call AssembledCall, files FileStore) ToolPart {
	part := ToolPart{
		ID: call.ID,
		Tool: ToolRecord{
			Name:  call.Name,
			Input: json.RawMessage(call.RawArguments),
		},
	}
	runID, sessionID := RunIDFromContext(ctx), SessionIDFromContext(ctx)
	var elapsed time.Duration
	fail := func(err error) ToolPart {
		part.Tool.Status = ToolStatusError
		part.Tool.Output = formatToolError(call.Name, err)
		e.events.EmitToolCall(runID, sessionID, EventToolCallError, ToolCallEvent{
			CallID: call.ID, Tool: call.Name, Error: err.Error(), DurationMs: elapsed.Milliseconds(),
		})
		return part
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn("unknown tool called", "name", call.Name)
		return fail(&ToolError{
			Message:    fmt.Sprintf("unknown tool %q", call.Name),
			Suggestion: "Use one of the available tools.",
		})
	}

	args, err := ResolveFileArgs(call.Arguments, files)
	if err != nil {
		var refErr *FileRefError
		if errors.As(err, &refErr) {
			return fail(&ToolError{Message: err.Error(), Suggestion: "Retry with one of the valid file keys."})
		}
		return fail(err)
	}

	switch e.gate.Admit(call.Name) {
	case AdmitDefer:
		part.Tool.Status = ToolStatusPending
		part.Tool.Output = awaitingConfirmationOutput(call.Name, args)
		e.events.EmitToolCall(runID, sessionID, EventConfirmationRequired, ToolCallEvent{
			CallID: call.ID, Tool: call.Name, Input: args,
		})
		e.logger.Info("tool call awaiting confirmation", "name", call.Name, "call_id", call.ID)
		return part

	case AdmitRunPendingApproval:
		var out json.RawMessage
		out, elapsed, err = e.run(ctx, tool, call.ID, args)
		if err != nil {
			return fail(err)
		}
		out, err = WithConfirmation(out, ConfirmationRecord{Tool: call.Name, State: string(PostExecPendingApproval)})
		if err != nil {
			return fail(err)
		}
		part.Tool.Status = ToolStatusPending
		part.Tool.Output = out
		e.events.EmitToolCall(runID, sessionID, EventApprovalRequired, ToolCallEvent{
			CallID: call.ID, Tool: call.Name, Output: string(out), DurationMs: elapsed.Milliseconds(),
		})
		return part

	default:
		var out json.RawMessage
		out, elapsed, err = e.run(ctx, tool, call.ID, args)
		if err != nil {
			return fail(err)
		}
		part.Tool.Status = ToolStatusCompleted
		part.Tool.Output = out
		e.events.EmitToolCall(runID, sessionID, EventToolCallComplete, ToolCallEvent{
			CallID: call.ID, Tool: call.Name, Output: string(out), DurationMs: elapsed.Milliseconds(),
		})
		return part
	}
}

// ExecuteConfirmed runs a pre-exec call the user confirmed, with the input
// stored when it was deferred. A call runs at most once per executor.
func (e *ToolExecutor) ExecuteConfirmed(ctx context.Context, part ToolPart) (json.RawMessage, ToolStatus, error) {
	if !e.gate.Claim(part.ID) {
		return nil, "", fmt.Errorf("%s: %w", part.ID, ErrAlreadyExecuted)
	}
	return e.executeClaimed(ctx, part)
}

// executeClaimed runs a confirmed call whose id the caller already claimed.
func (e *ToolExecutor) executeClaimed(ctx context.Context, part ToolPart) (json.RawMessage, ToolStatus, error) {
	tool, ok := e.registry.Get(part.Tool.Name)
	if !ok {
		return nil, "", fmt.Errorf("unknown tool %q", part.Tool.Name)
	}
	args, err := storedInput(part.Tool.Output)
	if err != nil {
		return nil, "", err
	}

	runID, sessionID := RunIDFromContext(ctx), SessionIDFromContext(ctx)
	status := ToolStatusCompleted
	out, elapsed, runErr := e.run(ctx, tool, part.ID, args)
	if runErr != nil {
		status = ToolStatusError
		out = formatToolError(part.Tool.Name, runErr)
		e.events.EmitToolCall(runID, sessionID, EventToolCallError, ToolCallEvent{
			CallID: part.ID, Tool: part.Tool.Name, Error: runErr.Error(), DurationMs: elapsed.Milliseconds(),
		})
	} else {
		e.events.EmitToolCall(runID, sessionID, EventToolCallComplete, ToolCallEvent{
			CallID: part.ID, Tool: part.Tool.Name, Output: string(out), DurationMs: elapsed.Milliseconds(),
		})
	}

	out, err = WithConfirmation(out, ConfirmationRecord{Tool: part.Tool.Name, State: string(PreExecConfirmed)})
	if err != nil {
		return nil, "", err
	}
	return out, status, nil
}

// run invokes the handler with a timeout and turns panics into errors.
func (e *ToolExecutor) run(ctx context.Context, tool *Tool, callID string, args map[string]any) (out json.RawMessage, duration time.Duration, err error) {
	execCtx, cancel := context.WithTimeout(ContextWithCallID(ctx, callID), e.timeout)
	defer cancel()

	e.events.EmitToolCall(RunIDFromContext(ctx), SessionIDFromContext(ctx), EventToolCallStart, ToolCallEvent{
		CallID: callID, Tool: tool.Name, Input: args,
	})

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "name", tool.Name, "panic", r, "stack", string(debug.Stack()))
			out, duration, err = nil, time.Since(start), fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()

	result, err := tool.Handler(execCtx, args)
	duration = time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = &ToolError{
				Message:    fmt.Sprintf("timed out after %s: %v", e.timeout, err),
				Suggestion: "Retry with a smaller request or ask the user to raise agent.tool_timeout_seconds.",
			}
		}
		e.logger.Warn("tool execution failed",
			"name", tool.Name,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return nil, duration, err
	}

	out = encodeToolOutput(result)
	if len(out) > HardMaxToolResultChars {
		original := len(out)
		out = encodeToolOutput(string(out[:HardMaxToolResultChars]) +
			fmt.Sprintf("\n\n... [truncated: result was %d chars, capped at %d]", original, HardMaxToolResultChars))
		e.logger.Warn("tool result truncated by size guard",
			"name", tool.Name,
			"original_chars", original,
			"capped_at", HardMaxToolResultChars,
		)
	}

	e.logger.Info("tool executed",
		"name", tool.Name,
		"duration_ms", duration.Milliseconds(),
		"output_len", len(out),
	)
	return out, duration, nil
}

// encodeToolOutput turns a handler result into JSON. Strings that already
// hold a JSON object or array are kept as is.
func encodeToolOutput(output any) json.RawMessage {
	switch v := output.(type) {
	case nil:
		return json.RawMessage(`"OK"`)
	case json.RawMessage:
		return nonEmptyJSON(v)
	case []byte:
		return nonEmptyJSON(v)
	case string:
		if len(v) > 0 && (v[0] == '{' || v[0] == '[') && json.Valid([]byte(v)) {
			return json.RawMessage(v)
		}
		b, _ := json.Marshal(v)
		return b
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s, _ := json.Marshal(fmt.Sprintf("%v", v))
			return s
		}
		return b
	}
}

// formatToolError builds the error-shaped result the model sees.
func formatToolError(toolName string, err error) json.RawMessage {
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000] + "... (truncated)"
	}
	suggestion := "Check the arguments and try again, or explain the failure to the user."
	var te *ToolError
	if errors.As(err, &te) && te.Suggestion != "" {
		suggestion = te.Suggestion
	}
	b, _ := json.Marshal(map[string]any{
		"success":    false,
		"tool":       toolName,
		"error":      msg,
		"suggestion": suggestion,
	})
	return b
}
