// Package copilot – agent.go drives a user turn: stream a completion,
// assemble its tool calls, run them through the gate, append the results
// and let the model react once. It also applies the user's confirmation
// decisions to calls that wait for them.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// maxToolRounds bounds the rounds of one turn: the first round plus one
// round to react to its tool results.
const maxToolRounds = 2

// TurnResult is the outcome of a turn.
type TurnResult struct {
	RunID   string
	Content string

	// Truncated is set when the last round still produced tool calls.
	Truncated bool
	Rounds    int

	// Interrupted is set when a round after the first failed to stream.
	// Content and the transcript keep what earlier rounds produced.
	Interrupted bool
	StreamError string

	// Pending lists the calls that wait for a user decision.
	Pending []PendingAction
}

// PendingAction is a call waiting for the user.
type PendingAction struct {
	CallID string
	Tool   string
	Tier   Tier
	Output json.RawMessage
}

// Resolution is the outcome of a user decision.
type Resolution struct {
	RunID   string
	CallID  string
	Tool    string
	Outcome Outcome
	Status  ToolStatus
	Output  json.RawMessage
}

// Agent runs turns against one completion stream and tool catalogue.
type Agent struct {
	llm        CompletionStream
	registry   *ToolRegistry
	gate       *Gate
	executor   *ToolExecutor
	events     *EventBus
	model      string
	system     string
	runTimeout time.Duration
	logger     *slog.Logger
}

// NewAgent wires an agent. events may be nil.
func NewAgent(cfg *Config, llm CompletionStream, registry *ToolRegistry, events *EventBus, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	gate := NewGate(registry)
	return &Agent{
		llm:        llm,
		registry:   registry,
		gate:       gate,
		executor:   NewToolExecutor(registry, gate, events, cfg.Agent, logger),
		events:     events,
		model:      cfg.Model,
		system:     cfg.Instructions,
		runTimeout: cfg.Agent.RunTimeout(),
		logger:     logger.With("component", "agent"),
	}
}

// RunTurn appends the user's message and runs the loop.
func (a *Agent) RunTurn(ctx context.Context, t *Transcript, userText string, files FileStore) (*TurnResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, fmt.Errorf("empty message")
	}
	if _, err := t.Append(Message{Role: RoleUser, Content: userText}); err != nil {
		return nil, err
	}
	return a.loop(ctx, t, files)
}

// Continue runs the loop without new user input, after decisions have
// appended their continuation messages.
func (a *Agent) Continue(ctx context.Context, t *Transcript, files FileStore) (*TurnResult, error) {
	return a.loop(ctx, t, files)
}

func (a *Agent) loop(ctx context.Context, t *Transcript, files FileStore) (*TurnResult, error) {
	runID := uuid.New().String()
	ctx = ContextWithRunID(ContextWithSession(ctx, t.SessionID()), runID)
	if a.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
		defer cancel()
	}

	runStart := time.Now()
	result := &TurnResult{RunID: runID}
	var content strings.Builder

	a.logger.Debug("agent run started", "run_id", runID, "session", t.SessionID(), "messages", t.Len())

	for round := 1; round <= maxToolRounds; round++ {
		result.Rounds = round

		text, calls, err := a.streamRound(ctx, t, runID)
		if err != nil {
			if round == 1 {
				a.events.endRun(runID)
				return nil, fmt.Errorf("LLM call failed (round %d): %w", round, err)
			}
			a.logger.Warn("LLM call failed, keeping earlier rounds", "round", round, "error", err)
			result.Interrupted = true
			result.StreamError = err.Error()
			break
		}
		content.WriteString(text)

		a.logger.Info("LLM call complete", "round", round, "tool_calls", len(calls), "content_len", len(text))

		if len(calls) == 0 {
			if text != "" {
				if _, err := t.Append(Message{Role: RoleAssistant, Content: text}); err != nil {
					return nil, err
				}
			}
			break
		}

		toolStart := time.Now()
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		a.logger.Info("executing tool calls", "count", len(calls), "tools", strings.Join(names, ","), "round", round)

		toolCtx := ContextWithTranscript(ctx, t.Messages())
		parts := a.executor.ExecuteRound(toolCtx, calls, files)

		a.logger.Info("tool calls complete", "count", len(parts), "tools_ms", time.Since(toolStart).Milliseconds())

		msg := Message{Role: RoleAssistant, Content: text, Parts: make([]Part, 0, len(parts))}
		for i := range parts {
			msg.Parts = append(msg.Parts, Part{Type: PartTool, Tool: &parts[i]})
		}
		if _, err := t.Append(msg); err != nil {
			return nil, err
		}

		if awaitsConfirmation(parts) {
			a.logger.Info("turn paused for confirmation", "round", round)
			break
		}
		if round == maxToolRounds {
			result.Truncated = true
			a.logger.Warn("tool round limit reached", "rounds", maxToolRounds)
		}
	}

	result.Content = content.String()
	result.Pending = a.PendingActions(t)

	a.logger.Info("agent completed",
		"rounds", result.Rounds,
		"truncated", result.Truncated,
		"interrupted", result.Interrupted,
		"pending", len(result.Pending),
		"run_elapsed_ms", time.Since(runStart).Milliseconds(),
	)
	a.events.EmitDone(runID, t.SessionID(), DoneEvent{
		Rounds:      result.Rounds,
		Truncated:   result.Truncated,
		Interrupted: result.Interrupted,
		Pending:     len(result.Pending),
	})
	return result, nil
}

// streamRound sends the transcript and collects one round's content and
// assembled calls. Content is forwarded as it arrives.
func (a *Agent) streamRound(ctx context.Context, t *Transcript, runID string) (string, []AssembledCall, error) {
	asm := NewAssembler()
	var text strings.Builder

	req := CompletionRequest{
		Model:    a.model,
		System:   a.system,
		Messages: t.Messages(),
		Tools:    a.registry.Definitions(),
	}
	err := a.llm.Stream(ctx, req, func(ev StreamEvent) error {
		if ev.Content != "" {
			text.WriteString(ev.Content)
			a.events.EmitDelta(runID, t.SessionID(), ev.Content)
		}
		if ev.Fragment != nil {
			asm.Add(*ev.Fragment)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return text.String(), asm.Finish(), nil
}

// awaitsConfirmation reports whether a round left a pre-exec call pending.
func awaitsConfirmation(parts []ToolPart) bool {
	for _, p := range parts {
		if p.Tool.Status != ToolStatusPending {
			continue
		}
		if rec, ok := ConfirmationOf(p.Tool.Output); ok && rec.State == string(PreExecPending) {
			return true
		}
	}
	return false
}

// PendingActions lists the calls of t that wait for a decision.
func (a *Agent) PendingActions(t *Transcript) []PendingAction {
	var out []PendingAction
	for _, p := range t.PendingToolParts() {
		out = append(out, PendingAction{
			CallID: p.ID,
			Tool:   p.Tool.Name,
			Tier:   a.registry.Tier(p.Tool.Name),
			Output: p.Tool.Output,
		})
	}
	return out
}

// Resolve applies a user decision to a pending call, records the new
// status and output, and appends the continuation for the next turn. The
// first valid decision on a call claims it; any later one fails with
// ErrAlreadyExecuted, even while the first is still running.
func (a *Agent) Resolve(ctx context.Context, t *Transcript, callID string, decision Decision) (*Resolution, error) {
	part, ok := t.ToolPart(callID)
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", callID, ErrToolPartNotFound)
	}
	if part.Tool.Status != ToolStatusPending {
		return nil, fmt.Errorf("resolve %s (%s): %w", callID, part.Tool.Status, ErrNotPending)
	}
	rec, ok := ConfirmationOf(part.Tool.Output)
	if !ok {
		return nil, fmt.Errorf("resolve %s: no confirmation record", callID)
	}

	runID := uuid.New().String()
	ctx = ContextWithTranscript(ContextWithRunID(ContextWithSession(ctx, t.SessionID()), runID), t.Messages())
	defer a.events.endRun(runID)

	var res *Resolution
	var err error
	switch a.registry.Tier(part.Tool.Name) {
	case TierPreExec:
		var next PreExecState
		if next, err = PreExecState(rec.State).Next(decision); err != nil {
			break
		}
		if err = a.claim(callID); err != nil {
			break
		}
		res, err = a.resolvePreExec(ctx, part, next)
	case TierPostExec:
		var d PostExecDecision
		if d, err = PostExecState(rec.State).Next(decision); err != nil {
			break
		}
		if err = a.claim(callID); err != nil {
			break
		}
		if res, err = a.resolvePostExec(part, d); err != nil {
			a.gate.Release(callID)
		}
	default:
		err = fmt.Errorf("%w: %s takes no decisions", ErrWrongDecisionFamily, part.Tool.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", callID, err)
	}
	res.RunID = runID

	if err := t.UpdateToolPart(callID, res.Status, res.Output); err != nil {
		return nil, err
	}
	if _, err := t.Append(continuationMessage(part.Tool.Name, callID, res.Outcome)); err != nil {
		return nil, err
	}

	a.logger.Info("decision applied",
		"run_id", runID,
		"call_id", callID,
		"tool", part.Tool.Name,
		"decision", decision.String(),
		"outcome", res.Outcome,
	)
	return res, nil
}

func (a *Agent) claim(callID string) error {
	if !a.gate.Claim(callID) {
		return ErrAlreadyExecuted
	}
	return nil
}

func (a *Agent) resolvePreExec(ctx context.Context, part ToolPart, next PreExecState) (*Resolution, error) {
	res := &Resolution{CallID: part.ID, Tool: part.Tool.Name}

	switch next {
	case PreExecConfirmed:
		out, status, err := a.executor.executeClaimed(ctx, part)
		if err != nil {
			return nil, err
		}
		res.Output, res.Status, res.Outcome = out, status, OutcomeConfirmed
		if status == ToolStatusError || gjson.GetBytes(out, "success").Type == gjson.False {
			res.Outcome = OutcomeFailed
		}
	case PreExecCancelled:
		res.Output, res.Status, res.Outcome = declinedOutput(part.Tool.Name), ToolStatusDeclined, OutcomeCancelled
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, next)
	}
	return res, nil
}

func (a *Agent) resolvePostExec(part ToolPart, decision PostExecDecision) (*Resolution, error) {
	tool, ok := a.registry.Get(part.Tool.Name)
	if !ok || tool.Approve == nil {
		return nil, fmt.Errorf("no approval function for %s", part.Tool.Name)
	}

	out, err := tool.Approve(part.Tool.Output, decision)
	if err != nil {
		return nil, err
	}

	rec := ConfirmationRecord{Tool: part.Tool.Name, State: string(decision.State)}
	res := &Resolution{CallID: part.ID, Tool: part.Tool.Name, Status: ToolStatusCompleted}
	allIDs := changeIDs(part.Tool.Output)

	switch decision.State {
	case PostExecApproved:
		res.Outcome = OutcomeApproved
		rec.ApprovedChanges = allIDs
	case PostExecRejected:
		res.Outcome = OutcomeRejected
		res.Status = ToolStatusDeclined
		rec.RejectedChanges = allIDs
	case PostExecPartial:
		res.Outcome = OutcomePartial
		rec.ApprovedChanges = decision.ApprovedIDs
		approved := make(map[string]bool, len(decision.ApprovedIDs))
		for _, id := range decision.ApprovedIDs {
			approved[id] = true
		}
		for _, id := range allIDs {
			if !approved[id] {
				rec.RejectedChanges = append(rec.RejectedChanges, id)
			}
		}
	}

	if res.Output, err = WithConfirmation(out, rec); err != nil {
		return nil, err
	}
	return res, nil
}

// changeIDs reads the ids of a post-exec output's "changes" list.
func changeIDs(output json.RawMessage) []string {
	var ids []string
	for _, id := range gjson.GetBytes(output, "changes.#.id").Array() {
		ids = append(ids, id.String())
	}
	return ids
}
