// Package copilot – events.go is the in-memory pub/sub bus the execution
// loop reports through. The CLI subscribes to render text as it streams and
// to learn which calls wait for the user.
//
// Event types:
//   - delta: a content fragment from the completion stream
//   - tool_call_start, tool_call_complete, tool_call_error: per call
//   - confirmation_required: a pre-exec call waits for confirm/cancel
//   - approval_required: a post-exec result waits for approve/reject/partial
//   - done: the turn ended
package copilot

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	EventDelta                = "delta"
	EventToolCallStart        = "tool_call_start"
	EventToolCallComplete     = "tool_call_complete"
	EventToolCallError        = "tool_call_error"
	EventConfirmationRequired = "confirmation_required"
	EventApprovalRequired     = "approval_required"
	EventDone                 = "done"
)

// AgentEvent is one typed event from a turn.
type AgentEvent struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ToolCallEvent is the Data of the tool_call_* and *_required events.
type ToolCallEvent struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Input      any    `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// DoneEvent is the Data of a done event.
type DoneEvent struct {
	Rounds      int  `json:"rounds"`
	Truncated   bool `json:"truncated"`
	Interrupted bool `json:"interrupted,omitempty"`
	Pending     int  `json:"pending"`
}

// EventListener receives events.
type EventListener func(event AgentEvent)

// EventBus is a thread-safe fan-out hub. Listeners run synchronously inside
// Emit, possibly from several tool goroutines at once, and must not block.
type EventBus struct {
	listeners sync.Map // uint64 → EventListener
	nextID    atomic.Uint64
	seqByRun  sync.Map // runID → *atomic.Int64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn and returns its unsubscribe function.
func (eb *EventBus) Subscribe(fn EventListener) func() {
	id := eb.nextID.Add(1)
	eb.listeners.Store(id, fn)
	return func() { eb.listeners.Delete(id) }
}

// Emit assigns the per-run sequence number and fans the event out.
func (eb *EventBus) Emit(event AgentEvent) {
	if eb == nil {
		return
	}
	event.Seq = eb.runSeq(event.RunID).Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	eb.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(EventListener); ok {
			fn(event)
		}
		return true
	})
}

// EmitDelta emits a content fragment.
func (eb *EventBus) EmitDelta(runID, sessionID, content string) {
	eb.Emit(AgentEvent{RunID: runID, SessionID: sessionID, Type: EventDelta, Data: content})
}

// EmitToolCall emits one of the per-call event types.
func (eb *EventBus) EmitToolCall(runID, sessionID, eventType string, data ToolCallEvent) {
	eb.Emit(AgentEvent{RunID: runID, SessionID: sessionID, Type: eventType, Data: data})
}

// EmitDone emits the end of a turn and drops the run's sequence counter.
func (eb *EventBus) EmitDone(runID, sessionID string, data DoneEvent) {
	if eb == nil {
		return
	}
	eb.Emit(AgentEvent{RunID: runID, SessionID: sessionID, Type: EventDone, Data: data})
	eb.endRun(runID)
}

// endRun drops the sequence counter of a run that emits no done event.
func (eb *EventBus) endRun(runID string) {
	if eb == nil {
		return
	}
	eb.seqByRun.Delete(runID)
}

func (eb *EventBus) runSeq(runID string) *atomic.Int64 {
	if v, ok := eb.seqByRun.Load(runID); ok {
		return v.(*atomic.Int64)
	}
	actual, _ := eb.seqByRun.LoadOrStore(runID, &atomic.Int64{})
	return actual.(*atomic.Int64)
}
