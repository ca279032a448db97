// Package copilot – transcript.go holds the append-only conversation log.
// The transcript is the only state the orchestration core keeps: drafts,
// confirmation records and tool results all live inside its messages.
package copilot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolStatus is the lifecycle state of a tool part. It only moves forward:
// pending → completed | declined | error.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusDeclined  ToolStatus = "declined"
	ToolStatusError     ToolStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s ToolStatus) Terminal() bool {
	return s == ToolStatusCompleted || s == ToolStatusDeclined || s == ToolStatusError
}

// PartType tags the Part union.
type PartType string

const (
	PartText PartType = "text"
	PartTool PartType = "tool"
)

// Message is a single transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Parts     []Part    `json:"parts,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Synthetic marks messages the loop writes on its own behalf, such as
	// continuation instructions after a confirmation decision.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Part is a tagged union: Text is set for PartText, Tool for PartTool.
type Part struct {
	Type PartType  `json:"type"`
	Text string    `json:"text,omitempty"`
	Tool *ToolPart `json:"tool,omitempty"`
}

// ToolPart records one tool invocation and its result. ID is the call id
// the model used, so results can be matched across rounds.
type ToolPart struct {
	ID   string     `json:"id"`
	Tool ToolRecord `json:"tool"`
}

// ToolRecord is the invocation payload of a ToolPart.
type ToolRecord struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Status ToolStatus      `json:"status"`
}

// ToolParts returns the tool parts of a message in order.
func (m Message) ToolParts() []ToolPart {
	var out []ToolPart
	for _, p := range m.Parts {
		if p.Type == PartTool && p.Tool != nil {
			out = append(out, *p.Tool)
		}
	}
	return out
}

var (
	// ErrToolPartNotFound is returned when no tool part has the given call id.
	ErrToolPartNotFound = errors.New("tool part not found")

	// ErrNotPending is returned when a tool part already reached a terminal status.
	ErrNotPending = errors.New("tool part is not pending")
)

// TranscriptStore persists transcripts. Implementations must be safe for
// concurrent use.
type TranscriptStore interface {
	AppendMessage(sessionID string, msg Message) error
	UpdateToolPart(sessionID, messageID string, part ToolPart) error
	LoadMessages(sessionID string) ([]Message, error)
	ListSessions() ([]SessionSummary, error)
}

// SessionSummary describes a persisted transcript.
type SessionSummary struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transcript is the ordered, append-only message log of one session.
type Transcript struct {
	sessionID string
	store     TranscriptStore
	logger    *slog.Logger

	mu       sync.RWMutex
	messages []Message
}

// NewTranscript creates an empty transcript. store may be nil for an
// in-memory transcript.
func NewTranscript(sessionID string, store TranscriptStore, logger *slog.Logger) *Transcript {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{
		sessionID: sessionID,
		store:     store,
		logger:    logger.With("component", "transcript", "session", sessionID),
	}
}

// LoadTranscript restores a transcript from the store.
func LoadTranscript(sessionID string, store TranscriptStore, logger *slog.Logger) (*Transcript, error) {
	t := NewTranscript(sessionID, store, logger)
	if store == nil {
		return t, nil
	}
	msgs, err := store.LoadMessages(t.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %q: %w", t.sessionID, err)
	}
	t.messages = msgs
	t.logger.Debug("transcript loaded", "messages", len(msgs))
	return t, nil
}

// SessionID returns the session this transcript belongs to.
func (t *Transcript) SessionID() string {
	return t.sessionID
}

// Append adds a message to the end of the log, assigning an id and
// timestamp when missing. The message is persisted before it becomes
// visible to readers.
func (t *Transcript) Append(msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Parts = cloneParts(msg.Parts)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.store != nil {
		if err := t.store.AppendMessage(t.sessionID, msg); err != nil {
			return Message{}, fmt.Errorf("persist message: %w", err)
		}
	}
	t.messages = append(t.messages, msg)
	return msg, nil
}

// UpdateToolPart moves a pending tool part to a terminal status and
// rewrites its output in the same step. Only pending parts can change.
func (t *Transcript) UpdateToolPart(callID string, status ToolStatus, output json.RawMessage) error {
	if !status.Terminal() {
		return fmt.Errorf("update tool part %s: status %q is not terminal", callID, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	mi, pi, ok := t.findToolPart(callID)
	if !ok {
		return fmt.Errorf("update tool part %s: %w", callID, ErrToolPartNotFound)
	}

	current := t.messages[mi].Parts[pi].Tool
	if current.Tool.Status != ToolStatusPending {
		return fmt.Errorf("update tool part %s (%s): %w", callID, current.Tool.Status, ErrNotPending)
	}

	updated := *current
	updated.Tool.Status = status
	if output != nil {
		updated.Tool.Output = append(json.RawMessage(nil), output...)
	}

	if t.store != nil {
		if err := t.store.UpdateToolPart(t.sessionID, t.messages[mi].ID, updated); err != nil {
			return fmt.Errorf("persist tool part %s: %w", callID, err)
		}
	}

	// Copy-on-write so snapshots handed out earlier stay unchanged.
	parts := cloneParts(t.messages[mi].Parts)
	parts[pi].Tool = &updated
	t.messages[mi].Parts = parts

	t.logger.Debug("tool part updated", "call_id", callID, "tool", updated.Tool.Name, "status", status)
	return nil
}

// ToolPart returns the tool part with the given call id.
func (t *Transcript) ToolPart(callID string) (ToolPart, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mi, pi, ok := t.findToolPart(callID)
	if !ok {
		return ToolPart{}, false
	}
	return *t.messages[mi].Parts[pi].Tool, true
}

// PendingToolParts returns every tool part still waiting for a decision,
// oldest first.
func (t *Transcript) PendingToolParts() []ToolPart {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ToolPart
	for _, m := range t.messages {
		for _, p := range m.ToolParts() {
			if p.Tool.Status == ToolStatusPending {
				out = append(out, p)
			}
		}
	}
	return out
}

// Messages returns a snapshot of the log. The slice and part slices are
// copies; callers may keep them while the transcript keeps growing.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		m.Parts = cloneParts(m.Parts)
		out[i] = m
	}
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// findToolPart searches newest first. Caller must hold t.mu.
func (t *Transcript) findToolPart(callID string) (int, int, bool) {
	for mi := len(t.messages) - 1; mi >= 0; mi-- {
		parts := t.messages[mi].Parts
		for pi := len(parts) - 1; pi >= 0; pi-- {
			if parts[pi].Type == PartTool && parts[pi].Tool != nil && parts[pi].Tool.ID == callID {
				return mi, pi, true
			}
		}
	}
	return 0, 0, false
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		if p.Tool != nil {
			tp := *p.Tool
			p.Tool = &tp
		}
		out[i] = p
	}
	return out
}
