// Package copilot – confirmation.go implements the two confirmation families.
// Pre-exec tools wait in PENDING until the user confirms or cancels; post-exec
// tools run at once and hold their result in PENDING_APPROVAL until the user
// approves, rejects or approves a subset of the changes.
//
// The record of where a call stands lives inside the tool output under the
// "confirmation" key, so the transcript alone is enough to recover it.
package copilot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PreExecState is the state of a pre-exec confirmation.
type PreExecState string

const (
	PreExecPending   PreExecState = "PENDING"
	PreExecConfirmed PreExecState = "CONFIRMED"
	PreExecCancelled PreExecState = "CANCELLED"
)

// Terminal reports whether the state accepts no further decisions.
func (s PreExecState) Terminal() bool {
	return s == PreExecConfirmed || s == PreExecCancelled
}

// PostExecState is the state of a post-exec approval.
type PostExecState string

const (
	PostExecPendingApproval PostExecState = "PENDING_APPROVAL"
	PostExecApproved        PostExecState = "APPROVED"
	PostExecRejected        PostExecState = "REJECTED"
	PostExecPartial         PostExecState = "PARTIAL"
)

// Terminal reports whether the state accepts no further decisions.
func (s PostExecState) Terminal() bool {
	return s != PostExecPendingApproval
}

var (
	// ErrInvalidTransition is returned for a decision on a terminal state or
	// a malformed decision.
	ErrInvalidTransition = errors.New("invalid confirmation transition")

	// ErrWrongDecisionFamily is returned when a pre-exec decision is applied
	// to a post-exec state or the other way around.
	ErrWrongDecisionFamily = errors.New("decision does not apply to this confirmation family")
)

// Decision is a user's answer to a confirmation request. The set of
// implementations is closed.
type Decision interface {
	tier() Tier
	String() string
}

// Confirm lets a pending pre-exec call run.
type Confirm struct{}

// Cancel declines a pending pre-exec call.
type Cancel struct{}

// Approve accepts every change of a post-exec result.
type Approve struct{}

// Reject discards every change of a post-exec result.
type Reject struct{}

// PartialApprove accepts only the listed changes.
type PartialApprove struct {
	ChangeIDs []string
}

func (Confirm) tier() Tier        { return TierPreExec }
func (Cancel) tier() Tier         { return TierPreExec }
func (Approve) tier() Tier        { return TierPostExec }
func (Reject) tier() Tier         { return TierPostExec }
func (PartialApprove) tier() Tier { return TierPostExec }

func (Confirm) String() string { return "confirm" }
func (Cancel) String() string  { return "cancel" }
func (Approve) String() string { return "approve" }
func (Reject) String() string  { return "reject" }
func (p PartialApprove) String() string {
	return "partial:" + strings.Join(p.ChangeIDs, ",")
}

// ParseDecision reads the textual form used by the CLI:
// confirm, cancel, approve, reject or partial:<id>[,<id>...].
func ParseDecision(s string) (Decision, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "confirm", "yes", "y":
		return Confirm{}, nil
	case "cancel", "no", "n":
		return Cancel{}, nil
	case "approve":
		return Approve{}, nil
	case "reject":
		return Reject{}, nil
	}
	if rest, ok := strings.CutPrefix(s, "partial:"); ok {
		var ids []string
		for _, id := range strings.Split(rest, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return PartialApprove{ChangeIDs: ids}, nil
	}
	return nil, fmt.Errorf("unknown decision %q", s)
}

// Next applies a decision to a pre-exec state.
func (s PreExecState) Next(d Decision) (PreExecState, error) {
	if d == nil || d.tier() != TierPreExec {
		return s, fmt.Errorf("%w: %v on %s", ErrWrongDecisionFamily, d, s)
	}
	if s != PreExecPending {
		return s, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	switch d.(type) {
	case Confirm:
		return PreExecConfirmed, nil
	case Cancel:
		return PreExecCancelled, nil
	}
	return s, fmt.Errorf("%w: %v", ErrInvalidTransition, d)
}

// PostExecDecision is a resolved post-exec transition handed to the tool's
// ApprovalFunc.
type PostExecDecision struct {
	State       PostExecState
	ApprovedIDs []string
}

// Next applies a decision to a post-exec state.
func (s PostExecState) Next(d Decision) (PostExecDecision, error) {
	if d == nil || d.tier() != TierPostExec {
		return PostExecDecision{State: s}, fmt.Errorf("%w: %v on %s", ErrWrongDecisionFamily, d, s)
	}
	if s != PostExecPendingApproval {
		return PostExecDecision{State: s}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	switch v := d.(type) {
	case Approve:
		return PostExecDecision{State: PostExecApproved}, nil
	case Reject:
		return PostExecDecision{State: PostExecRejected}, nil
	case PartialApprove:
		ids := dedupeStrings(v.ChangeIDs)
		if len(ids) == 0 {
			return PostExecDecision{State: s}, fmt.Errorf("%w: partial approval needs at least one change", ErrInvalidTransition)
		}
		return PostExecDecision{State: PostExecPartial, ApprovedIDs: ids}, nil
	}
	return PostExecDecision{State: s}, fmt.Errorf("%w: %v", ErrInvalidTransition, d)
}

// Admission is the gate's verdict for a call.
type Admission int

const (
	// AdmitRun executes the call and records a final result.
	AdmitRun Admission = iota

	// AdmitDefer records a pending call without executing it.
	AdmitDefer

	// AdmitRunPendingApproval executes the call and records its result as
	// pending approval.
	AdmitRunPendingApproval
)

// Gate routes calls by tier and guarantees a confirmed call runs once.
type Gate struct {
	registry *ToolRegistry
	claimed  sync.Map // callID → struct{}
}

// NewGate creates a gate over the registry.
func NewGate(registry *ToolRegistry) *Gate {
	return &Gate{registry: registry}
}

// Admit decides how a call to name proceeds.
func (g *Gate) Admit(name string) Admission {
	switch g.registry.Tier(name) {
	case TierPreExec:
		return AdmitDefer
	case TierPostExec:
		return AdmitRunPendingApproval
	default:
		return AdmitRun
	}
}

// Claim marks callID as decided. Only the first caller gets true.
func (g *Gate) Claim(callID string) bool {
	_, loaded := g.claimed.LoadOrStore(callID, struct{}{})
	return !loaded
}

// Release drops a claim whose decision failed before taking effect.
func (g *Gate) Release(callID string) {
	g.claimed.Delete(callID)
}

// ConfirmationRecord is the confirmation state embedded in a tool output.
type ConfirmationRecord struct {
	Tool            string   `json:"tool"`
	State           string   `json:"state"`
	ApprovedChanges []string `json:"approvedChanges,omitempty"`
	RejectedChanges []string `json:"rejectedChanges,omitempty"`
}

// ConfirmationOf extracts the record from a tool output.
func ConfirmationOf(output json.RawMessage) (ConfirmationRecord, bool) {
	res := gjson.GetBytes(output, "confirmation")
	if !res.IsObject() {
		return ConfirmationRecord{}, false
	}
	var rec ConfirmationRecord
	if err := json.Unmarshal([]byte(res.Raw), &rec); err != nil || rec.State == "" {
		return ConfirmationRecord{}, false
	}
	return rec, true
}

// WithConfirmation stores rec under the "confirmation" key. Non-object
// outputs are wrapped as {"result": output} first.
func WithConfirmation(output json.RawMessage, rec ConfirmationRecord) (json.RawMessage, error) {
	if !gjson.ValidBytes(output) || !gjson.ParseBytes(output).IsObject() {
		wrapped, err := sjson.SetRawBytes([]byte(`{}`), "result", nonEmptyJSON(output))
		if err != nil {
			return nil, fmt.Errorf("wrap output: %w", err)
		}
		output = wrapped
	}
	out, err := sjson.SetBytes(output, "confirmation", rec)
	if err != nil {
		return nil, fmt.Errorf("set confirmation: %w", err)
	}
	return out, nil
}

// awaitingConfirmationOutput is the pending result of a deferred pre-exec
// call. The resolved input is stored so a later confirmation runs exactly
// what the user saw.
func awaitingConfirmationOutput(toolName string, input map[string]any) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"status": "awaiting_confirmation",
		"tool":   toolName,
		"input":  input,
		"message": "This call has side effects and is waiting for the user to confirm or cancel it. " +
			"Do not call it again.",
		"confirmation": ConfirmationRecord{Tool: toolName, State: string(PreExecPending)},
	})
	return b
}

// declinedOutput is the synthetic result of a cancelled pre-exec call.
func declinedOutput(toolName string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"success":      false,
		"declined":     true,
		"tool":         toolName,
		"message":      "The user cancelled this call. It was not executed.",
		"confirmation": ConfirmationRecord{Tool: toolName, State: string(PreExecCancelled)},
	})
	return b
}

// storedInput reads the input saved by awaitingConfirmationOutput.
func storedInput(output json.RawMessage) (map[string]any, error) {
	res := gjson.GetBytes(output, "input")
	if !res.IsObject() {
		return nil, fmt.Errorf("pending output has no stored input")
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(res.Raw), &args); err != nil {
		return nil, fmt.Errorf("decode stored input: %w", err)
	}
	return args, nil
}

func nonEmptyJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	if !json.Valid(b) {
		s, _ := json.Marshal(string(b))
		return s
	}
	return b
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
