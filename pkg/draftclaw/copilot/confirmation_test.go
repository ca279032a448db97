package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPreExecState_Next(t *testing.T) {
	tests := []struct {
		name    string
		from    PreExecState
		d       Decision
		want    PreExecState
		wantErr error
	}{
		{"confirm", PreExecPending, Confirm{}, PreExecConfirmed, nil},
		{"cancel", PreExecPending, Cancel{}, PreExecCancelled, nil},
		{"confirmed is terminal", PreExecConfirmed, Cancel{}, PreExecConfirmed, ErrInvalidTransition},
		{"cancelled is terminal", PreExecCancelled, Confirm{}, PreExecCancelled, ErrInvalidTransition},
		{"wrong family", PreExecPending, Approve{}, PreExecPending, ErrWrongDecisionFamily},
		{"nil decision", PreExecPending, nil, PreExecPending, ErrWrongDecisionFamily},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Next(tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPostExecState_Next(t *testing.T) {
	tests := []struct {
		name    string
		from    PostExecState
		d       Decision
		want    PostExecDecision
		wantErr error
	}{
		{"approve", PostExecPendingApproval, Approve{}, PostExecDecision{State: PostExecApproved}, nil},
		{"reject", PostExecPendingApproval, Reject{}, PostExecDecision{State: PostExecRejected}, nil},
		{
			"partial dedupes ids",
			PostExecPendingApproval,
			PartialApprove{ChangeIDs: []string{"change_2", "change_1", "change_2", " "}},
			PostExecDecision{State: PostExecPartial, ApprovedIDs: []string{"change_2", "change_1"}},
			nil,
		},
		{
			"partial without ids",
			PostExecPendingApproval,
			PartialApprove{},
			PostExecDecision{State: PostExecPendingApproval},
			ErrInvalidTransition,
		},
		{"approved is terminal", PostExecApproved, Reject{}, PostExecDecision{State: PostExecApproved}, ErrInvalidTransition},
		{"wrong family", PostExecPendingApproval, Confirm{}, PostExecDecision{State: PostExecPendingApproval}, ErrWrongDecisionFamily},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Next(tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
	}{
		{"confirm", Confirm{}},
		{" Y ", Confirm{}},
		{"cancel", Cancel{}},
		{"approve", Approve{}},
		{"reject", Reject{}},
		{"partial:change_1, change_3", PartialApprove{ChangeIDs: []string{"change_1", "change_3"}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecision(tt.in)
			if err != nil {
				t.Fatalf("ParseDecision: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := ParseDecision("maybe"); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestGate_AdmitAndClaim(t *testing.T) {
	reg := NewToolRegistry()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	approve := func(out json.RawMessage, d PostExecDecision) (json.RawMessage, error) { return out, nil }
	mustRegister(t, reg, Tool{Name: "plain", Handler: noop})
	mustRegister(t, reg, Tool{Name: "pre", Tier: TierPreExec, Handler: noop})
	mustRegister(t, reg, Tool{Name: "post", Tier: TierPostExec, Handler: noop, Approve: approve})

	gate := NewGate(reg)
	if got := gate.Admit("plain"); got != AdmitRun {
		t.Errorf("plain: %v", got)
	}
	if got := gate.Admit("pre"); got != AdmitDefer {
		t.Errorf("pre: %v", got)
	}
	if got := gate.Admit("post"); got != AdmitRunPendingApproval {
		t.Errorf("post: %v", got)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Claim("call_1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one claim to win, got %d", wins.Load())
	}

	gate.Release("call_1")
	if !gate.Claim("call_1") {
		t.Error("released call could not be claimed again")
	}
	if gate.Claim("call_1") {
		t.Error("claim after re-claim should lose")
	}
}

func TestWithConfirmation(t *testing.T) {
	rec := ConfirmationRecord{Tool: "edit_tool", State: string(PostExecPartial), ApprovedChanges: []string{"a"}}

	out, err := WithConfirmation(json.RawMessage(`{"draftId":"d1"}`), rec)
	if err != nil {
		t.Fatalf("WithConfirmation: %v", err)
	}
	got, ok := ConfirmationOf(out)
	if !ok {
		t.Fatalf("no confirmation in %s", out)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	wrapped, err := WithConfirmation(json.RawMessage(`"plain text"`), rec)
	if err != nil {
		t.Fatalf("WithConfirmation on string: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(wrapped, &m); err != nil {
		t.Fatalf("wrapped output is not an object: %s", wrapped)
	}
	if m["result"] != "plain text" {
		t.Errorf("result = %v", m["result"])
	}

	if _, ok := ConfirmationOf(json.RawMessage(`{"draftId":"d1"}`)); ok {
		t.Error("expected no confirmation record")
	}
}

func TestAwaitingConfirmationOutput_StoresInput(t *testing.T) {
	out := awaitingConfirmationOutput(ToolCallEndpoint, map[string]any{"url": "https://example.com", "method": "POST"})

	rec, ok := ConfirmationOf(out)
	if !ok || rec.State != string(PreExecPending) {
		t.Fatalf("unexpected record %+v (ok=%v)", rec, ok)
	}
	input, err := storedInput(out)
	if err != nil {
		t.Fatalf("storedInput: %v", err)
	}
	if input["url"] != "https://example.com" || input["method"] != "POST" {
		t.Errorf("input = %v", input)
	}
}

func TestContinuationFor(t *testing.T) {
	if got := ContinuationFor(ToolCallEndpoint, OutcomeCancelled); got != continuationTable[ToolCallEndpoint][OutcomeCancelled] {
		t.Errorf("call_endpoint cancelled: %q", got)
	}
	if got := ContinuationFor(ToolEditTool, OutcomePartial); got != continuationTable[ToolEditTool][OutcomePartial] {
		t.Errorf("edit_tool partial: %q", got)
	}
	if got := ContinuationFor("other_tool", OutcomeApproved); got != fallbackContinuations[OutcomeApproved] {
		t.Errorf("fallback approved: %q", got)
	}

	seen := make(map[string]bool)
	for tool, byOutcome := range continuationTable {
		for outcome, text := range byOutcome {
			if seen[text] {
				t.Errorf("%s/%s reuses an instruction", tool, outcome)
			}
			seen[text] = true
		}
	}

	msg := continuationMessage(ToolEditTool, "call_1", OutcomeRejected)
	if msg.Role != RoleSystem || !msg.Synthetic {
		t.Errorf("unexpected continuation message %+v", msg)
	}
}
