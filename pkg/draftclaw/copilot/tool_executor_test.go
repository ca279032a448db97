package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

func newTestExecutor(t *testing.T, tools ...Tool) (*ToolExecutor, *EventBus) {
	t.Helper()
	reg := NewToolRegistry()
	for _, tool := range tools {
		mustRegister(t, reg, tool)
	}
	bus := NewEventBus()
	cfg := AgentConfig{ToolTimeoutSeconds: 5, ParallelTools: true, MaxParallel: 2}
	return NewToolExecutor(reg, NewGate(reg), bus, cfg, nil), bus
}

func call(id, name string, args map[string]any) AssembledCall {
	raw, _ := json.Marshal(args)
	return AssembledCall{ID: id, Name: name, Arguments: args, RawArguments: string(raw)}
}

// recordEvents collects event types per call id.
func recordEvents(bus *EventBus) func() map[string][]string {
	var mu sync.Mutex
	got := make(map[string][]string)
	bus.Subscribe(func(ev AgentEvent) {
		if tc, ok := ev.Data.(ToolCallEvent); ok {
			mu.Lock()
			got[tc.CallID] = append(got[tc.CallID], ev.Type)
			mu.Unlock()
		}
	})
	return func() map[string][]string {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func TestExecuteRound_FailureIsolated(t *testing.T) {
	exec, bus := newTestExecutor(t,
		Tool{Name: "ok", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["v"]}, nil
		}},
		Tool{Name: "slow_fail", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("timeout")
		}},
		Tool{Name: "panics", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		}},
	)
	events := recordEvents(bus)

	parts := exec.ExecuteRound(context.Background(), []AssembledCall{
		call("c1", "ok", map[string]any{"v": "x"}),
		call("c2", "slow_fail", nil),
		call("c3", "panics", nil),
		call("c4", "nope", nil),
	}, nil)

	if len(parts) != 4 {
		t.Fatalf("got %d parts", len(parts))
	}
	wantIDs := []string{"c1", "c2", "c3", "c4"}
	wantStatus := []ToolStatus{ToolStatusCompleted, ToolStatusError, ToolStatusError, ToolStatusError}
	for i, p := range parts {
		if p.ID != wantIDs[i] || p.Tool.Status != wantStatus[i] {
			t.Errorf("part %d = %s/%s, want %s/%s", i, p.ID, p.Tool.Status, wantIDs[i], wantStatus[i])
		}
	}
	if string(parts[0].Tool.Output) != `{"echo":"x"}` {
		t.Errorf("ok output = %s", parts[0].Tool.Output)
	}
	for _, p := range parts[1:] {
		out := gjson.ParseBytes(p.Tool.Output)
		if out.Get("success").Bool() || out.Get("error").String() == "" || out.Get("suggestion").String() == "" {
			t.Errorf("%s: not an error-shaped result: %s", p.ID, p.Tool.Output)
		}
	}
	if !strings.Contains(string(parts[2].Tool.Output), "boom") {
		t.Errorf("panic message lost: %s", parts[2].Tool.Output)
	}

	got := events()
	if diff := cmp.Diff([]string{EventToolCallStart, EventToolCallComplete}, got["c1"]); diff != "" {
		t.Errorf("c1 events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{EventToolCallStart, EventToolCallError}, got["c2"]); diff != "" {
		t.Errorf("c2 events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{EventToolCallError}, got["c4"]); diff != "" {
		t.Errorf("c4 events (-want +got):\n%s", diff)
	}
}

func TestExecuteRound_RespectsParallelLimit(t *testing.T) {
	var active, peak atomic.Int32
	handler := func(ctx context.Context, args map[string]any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}
	exec, _ := newTestExecutor(t, Tool{Name: "work", Handler: handler})

	calls := make([]AssembledCall, 6)
	for i := range calls {
		calls[i] = call("c"+string(rune('a'+i)), "work", nil)
	}
	parts := exec.ExecuteRound(context.Background(), calls, nil)

	for _, p := range parts {
		if p.Tool.Status != ToolStatusCompleted || string(p.Tool.Output) != `"OK"` {
			t.Errorf("%s: %s %s", p.ID, p.Tool.Status, p.Tool.Output)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestExecuteRound_Gate(t *testing.T) {
	var preRuns, postRuns atomic.Int32
	exec, bus := newTestExecutor(t,
		Tool{Name: "pre", Tier: TierPreExec, Handler: func(ctx context.Context, args map[string]any) (any, error) {
			preRuns.Add(1)
			return map[string]any{"sent": args["body"]}, nil
		}},
		Tool{
			Name: "post", Tier: TierPostExec,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				postRuns.Add(1)
				return map[string]any{"changes": []any{}}, nil
			},
			Approve: func(out json.RawMessage, d PostExecDecision) (json.RawMessage, error) { return out, nil },
		},
	)
	events := recordEvents(bus)

	files := FileStore{"payload": map[string]any{"n": 1.0}}
	parts := exec.ExecuteRound(context.Background(), []AssembledCall{
		call("p1", "pre", map[string]any{"body": "file::payload"}),
		call("p2", "post", nil),
	}, files)

	if preRuns.Load() != 0 {
		t.Fatal("pre-exec handler ran before confirmation")
	}
	if postRuns.Load() != 1 {
		t.Fatalf("post-exec handler ran %d times", postRuns.Load())
	}
	for _, p := range parts {
		if p.Tool.Status != ToolStatusPending {
			t.Errorf("%s status = %s, want pending", p.ID, p.Tool.Status)
		}
	}
	if rec, _ := ConfirmationOf(parts[0].Tool.Output); rec.State != string(PreExecPending) {
		t.Errorf("pre record = %+v", rec)
	}
	if rec, _ := ConfirmationOf(parts[1].Tool.Output); rec.State != string(PostExecPendingApproval) {
		t.Errorf("post record = %+v", rec)
	}
	if string(parts[0].Tool.Input) != `{"body":"file::payload"}` {
		t.Errorf("input should keep the reference: %s", parts[0].Tool.Input)
	}
	got := events()
	if diff := cmp.Diff([]string{EventConfirmationRequired}, got["p1"]); diff != "" {
		t.Errorf("p1 events (-want +got):\n%s", diff)
	}

	out, status, err := exec.ExecuteConfirmed(context.Background(), parts[0])
	if err != nil {
		t.Fatalf("ExecuteConfirmed: %v", err)
	}
	if status != ToolStatusCompleted || preRuns.Load() != 1 {
		t.Errorf("status %s, runs %d", status, preRuns.Load())
	}
	if gjson.GetBytes(out, "sent.n").Int() != 1 {
		t.Errorf("confirmed call did not receive the resolved file: %s", out)
	}
	if rec, _ := ConfirmationOf(out); rec.State != string(PreExecConfirmed) {
		t.Errorf("confirmed record = %+v", rec)
	}

	if _, _, err := exec.ExecuteConfirmed(context.Background(), parts[0]); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("second execution err = %v", err)
	}
	if preRuns.Load() != 1 {
		t.Errorf("handler ran %d times", preRuns.Load())
	}
}

func TestExecuteRound_UnknownFileKey(t *testing.T) {
	exec, _ := newTestExecutor(t, Tool{Name: "use", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		t.Error("handler should not run")
		return nil, nil
	}})

	parts := exec.ExecuteRound(context.Background(), []AssembledCall{
		call("c1", "use", map[string]any{"data": "file::missing_key"}),
	}, FileStore{"report": "x"})

	out := gjson.ParseBytes(parts[0].Tool.Output)
	if parts[0].Tool.Status != ToolStatusError || out.Get("success").Bool() {
		t.Fatalf("unexpected part %+v", parts[0])
	}
	if !strings.Contains(out.Get("error").String(), "report") {
		t.Errorf("error should list valid keys: %s", parts[0].Tool.Output)
	}
}

func TestExecuteRound_Timeout(t *testing.T) {
	reg := NewToolRegistry()
	mustRegister(t, reg, Tool{Name: "hang", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	exec := NewToolExecutor(reg, NewGate(reg), nil, AgentConfig{ParallelTools: true}, nil)
	exec.timeout = 10 * time.Millisecond

	parts := exec.ExecuteRound(context.Background(), []AssembledCall{call("c1", "hang", nil)}, nil)
	if !strings.Contains(gjson.GetBytes(parts[0].Tool.Output, "suggestion").String(), "tool_timeout_seconds") {
		t.Errorf("timeout suggestion missing: %s", parts[0].Tool.Output)
	}
}

func TestExecuteRound_ReportsDuration(t *testing.T) {
	exec, bus := newTestExecutor(t,
		Tool{Name: "sleepy", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		}},
		Tool{Name: "sleepy_fail", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return nil, errors.New("nope")
		}},
	)

	var mu sync.Mutex
	durations := make(map[string]int64)
	bus.Subscribe(func(ev AgentEvent) {
		tc, ok := ev.Data.(ToolCallEvent)
		if !ok || (ev.Type != EventToolCallComplete && ev.Type != EventToolCallError) {
			return
		}
		mu.Lock()
		durations[ev.Type] = tc.DurationMs
		mu.Unlock()
	})

	exec.ExecuteRound(context.Background(), []AssembledCall{
		call("c1", "sleepy", nil),
		call("c2", "sleepy_fail", nil),
	}, nil)

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range []string{EventToolCallComplete, EventToolCallError} {
		if durations[typ] < 20 {
			t.Errorf("%s duration_ms = %d, want >= 20", typ, durations[typ])
		}
	}
}

func TestExecuteRound_CallIDInContext(t *testing.T) {
	var seen atomic.Value
	exec, _ := newTestExecutor(t, Tool{Name: "who", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		seen.Store(CallIDFromContext(ctx))
		return nil, nil
	}})

	exec.ExecuteRound(context.Background(), []AssembledCall{call("call_42", "who", nil)}, nil)
	if got, _ := seen.Load().(string); got != "call_42" {
		t.Errorf("call id in handler context = %q", got)
	}
}

func TestEncodeToolOutput(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, `"OK"`},
		{"plain", `"plain"`},
		{`{"a":1}`, `{"a":1}`},
		{`{broken`, `"{broken"`},
		{map[string]int{"n": 2}, `{"n":2}`},
		{json.RawMessage(`[1]`), `[1]`},
	}
	for _, tt := range tests {
		if got := string(encodeToolOutput(tt.in)); got != tt.want {
			t.Errorf("encodeToolOutput(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
