package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

// scriptedStream plays one scripted round per Stream call.
type scriptedStream struct {
	mu       sync.Mutex
	rounds   []func(req CompletionRequest) []StreamEvent
	requests []CompletionRequest
}

func (s *scriptedStream) Stream(ctx context.Context, req CompletionRequest, emit func(StreamEvent) error) error {
	s.mu.Lock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if i >= len(s.rounds) {
		return fmt.Errorf("unexpected round %d", i+1)
	}
	for _, ev := range s.rounds[i](req) {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return emit(StreamEvent{Done: true, FinishReason: "stop"})
}

func (s *scriptedStream) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func say(text string) func(CompletionRequest) []StreamEvent {
	return func(CompletionRequest) []StreamEvent { return []StreamEvent{{Content: text}} }
}

// fragments splits one call into id/name, then two argument deltas.
func fragments(index int, id, name, args string) []StreamEvent {
	mid := len(args) / 2
	return []StreamEvent{
		{Fragment: &ToolCallFragment{Index: index, CallID: id, Name: name}},
		{Fragment: &ToolCallFragment{Index: index, ArgumentsDelta: args[:mid]}},
		{Fragment: &ToolCallFragment{Index: index, ArgumentsDelta: args[mid:]}},
	}
}

func newTestAgent(t *testing.T, stream CompletionStream, tools ...Tool) (*Agent, *Transcript) {
	t.Helper()
	reg := NewToolRegistry()
	for _, tool := range tools {
		mustRegister(t, reg, tool)
	}
	cfg := DefaultConfig()
	cfg.Agent.MaxParallel = 2
	return NewAgent(cfg, stream, reg, NewEventBus(), nil), NewTranscript("", nil, nil)
}

func TestAgent_RunTurn_TwoRounds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{
		func(CompletionRequest) []StreamEvent {
			evs := []StreamEvent{{Content: "Checking. "}}
			evs = append(evs, fragments(0, "call_a", "lookup", `{"q":"a"}`)...)
			evs = append(evs, fragments(1, "call_b", "flaky", `{"q":"b"}`)...)
			return evs
		},
		say("Done."),
	}}
	agent, tr := newTestAgent(t, stream,
		Tool{Name: "lookup", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"found": args["q"]}, nil
		}},
		Tool{Name: "flaky", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("timeout")
		}},
	)

	var deltas strings.Builder
	agent.events.Subscribe(func(ev AgentEvent) {
		if ev.Type == EventDelta {
			deltas.WriteString(ev.Data.(string))
		}
	})

	res, err := agent.RunTurn(context.Background(), tr, "find a and b", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Content != "Checking. Done." || res.Rounds != 2 || res.Truncated {
		t.Errorf("result = %+v", res)
	}
	if deltas.String() != "Checking. Done." {
		t.Errorf("deltas = %q", deltas.String())
	}

	msgs := tr.Messages()
	if len(msgs) != 3 {
		t.Fatalf("transcript has %d messages", len(msgs))
	}
	parts := msgs[1].ToolParts()
	if len(parts) != 2 || parts[0].ID != "call_a" || parts[1].ID != "call_b" {
		t.Fatalf("tool parts = %+v", parts)
	}
	if parts[0].Tool.Status != ToolStatusCompleted || parts[1].Tool.Status != ToolStatusError {
		t.Errorf("statuses = %s, %s", parts[0].Tool.Status, parts[1].Tool.Status)
	}
	if msgs[2].Role != RoleAssistant || msgs[2].Content != "Done." {
		t.Errorf("final message = %+v", msgs[2])
	}

	// The reaction round sees both results under the model's call ids.
	second := stream.requests[1].Messages
	if got := second[len(second)-1].ToolParts(); len(got) != 2 || got[1].ID != "call_b" {
		t.Errorf("second round did not receive the results: %+v", got)
	}
}

func TestAgent_RunTurn_RoundBound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var n atomic.Int32
	again := func(CompletionRequest) []StreamEvent {
		id := fmt.Sprintf("call_%d", n.Add(1))
		return append([]StreamEvent{{Content: "more "}}, fragments(0, id, "loop", `{"n":1}`)...)
	}
	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{again, again, again}}
	agent, tr := newTestAgent(t, stream, Tool{Name: "loop", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return "again", nil
	}})

	res, err := agent.RunTurn(context.Background(), tr, "go", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if stream.calls() != maxToolRounds {
		t.Errorf("stream called %d times, want %d", stream.calls(), maxToolRounds)
	}
	if !res.Truncated || res.Rounds != maxToolRounds || res.Content != "more more " {
		t.Errorf("result = %+v", res)
	}
	// Every call of the last round still has a result.
	last := tr.Messages()[tr.Len()-1].ToolParts()
	if len(last) != 1 || last[0].Tool.Status != ToolStatusCompleted {
		t.Errorf("last round parts = %+v", last)
	}
}

func TestAgent_PreExecConfirmAndCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var sent atomic.Int32
	endpoint := Tool{Name: ToolCallEndpoint, Tier: TierPreExec, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		sent.Add(1)
		return map[string]any{"success": true, "status": 200}, nil
	}}

	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{
		func(CompletionRequest) []StreamEvent {
			evs := fragments(0, "call_1", ToolCallEndpoint, `{"url":"https://example.com/a"}`)
			return append(evs, fragments(1, "call_2", ToolCallEndpoint, `{"url":"https://example.com/b"}`)...)
		},
		say("Sent."),
	}}
	agent, tr := newTestAgent(t, stream, endpoint)
	ctx := context.Background()

	res, err := agent.RunTurn(ctx, tr, "call both", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Rounds != 1 || stream.calls() != 1 {
		t.Errorf("turn should pause after the first round: %+v", res)
	}
	if sent.Load() != 0 {
		t.Fatal("endpoint called before confirmation")
	}
	if len(res.Pending) != 2 || res.Pending[0].Tier != TierPreExec {
		t.Fatalf("pending = %+v", res.Pending)
	}

	r1, err := agent.Resolve(ctx, tr, "call_1", Confirm{})
	if err != nil {
		t.Fatalf("Resolve confirm: %v", err)
	}
	if r1.Outcome != OutcomeConfirmed || r1.Status != ToolStatusCompleted || sent.Load() != 1 {
		t.Errorf("confirm resolution = %+v, sent %d", r1, sent.Load())
	}

	r2, err := agent.Resolve(ctx, tr, "call_2", Cancel{})
	if err != nil {
		t.Fatalf("Resolve cancel: %v", err)
	}
	if r2.Outcome != OutcomeCancelled || r2.Status != ToolStatusDeclined || sent.Load() != 1 {
		t.Errorf("cancel resolution = %+v, sent %d", r2, sent.Load())
	}
	if rec, _ := ConfirmationOf(r2.Output); rec.State != string(PreExecCancelled) {
		t.Errorf("cancel record = %+v", rec)
	}

	if _, err := agent.Resolve(ctx, tr, "call_1", Confirm{}); !errors.Is(err, ErrNotPending) {
		t.Errorf("second confirm err = %v", err)
	}
	if _, err := agent.Resolve(ctx, tr, "call_9", Confirm{}); !errors.Is(err, ErrToolPartNotFound) {
		t.Errorf("unknown call err = %v", err)
	}
	if sent.Load() != 1 {
		t.Errorf("endpoint called %d times", sent.Load())
	}

	msgs := tr.Messages()
	var continuations []string
	for _, m := range msgs {
		if m.Synthetic {
			continuations = append(continuations, m.Content)
		}
	}
	if len(continuations) != 2 ||
		!strings.Contains(continuations[0], ContinuationFor(ToolCallEndpoint, OutcomeConfirmed)) ||
		!strings.Contains(continuations[1], ContinuationFor(ToolCallEndpoint, OutcomeCancelled)) {
		t.Errorf("continuations = %q", continuations)
	}

	res, err = agent.Continue(ctx, tr, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if res.Content != "Sent." || len(res.Pending) != 0 {
		t.Errorf("continue result = %+v", res)
	}
}

func TestAgent_PostExecPartialApproval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := &fakeBackend{built: ToolConfiguration{Steps: []ToolStep{
		{ID: "s1", URL: "https://a", Method: "GET", SystemID: "crm"},
	}}}
	draftIDFrom := func(req CompletionRequest) string {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			for _, p := range req.Messages[i].ToolParts() {
				if id := gjson.GetBytes(p.Tool.Output, "draftId").String(); id != "" {
					return id
				}
			}
		}
		return ""
	}
	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{
		func(CompletionRequest) []StreamEvent {
			return fragments(0, "call_build", ToolBuildTool, `{"instruction":"list users"}`)
		},
		say("Draft ready."),
		func(req CompletionRequest) []StreamEvent {
			args := fmt.Sprintf(`{"draftId":%q,"changes":[{"path":"steps.0.url","value":"https://b"},{"path":"steps.0.method","value":"POST"}]}`, draftIDFrom(req))
			return fragments(0, "call_edit", ToolEditTool, args)
		},
		say("Please review."),
	}}

	reg := NewToolRegistry()
	if err := NewDraftTools(backend, nil, 0, nil).Register(reg); err != nil {
		t.Fatal(err)
	}
	agent := NewAgent(DefaultConfig(), stream, reg, nil, nil)
	tr := NewTranscript("", nil, nil)
	ctx := context.Background()

	if _, err := agent.RunTurn(ctx, tr, "build a user sync", nil); err != nil {
		t.Fatalf("build turn: %v", err)
	}
	res, err := agent.RunTurn(ctx, tr, "use https://b and POST", nil)
	if err != nil {
		t.Fatalf("edit turn: %v", err)
	}
	// Post-exec results do not pause the turn.
	if res.Rounds != 2 || len(res.Pending) != 1 || res.Pending[0].Tier != TierPostExec {
		t.Fatalf("edit turn result = %+v", res)
	}

	draftID := draftIDFrom(CompletionRequest{Messages: tr.Messages()})
	if lookup, _ := ResolveDraft(tr.Messages(), draftID); lookup.Config.Steps[0].URL != "https://a" {
		t.Errorf("pending edit must not define the draft, got %s", lookup.Config.Steps[0].URL)
	}

	if _, err := agent.Resolve(ctx, tr, "call_edit", PartialApprove{ChangeIDs: []string{"change_9"}}); err == nil {
		t.Fatal("partial approval with an unknown change id should fail")
	}
	if p, _ := tr.ToolPart("call_edit"); p.Tool.Status != ToolStatusPending {
		t.Fatalf("failed decision changed status to %s", p.Tool.Status)
	}

	r, err := agent.Resolve(ctx, tr, "call_edit", PartialApprove{ChangeIDs: []string{"change_1"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Outcome != OutcomePartial || r.Status != ToolStatusCompleted {
		t.Errorf("resolution = %+v", r)
	}
	rec, ok := ConfirmationOf(r.Output)
	want := ConfirmationRecord{
		Tool:            ToolEditTool,
		State:           string(PostExecPartial),
		ApprovedChanges: []string{"change_1"},
		RejectedChanges: []string{"change_2"},
	}
	if diff := cmp.Diff(want, rec); !ok || diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	lookup, ok := ResolveDraft(tr.Messages(), draftID)
	if !ok || lookup.Config.Steps[0].URL != "https://b" || lookup.Config.Steps[0].Method != "GET" {
		t.Errorf("draft after partial approval = %+v", lookup.Config.Steps)
	}

	if _, err := agent.Resolve(ctx, tr, "call_edit", Approve{}); !errors.Is(err, ErrNotPending) {
		t.Errorf("second decision err = %v", err)
	}
}

func TestAgent_ResolveWrongFamily(t *testing.T) {
	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{
		func(CompletionRequest) []StreamEvent { return fragments(0, "call_1", "pre", `{"a":1}`) },
	}}
	var ran atomic.Bool
	agent, tr := newTestAgent(t, stream, Tool{Name: "pre", Tier: TierPreExec, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		ran.Store(true)
		return nil, nil
	}})

	if _, err := agent.RunTurn(context.Background(), tr, "go", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Resolve(context.Background(), tr, "call_1", Approve{}); !errors.Is(err, ErrWrongDecisionFamily) {
		t.Errorf("err = %v, want ErrWrongDecisionFamily", err)
	}
	if ran.Load() {
		t.Error("handler ran on a rejected decision")
	}
	if p, _ := tr.ToolPart("call_1"); p.Tool.Status != ToolStatusPending {
		t.Errorf("status = %s, want pending", p.Tool.Status)
	}
}

func TestAgent_DecisionWhileConfirmedCallRuns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	release := make(chan struct{})
	var sent atomic.Int32
	endpoint := Tool{Name: ToolCallEndpoint, Tier: TierPreExec, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		sent.Add(1)
		close(started)
		<-release
		return map[string]any{"success": true, "status": 200}, nil
	}}
	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{
		func(CompletionRequest) []StreamEvent {
			return fragments(0, "call_1", ToolCallEndpoint, `{"url":"https://example.com/a"}`)
		},
	}}
	agent, tr := newTestAgent(t, stream, endpoint)
	ctx := context.Background()

	var mu sync.Mutex
	runIDs := make(map[string]bool)
	agent.events.Subscribe(func(ev AgentEvent) {
		if ev.Type == EventToolCallStart || ev.Type == EventToolCallComplete {
			mu.Lock()
			runIDs[ev.RunID] = true
			mu.Unlock()
		}
	})

	if _, err := agent.RunTurn(ctx, tr, "call it", nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	type outcome struct {
		res *Resolution
		err error
	}
	confirmed := make(chan outcome, 1)
	go func() {
		res, err := agent.Resolve(ctx, tr, "call_1", Confirm{})
		confirmed <- outcome{res, err}
	}()
	<-started

	if _, err := agent.Resolve(ctx, tr, "call_1", Cancel{}); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("cancel during execution err = %v, want ErrAlreadyExecuted", err)
	}
	if p, _ := tr.ToolPart("call_1"); p.Tool.Status != ToolStatusPending {
		t.Errorf("status while running = %s, want pending", p.Tool.Status)
	}

	close(release)
	got := <-confirmed
	if got.err != nil {
		t.Fatalf("confirm: %v", got.err)
	}
	if got.res.Outcome != OutcomeConfirmed || sent.Load() != 1 {
		t.Errorf("confirm resolution = %+v, sent %d", got.res, sent.Load())
	}
	if p, _ := tr.ToolPart("call_1"); p.Tool.Status != ToolStatusCompleted {
		t.Errorf("final status = %s, want completed", p.Tool.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.res.RunID == "" || len(runIDs) != 1 || !runIDs[got.res.RunID] {
		t.Errorf("tool events run ids = %v, resolution run id %q", runIDs, got.res.RunID)
	}
	if _, leaked := agent.events.seqByRun.Load(got.res.RunID); leaked {
		t.Error("sequence counter kept after the decision")
	}
}

func TestAgent_LaterRoundStreamErrorKeepsContent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stream := &scriptedStream{rounds: []func(CompletionRequest) []StreamEvent{
		func(CompletionRequest) []StreamEvent {
			return append([]StreamEvent{{Content: "Looking it up. "}}, fragments(0, "call_1", "lookup", `{"q":"a"}`)...)
		},
	}}
	agent, tr := newTestAgent(t, stream, Tool{Name: "lookup", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return "found", nil
	}})

	var done []DoneEvent
	agent.events.Subscribe(func(ev AgentEvent) {
		if d, ok := ev.Data.(DoneEvent); ok && ev.Type == EventDone {
			done = append(done, d)
		}
	})

	res, err := agent.RunTurn(context.Background(), tr, "find a", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Content != "Looking it up. " || res.Rounds != 2 || !res.Interrupted || !strings.Contains(res.StreamError, "unexpected round 2") {
		t.Errorf("result = %+v", res)
	}
	if len(done) != 1 || !done[0].Interrupted || done[0].Rounds != 2 {
		t.Errorf("done events = %+v", done)
	}
	if tr.Len() != 2 {
		t.Fatalf("transcript has %d messages, want 2", tr.Len())
	}
	if parts := tr.Messages()[1].ToolParts(); len(parts) != 1 || parts[0].Tool.Status != ToolStatusCompleted {
		t.Errorf("first round parts = %+v", parts)
	}
}

func TestAgent_StreamErrorFailsTurn(t *testing.T) {
	agent, tr := newTestAgent(t, &scriptedStream{})
	if _, err := agent.RunTurn(context.Background(), tr, "hi", nil); err == nil {
		t.Error("expected stream error")
	}
	if _, err := agent.RunTurn(context.Background(), tr, "  ", nil); err == nil {
		t.Error("expected error for empty message")
	}
}
