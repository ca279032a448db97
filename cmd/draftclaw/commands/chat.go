package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/chzyer/readline"
	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/term"
)

// newChatCmd creates the `draftclaw chat` command.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the integration assistant",
		Long: `Starts a conversation with the assistant. With a message argument a
single turn runs and the command exits; without one an interactive
session starts.

Examples:
  draftclaw chat "Build a tool that lists open Jira issues"
  draftclaw chat --file customers.csv
  draftclaw chat --session 3f1c...   # resume a session`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("session", "s", "", "session id to resume")
	cmd.Flags().StringSliceP("file", "f", nil, "files to upload (json, yaml, csv or text)")
	cmd.Flags().StringP("model", "m", "", "LLM model to use (overrides config)")
	return cmd
}

// chatSession holds the state of one CLI conversation.
type chatSession struct {
	rt          *runtime
	agent       *copilot.Agent
	transcript  *copilot.Transcript
	files       turnFiles
	out         io.Writer
	interactive bool
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if model, _ := cmd.Flags().GetString("model"); model != "" {
		rt.cfg.Model = model
	}

	vault, err := copilot.OpenVault(rt.cfg.Vault.Path, rt.logger)
	if err != nil {
		return err
	}
	if vault != nil {
		defer vault.Lock()
	}

	sessionID, _ := cmd.Flags().GetString("session")
	transcript, err := copilot.LoadTranscript(sessionID, rt.store, rt.logger)
	if err != nil {
		return err
	}

	registry := copilot.NewToolRegistry()
	tools := copilot.NewDraftTools(rt.backend(), vault, rt.cfg.Agent.EndpointTimeout(), rt.logger)
	if err := tools.Register(registry); err != nil {
		return err
	}

	bus := copilot.NewEventBus()
	llm := copilot.NewLLMClient(rt.cfg, rt.logger)
	s := &chatSession{
		rt:          rt,
		agent:       copilot.NewAgent(rt.cfg, llm, registry, bus, rt.logger),
		transcript:  transcript,
		out:         os.Stdout,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	bus.Subscribe(s.onEvent)

	paths, _ := cmd.Flags().GetStringSlice("file")
	for _, path := range paths {
		if err := s.upload(path); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		return s.turn(ctx, args[0])
	}
	return s.repl(ctx)
}

// repl reads user input until EOF or /quit.
func (s *chatSession) repl(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          strings.ToLower(s.rt.cfg.Name) + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".draftclaw_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintf(s.out, "Session %s. Type /help for commands.\n", s.transcript.SessionID())
	if pending := s.agent.PendingActions(s.transcript); len(pending) > 0 {
		fmt.Fprintf(s.out, "%d call(s) from the last session wait for a decision.\n", len(pending))
		s.printPending(pending)
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.turn(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// command handles a slash command. It reports whether the REPL should exit.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, `Commands:
  /upload <path>             add a file to the next message, as file::<key>
  /files                     list file keys of this and the next turn
  /pending                   list calls waiting for a decision
  /decide <call-id> <choice> confirm | cancel | approve | reject | partial:<id>,...
  /continue                  let the assistant react to decisions
  /drafts                    list drafts of this session
  /session                   show the session id
  /quit                      leave`)
	case "/upload":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /upload <path>")
		}
		for _, path := range fields[1:] {
			if err := s.upload(path); err != nil {
				return false, err
			}
		}
	case "/files":
		for _, key := range s.files.current.Keys() {
			fmt.Fprintf(s.out, "  %s%s\n", copilot.FileRefPrefix, key)
		}
		for _, key := range s.files.staged.Keys() {
			fmt.Fprintf(s.out, "  %s%s (next message)\n", copilot.FileRefPrefix, key)
		}
	case "/pending":
		s.printPending(s.agent.PendingActions(s.transcript))
	case "/decide":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: /decide <call-id> <choice>")
		}
		decision, err := copilot.ParseDecision(fields[2])
		if err != nil {
			return false, err
		}
		if _, err := s.agent.Resolve(ctx, s.transcript, fields[1], decision); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "%s: %s\n", fields[1], decision)
	case "/continue":
		return false, s.run(ctx, func() (*copilot.TurnResult, error) {
			return s.agent.Continue(ctx, s.transcript, s.files.Current())
		})
	case "/drafts":
		for _, id := range copilot.DraftIDs(s.transcript.Messages()) {
			fmt.Fprintf(s.out, "  %s\n", id)
		}
	case "/session":
		fmt.Fprintln(s.out, s.transcript.SessionID())
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

// turn sends one user message and walks the user through any decisions.
// The message sees only the files uploaded since the previous message.
func (s *chatSession) turn(ctx context.Context, text string) error {
	files := s.files.Begin()
	return s.run(ctx, func() (*copilot.TurnResult, error) {
		return s.agent.RunTurn(ctx, s.transcript, text, files)
	})
}

func (s *chatSession) run(ctx context.Context, step func() (*copilot.TurnResult, error)) error {
	for {
		res, err := step()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out)
		if res.Truncated {
			fmt.Fprintln(s.out, "(tool round limit reached, send a message to continue)")
		}
		if res.Interrupted {
			fmt.Fprintf(s.out, "(reply interrupted: %s)\n", res.StreamError)
		}
		if len(res.Pending) == 0 {
			return nil
		}
		if !s.interactive {
			s.printPending(res.Pending)
			return nil
		}

		resolved, err := s.decideAll(ctx, res.Pending)
		if err != nil {
			return err
		}
		if !resolved {
			return nil
		}
		step = func() (*copilot.TurnResult, error) {
			return s.agent.Continue(ctx, s.transcript, s.files.Current())
		}
	}
}

// decideAll prompts for every pending call. It returns false when the user
// aborted a prompt; the remaining calls stay pending.
func (s *chatSession) decideAll(ctx context.Context, pending []copilot.PendingAction) (bool, error) {
	for _, p := range pending {
		decision, err := s.ask(p)
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(s.out, "Left pending. Use /decide to answer later.")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		res, err := s.agent.Resolve(ctx, s.transcript, p.CallID, decision)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "  %s %s: %s\n", p.Tool, p.CallID, res.Outcome)
	}
	return true, nil
}

// ask renders the confirmation prompt matching the call's tier.
func (s *chatSession) ask(p copilot.PendingAction) (copilot.Decision, error) {
	if p.Tier == copilot.TierPreExec {
		part, _ := s.transcript.ToolPart(p.CallID)
		confirmed := true
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Run %s?", p.Tool)).
			Description(describeInput(part.Tool.Input)).
			Affirmative("Confirm").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			return nil, err
		}
		if confirmed {
			return copilot.Confirm{}, nil
		}
		return copilot.Cancel{}, nil
	}

	out := gjson.ParseBytes(p.Output)
	if diff := out.Get("diff").String(); diff != "" {
		fmt.Fprintf(s.out, "\nProposed changes to %s:\n%s\n", out.Get("draftId").String(), diff)
	}

	choice := "approve"
	err := huh.NewSelect[string]().
		Title(fmt.Sprintf("Apply the %s changes?", p.Tool)).
		Options(
			huh.NewOption("Approve all", "approve"),
			huh.NewOption("Reject all", "reject"),
			huh.NewOption("Choose changes", "partial"),
		).
		Value(&choice).
		Run()
	if err != nil {
		return nil, err
	}
	if choice != "partial" {
		return copilot.ParseDecision(choice)
	}

	var options []huh.Option[string]
	for _, c := range out.Get("changes").Array() {
		options = append(options, huh.NewOption(c.Get("summary").String(), c.Get("id").String()))
	}
	var ids []string
	err = huh.NewMultiSelect[string]().
		Title("Changes to apply").
		Options(options...).
		Value(&ids).
		Run()
	if err != nil {
		return nil, err
	}
	return copilot.PartialApprove{ChangeIDs: ids}, nil
}

func (s *chatSession) printPending(pending []copilot.PendingAction) {
	for _, p := range pending {
		kind := "confirm | cancel"
		if p.Tier == copilot.TierPostExec {
			kind = "approve | reject | partial:<ids>"
		}
		fmt.Fprintf(s.out, "  %s  %s  (%s)\n", p.CallID, p.Tool, kind)
	}
}

func (s *chatSession) upload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	key, err := s.files.Stage(filepath.Base(path), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Uploaded %s as %s%s\n", path, copilot.FileRefPrefix, key)
	return nil
}

// onEvent streams content and one line per tool call.
func (s *chatSession) onEvent(ev copilot.AgentEvent) {
	switch ev.Type {
	case copilot.EventDelta:
		if text, ok := ev.Data.(string); ok {
			fmt.Fprint(s.out, text)
		}
	case copilot.EventToolCallComplete:
		if tc, ok := ev.Data.(copilot.ToolCallEvent); ok {
			fmt.Fprintf(s.out, "\n  ✓ %s (%dms)", tc.Tool, tc.DurationMs)
		}
	case copilot.EventToolCallError:
		if tc, ok := ev.Data.(copilot.ToolCallEvent); ok {
			fmt.Fprintf(s.out, "\n  ✗ %s: %s", tc.Tool, tc.Error)
		}
	case copilot.EventConfirmationRequired:
		if tc, ok := ev.Data.(copilot.ToolCallEvent); ok {
			fmt.Fprintf(s.out, "\n  ? %s waits for confirmation", tc.Tool)
		}
	case copilot.EventApprovalRequired:
		if tc, ok := ev.Data.(copilot.ToolCallEvent); ok {
			fmt.Fprintf(s.out, "\n  ? %s waits for approval", tc.Tool)
		}
	}
}

// turnFiles scopes uploads to user turns. Files staged before a message
// belong to that message's turn; decisions and /continue keep using them.
type turnFiles struct {
	staged  copilot.FileStore
	current copilot.FileStore
}

// Stage adds a file for the next message.
func (f *turnFiles) Stage(name string, data []byte) (string, error) {
	if f.staged == nil {
		f.staged = copilot.FileStore{}
	}
	return f.staged.Add(name, data)
}

// Begin starts a turn with the staged files and clears the stage.
func (f *turnFiles) Begin() copilot.FileStore {
	f.current, f.staged = f.staged, nil
	if f.current == nil {
		f.current = copilot.FileStore{}
	}
	return f.current
}

// Current returns the files of the turn in progress.
func (f *turnFiles) Current() copilot.FileStore {
	return f.current
}

// describeInput summarizes a call_endpoint input for the prompt.
func describeInput(input []byte) string {
	in := gjson.ParseBytes(input)
	method := in.Get("method").String()
	if method == "" {
		method = "GET"
	}
	desc := method + " " + in.Get("url").String()
	if body := in.Get("body"); body.Exists() {
		desc += "\n" + truncateText(body.Raw, 300)
	}
	return desc
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
