package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
)

// newSessionsCmd creates the `draftclaw sessions` command.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and inspect stored transcripts",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recent first",
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := newRuntime(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()

				sessions, err := rt.store.ListSessions()
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions yet. Start one with: draftclaw chat")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tMESSAGES\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.Messages, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Print a transcript",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := newRuntime(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()

				msgs, err := rt.store.LoadMessages(args[0])
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					return fmt.Errorf("session %s not found", args[0])
				}
				for _, m := range msgs {
					printMessage(m)
				}
				return nil
			},
		},
	)
	return cmd
}

func printMessage(m copilot.Message) {
	role := string(m.Role)
	if m.Synthetic {
		role += " (continuation)"
	}
	if text := strings.TrimSpace(m.Content); text != "" {
		fmt.Printf("[%s] %s\n", role, text)
	}
	for _, p := range m.ToolParts() {
		fmt.Printf("[%s] %s %s → %s\n", role, p.Tool.Name, p.ID, p.Tool.Status)
	}
}
