package commands

import (
	"encoding/json"
	"fmt"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
)

// newDraftCmd creates the `draftclaw draft` command for inspecting drafts
// recorded in a session transcript.
func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect tool drafts of a session",
		Long: `Drafts live only in the session transcript: the newest successful
build_tool or edit_tool result for a draft id defines it.

Examples:
  draftclaw draft list --session <id>
  draftclaw draft show draft_1a2b... --session <id>`,
	}
	cmd.PersistentFlags().StringP("session", "s", "", "session id")
	_ = cmd.MarkPersistentFlagRequired("session")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List draft ids, newest first",
			RunE: func(cmd *cobra.Command, _ []string) error {
				msgs, err := loadSessionMessages(cmd)
				if err != nil {
					return err
				}
				ids := copilot.DraftIDs(msgs)
				if len(ids) == 0 {
					fmt.Println("No drafts in this session.")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <draft-id>",
			Short: "Print the current configuration of a draft",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				msgs, err := loadSessionMessages(cmd)
				if err != nil {
					return err
				}
				lookup, ok := copilot.ResolveDraft(msgs, args[0])
				if !ok {
					return fmt.Errorf("draft %s not found in this session", args[0])
				}
				out, err := json.MarshalIndent(map[string]any{
					"draftId":     args[0],
					"fromCall":    lookup.CallID,
					"systemIds":   lookup.SystemIDs,
					"instruction": lookup.Instruction,
					"config":      lookup.Config,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			},
		},
	)
	return cmd
}

// loadSessionMessages reads the transcript named by --session.
func loadSessionMessages(cmd *cobra.Command) ([]copilot.Message, error) {
	sessionID, _ := cmd.Flags().GetString("session")
	rt, err := newRuntime(cmd)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	msgs, err := rt.store.LoadMessages(sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return msgs, nil
}
