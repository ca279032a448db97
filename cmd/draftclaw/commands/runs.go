package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
)

// newRunsCmd creates the `draftclaw runs` command for backend run history.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List and cancel tool runs on the integration backend",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			toolID, _ := cmd.Flags().GetString("tool")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			page, err := rt.backend().ListRuns(ctx, copilot.ListRunsParams{
				ToolID: toolID,
				Status: copilot.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTOOL\tSTATUS\tSTARTED")
			for _, r := range page.Data {
				started := "-"
				if r.Metadata.StartedAt != nil {
					started = r.Metadata.StartedAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RunID, r.ToolID, r.Status, started)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Printf("(%d of %d shown)\n", len(page.Data), page.Total)
			}
			return nil
		},
	}
	listCmd.Flags().String("tool", "", "filter by tool id")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().Int("limit", 20, "maximum runs to show")

	cancelCmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			run, err := rt.backend().CancelRun(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Run %s: %s\n", run.RunID, run.Status)
			return nil
		},
	}

	cmd.AddCommand(listCmd, cancelCmd)
	return cmd
}
