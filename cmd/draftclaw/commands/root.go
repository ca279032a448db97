// Package commands implements the draftclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "draftclaw",
		Short: "DraftClaw - conversational integration builder",
		Long: `DraftClaw is a chat assistant that builds, edits and runs API
integration tools through an integration backend.

Examples:
  draftclaw chat
  draftclaw chat "Build a tool that lists Stripe customers"
  draftclaw vault set stripe_key
  draftclaw sessions list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newDraftCmd(),
		newSessionsCmd(),
		newRunsCmd(),
		newToolCmd(),
		newVaultCmd(),
		newKeyCmd(),
		newConfigCmd(),
		newCompletionCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
