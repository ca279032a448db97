package commands

import (
	"fmt"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
)

// keyNames maps the CLI names to keyring entries.
var keyNames = map[string]string{
	"api":     copilot.KeyringAPIKey,
	"backend": copilot.KeyringBackendKey,
}

// newKeyCmd creates the `draftclaw key` command that keeps the LLM and
// backend API keys in the OS keyring.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Store API keys in the OS keyring",
		Long: `Keys in the OS keyring take precedence over environment variables
and config.yaml.

Examples:
  draftclaw key set api
  draftclaw key set backend
  draftclaw key delete api`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:       "set <api|backend>",
			Short:     "Store a key (read without echo)",
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			ValidArgs: []string{"api", "backend"},
			RunE: func(_ *cobra.Command, args []string) error {
				if !copilot.KeyringAvailable() {
					return fmt.Errorf("OS keyring is not available; use the DRAFTCLAW_API_KEY / DRAFTCLAW_BACKEND_API_KEY variables instead")
				}
				value, err := copilot.ReadPassword(fmt.Sprintf("%s key: ", args[0]))
				if err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty key")
				}
				if err := copilot.StoreKeyring(keyNames[args[0]], value); err != nil {
					return err
				}
				fmt.Printf("%s key stored in the OS keyring.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:       "delete <api|backend>",
			Short:     "Remove a key",
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			ValidArgs: []string{"api", "backend"},
			RunE: func(_ *cobra.Command, args []string) error {
				if err := copilot.DeleteKeyring(keyNames[args[0]]); err != nil {
					return err
				}
				fmt.Printf("%s key removed.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
