package commands

import (
	"fmt"
	"os"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `draftclaw config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Examples:
  draftclaw config init
  draftclaw config show
  draftclaw config validate`,
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "config.yaml"
			if len(args) > 0 {
				target = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", target)
			}
			if err := copilot.SaveConfigToFile(copilot.DefaultConfig(), target); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", target)
			fmt.Println("Next: draftclaw key set api && draftclaw vault init")
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (keys masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.API.APIKey = maskKey(cfg.API.APIKey)
			masked.Backend.APIKey = maskKey(cfg.Backend.APIKey)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults)"
			}
			fmt.Printf("# %s\n%s", path, data)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no configuration file found")
			}
			copilot.AuditConfig(path, newLogger(cmd, cfg, os.Stderr))
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, validateCmd)
	return cmd
}

func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "****" + key[len(key)-4:]
	}
}
