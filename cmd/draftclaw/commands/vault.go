package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/spf13/cobra"
)

// newVaultCmd creates the `draftclaw vault` command. The vault holds the
// integration credentials injected into runs and endpoint calls.
func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted credential vault",
		Long: `The vault stores integration credentials encrypted with AES-256-GCM,
keyed by a master password (Argon2id). Tools reference them as <<name>>
and the values never reach the model.

Set DRAFTCLAW_VAULT_PASSWORD to unlock without a prompt.

Examples:
  draftclaw vault init
  draftclaw vault set stripe_key
  draftclaw vault list`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create the vault",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				vault := copilot.NewVault(cfg.Vault.Path)
				if vault.Exists() {
					return fmt.Errorf("vault already exists at %s", vault.Path())
				}
				password, err := readNewPassword()
				if err != nil {
					return err
				}
				if err := vault.Create(password); err != nil {
					return err
				}
				vault.Lock()
				fmt.Printf("Vault created at %s\n", vault.Path())
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a credential (value read without echo)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withVault(cmd, func(v *copilot.Vault) error {
					value, err := copilot.ReadPassword(fmt.Sprintf("Value for %s: ", args[0]))
					if err != nil {
						return err
					}
					if value == "" {
						return fmt.Errorf("empty value")
					}
					if err := v.Set(args[0], value); err != nil {
						return err
					}
					fmt.Printf("Stored %s. Reference it as <<%s>>.\n", args[0], args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a credential",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withVault(cmd, func(v *copilot.Vault) error {
					if err := v.Delete(args[0]); err != nil {
						return err
					}
					fmt.Printf("Deleted %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List credential names",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withVault(cmd, func(v *copilot.Vault) error {
					keys, err := v.Keys()
					if err != nil {
						return err
					}
					if len(keys) == 0 {
						fmt.Println("Vault is empty.")
						return nil
					}
					fmt.Println(strings.Join(keys, "\n"))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "passwd",
			Short: "Change the master password",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withVault(cmd, func(v *copilot.Vault) error {
					password, err := readNewPassword()
					if err != nil {
						return err
					}
					if err := v.ChangePassword(password); err != nil {
						return err
					}
					fmt.Println("Master password changed.")
					return nil
				})
			},
		},
	)
	return cmd
}

// withVault unlocks the configured vault, runs fn and locks it again.
func withVault(cmd *cobra.Command, fn func(*copilot.Vault) error) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	vault, err := copilot.OpenVault(cfg.Vault.Path, logger)
	if err != nil {
		return err
	}
	if vault == nil {
		return fmt.Errorf("no unlocked vault at %s (run draftclaw vault init, or set DRAFTCLAW_VAULT_PASSWORD)", cfg.Vault.Path)
	}
	defer vault.Lock()
	return fn(vault)
}

func readNewPassword() (string, error) {
	password, err := copilot.ReadPassword("Master password: ")
	if err != nil {
		return "", err
	}
	if len(password) < 8 {
		return "", fmt.Errorf("password too short (minimum 8 characters)")
	}
	confirm, err := copilot.ReadPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords don't match")
	}
	return password, nil
}
