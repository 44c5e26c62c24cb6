package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/agentgate/pkg/agentgate/secrets"
)

// newConfigCmd creates the `agentgate config` command group for inspecting
// configuration and managing credentials.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and manage credentials",
		Long: `Inspect the resolved configuration and manage provider credentials.

Credential storage, most to least secure:
  vault    encrypted file, requires a master password
  keyring  OS-native secret storage
  config   plaintext in config.yaml

Examples:
  agentgate config show
  agentgate config set-key openai
  agentgate config vault init
  agentgate config vault set OPENAI_API_KEY`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetKeyCmd(),
		newConfigVaultCmd(),
	)
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s: OK\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}

			// Redact before printing.
			for i := range cfg.Providers {
				if cfg.Providers[i].APIKey != "" {
					cfg.Providers[i].APIKey = "***"
				}
			}
			if cfg.Gateway.AuthToken != "" {
				cfg.Gateway.AuthToken = "***"
			}
			if cfg.Channels.Discord.Token != "" {
				cfg.Channels.Discord.Token = "***"
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s", path, out)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provider>",
		Short: "Store a provider API key in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !secrets.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available, use: agentgate config vault init")
			}
			key, err := secrets.ReadPassword(fmt.Sprintf("API key for %s: ", args[0]))
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			name := secrets.ProviderKeyName(args[0])
			if err := secrets.StoreKeyring(name, key); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Printf("Stored %s in the OS keyring. Remove any plaintext copy from config.yaml and .env.\n", name)
			return nil
		},
	}
}

func newConfigVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secret vault",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create a new vault",
			RunE: func(_ *cobra.Command, _ []string) error {
				vault := secrets.NewVault(secrets.VaultFile)
				if vault.Exists() {
					return fmt.Errorf("vault already exists at %s", vault.Path())
				}
				password, err := secrets.ReadPassword("Master password: ")
				if err != nil {
					return err
				}
				confirm, err := secrets.ReadPassword("Confirm password: ")
				if err != nil {
					return err
				}
				if password != confirm {
					return fmt.Errorf("passwords do not match")
				}
				if err := vault.Create(password); err != nil {
					return err
				}
				fmt.Printf("Vault created at %s\n", vault.Path())
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a secret in the vault",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				vault, err := unlockVault()
				if err != nil {
					return err
				}
				value, err := secrets.ReadPassword(fmt.Sprintf("Value for %s: ", args[0]))
				if err != nil {
					return err
				}
				if err := vault.Set(args[0], value); err != nil {
					return err
				}
				fmt.Printf("Stored %s in the vault.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List secret names in the vault",
			RunE: func(_ *cobra.Command, _ []string) error {
				vault, err := unlockVault()
				if err != nil {
					return err
				}
				keys := vault.Keys()
				if len(keys) == 0 {
					fmt.Println("Vault is empty.")
					return nil
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret from the vault",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				vault, err := unlockVault()
				if err != nil {
					return err
				}
				if err := vault.Delete(args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s from the vault.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// unlockVault opens the vault via AGENTGATE_VAULT_PASSWORD or a prompt.
func unlockVault() (*secrets.Vault, error) {
	vault := secrets.NewVault(secrets.VaultFile)
	if !vault.Exists() {
		return nil, fmt.Errorf("no vault at %s, run: agentgate config vault init", vault.Path())
	}
	if pass := os.Getenv("AGENTGATE_VAULT_PASSWORD"); pass != "" {
		if err := vault.Unlock(pass); err == nil {
			return vault, nil
		}
		slog.Warn("AGENTGATE_VAULT_PASSWORD did not unlock the vault, prompting")
	}
	password, err := secrets.ReadPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}
