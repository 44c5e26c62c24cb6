package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// starterConfig is written by `agentgate setup`. Values the operator must
// fill in are environment references so nothing sensitive lands on disk.
const starterConfig = `# agentgate configuration.
database: agentgate.db

logging:
  level: info
  format: text

# Providers are tried in order; later entries are fallbacks.
providers:
  - name: openai
    base_url: https://api.openai.com/v1
    api_key: ${OPENAI_API_KEY}
    model: gpt-4o-mini

personas:
  - name: assistant
    default: true
    workspace: .
    tools: []        # empty allows every registered tool

compaction:
  high_water_tokens: 100000
  low_water_tokens: 60000
  keep_recent: 6

gateway:
  enabled: true
  address: 127.0.0.1:8085
  # auth_token: ${AGENTGATE_API_TOKEN}

channels:
  discord_enabled: false
  discord:
    token: ${DISCORD_BOT_TOKEN:-}
`

// newSetupCmd creates the `agentgate setup` command that writes a starter
// config file.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter configuration file",
		Long: `Writes a commented starter config.yaml in the current directory.
Fill in provider credentials via environment variables, the OS keyring
(agentgate config set-key) or the encrypted vault (agentgate config vault init).`,
		RunE: runSetup,
	}

	cmd.Flags().StringP("output", "o", "config.yaml", "where to write the config file")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n\nNext steps:\n", path)
	fmt.Println("  1. export OPENAI_API_KEY=...   (or: agentgate config set-key openai)")
	fmt.Println("  2. agentgate chat \"hello\"")
	fmt.Println("  3. agentgate serve")
	return nil
}
