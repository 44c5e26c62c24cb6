package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentgate/pkg/agentgate/channels"
)

// cliConversationID is the conversation used by the local chat command.
const cliConversationID = "cli"

// newChatCmd creates the `agentgate chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent from the terminal",
		Long: `Run one turn or an interactive session against the configured
personas, without starting the daemon. Uses the same session log as serve.

Examples:
  agentgate chat "What is on the agenda today?"
  agentgate chat                      # interactive
  agentgate chat -s standup "status"  # address a conversation binding`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("session", "s", cliConversationID, "conversation id to use")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	convID, _ := cmd.Flags().GetString("session")
	ctx := context.Background()

	if len(args) > 0 {
		return chatOnce(ctx, rt, convID, args[0])
	}

	// Interactive mode.
	fmt.Println("agentgate interactive chat. Empty line or Ctrl+D exits.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		if err := chatOnce(ctx, rt, convID, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func chatOnce(ctx context.Context, rt *runtime, convID, content string) error {
	reply, err := rt.dispatcher.HandleMessage(ctx, &channels.IncomingMessage{
		Channel:        "cli",
		ConversationID: convID,
		Content:        content,
	})
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
