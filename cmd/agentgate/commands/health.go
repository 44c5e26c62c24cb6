package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `agentgate health` command. It queries the
// daemon's /health endpoint; useful for Docker HEALTHCHECK and monitoring.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the daemon's health",
		Long:  `Queries the running daemon's health endpoint and prints the result. Exits non-zero when the daemon is unreachable or degraded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var status map[string]any
			if err := client.do(http.MethodGet, "/health", nil, &status); err != nil {
				return err
			}

			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))

			if s, _ := status["status"].(string); s != "ok" {
				os.Exit(1)
			}
			return nil
		},
	}
}
