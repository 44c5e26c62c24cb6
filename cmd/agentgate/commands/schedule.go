package commands

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentgate/pkg/agentgate/scheduler"
)

// newScheduleCmd creates the `agentgate schedule` command group. It talks
// to a running daemon over the ops API.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled jobs",
		Long: `Manage the daemon's scheduled jobs.

Examples:
  agentgate schedule list
  agentgate schedule add "0 9 * * 1-5" "Send the daily briefing" --conversation standup
  agentgate schedule add 30m "Remind me about the deploy" --type at --conversation cli
  agentgate schedule disable <id>
  agentgate schedule remove <id>`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
		newScheduleToggleCmd("enable"),
		newScheduleToggleCmd("disable"),
	)
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var jobs []*scheduler.Job
			if err := client.do(http.MethodGet, "/api/jobs", nil, &jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSCHEDULE\tENABLED\tNEXT DUE\tRUNS\tDIRECTIVE")
			for _, j := range jobs {
				next := "-"
				if !j.NextDueAt.IsZero() {
					next = j.NextDueAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
					j.ID, j.Type, j.Schedule, j.Enabled, next, j.RunCount, j.Directive)
			}
			return w.Flush()
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <directive>",
		Short: "Add a new scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			jobType, _ := cmd.Flags().GetString("type")
			conversation, _ := cmd.Flags().GetString("conversation")
			personaName, _ := cmd.Flags().GetString("persona")

			job := scheduler.Job{
				Type:           jobType,
				Schedule:       args[0],
				Directive:      args[1],
				ConversationID: conversation,
				Persona:        personaName,
				Enabled:        true,
			}
			var created scheduler.Job
			if err := client.do(http.MethodPost, "/api/jobs", &job, &created); err != nil {
				return err
			}
			fmt.Printf("Job %s scheduled, next due %s\n",
				created.ID, created.NextDueAt.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().String("type", "cron", "schedule type (cron, every, at)")
	cmd.Flags().String("conversation", "", "conversation the job posts into (required)")
	cmd.Flags().String("persona", "", "persona override (defaults to the conversation's route)")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			if err := client.do(http.MethodDelete, "/api/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Job %s removed.\n", args[0])
			return nil
		},
	}
}

func newScheduleToggleCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: capitalize(action) + " a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			if err := client.do(http.MethodPost, "/api/jobs/"+args[0]+"/"+action, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Job %s %sd.\n", args[0], action)
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}
