package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the retry queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.queue.List(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(items)
		}
		for _, it := range items {
			fmt.Printf("%s %-16s %s attempt %d/%d next %s\n  %s\n",
				it.ID, it.Envelope.Operation, it.Envelope.AccessKey,
				it.Attempts, it.MaxAttempts, it.NextEligibleAt.Format(time.RFC3339), it.LastFailure)
		}
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead letters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		dead, err := a.queue.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(dead)
		}
		for _, d := range dead {
			fmt.Printf("%s %-16s %s after %d attempts at %s\n  %s\n",
				d.ItemID, d.Envelope.Operation, d.AccessKey, d.Attempts,
				d.DeadAt.Format(time.RFC3339), d.LastFailure)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDeadCmd)
}
