package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <access-key>",
	Short: "Query the authority for the status of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.pipeline.QueryStatus(cmd.Context(), args[0], cfg.Environment)
		if res == nil {
			return err
		}
		if perr := printOutcome(args[0], res.Status, res.Status, res.Reason, res.Protocol, ""); perr != nil {
			return perr
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
