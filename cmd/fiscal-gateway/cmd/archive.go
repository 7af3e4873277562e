package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-gateway/internal/artifact"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage the document archive",
}

var archiveListCmd = &cobra.Command{
	Use:   "list [authorized|rejected|contingency]",
	Short: "List archived documents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openArchive()
		if err != nil {
			return err
		}
		kinds := artifact.Kinds
		if len(args) == 1 {
			kinds = []artifact.Kind{artifact.Kind(args[0])}
		}
		var all []artifact.Entry
		for _, k := range kinds {
			entries, err := store.List(k)
			if err != nil {
				return err
			}
			all = append(all, entries...)
		}
		if outputFormat == "json" {
			return printJSON(all)
		}
		for _, e := range all {
			fmt.Printf("%-12s %s %-8s %8d %s\n", e.Kind, e.AccessKey, e.Suffix, e.Size, e.Path)
		}
		return nil
	},
}

var archivePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove archived documents older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openArchive()
		if err != nil {
			return err
		}
		n, err := store.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d files older than %s\n", n, store.Retention())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd, archivePurgeCmd)
}

func openArchive() (*artifact.Store, error) {
	compression, err := artifact.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return nil, err
	}
	return artifact.New(cfg.Archive.Root,
		artifact.WithCompression(compression),
		artifact.WithRetention(cfg.Archive.Retention),
		artifact.WithLogger(log),
	)
}
