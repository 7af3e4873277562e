package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the tax rate table",
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active rate table (built-in defaults plus the configured file)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := catalog.NewHolder(cfg.Catalog.File, catalog.WithLogger(log)).Current()
		log.Info("rate table", "source", c.Source())
		if outputFormat == "json" {
			return printJSON(c.Table())
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(c.Table())
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogShowCmd)
}
