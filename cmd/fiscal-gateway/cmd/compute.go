package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/tax"
)

var computeCmd = &cobra.Command{
	Use:   "compute <document.json|nfe.xml>",
	Short: "Compute the taxes of a document without transmitting it",
	Long: `Compute applies defaults, derives the access key and computes every tax
component and the document totals. Nothing is signed or transmitted.

Examples:
  fiscal-gateway compute invoice.json
  fiscal-gateway compute invoice.json -f table
  fiscal-gateway compute nfeProc.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runCompute,
}

func init() {
	rootCmd.AddCommand(computeCmd)
}

func runCompute(cmd *cobra.Command, args []string) error {
	doc, err := readDocument(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	engine := tax.NewEngine(catalog.NewHolder(cfg.Catalog.File, catalog.WithLogger(log)), tax.WithLogger(log))
	if doc.Environment == "" {
		doc.Environment = cfg.Environment
	}
	doc.ApplyDefaults()
	if err := doc.EnsureAccessKey(); err != nil {
		return err
	}
	res, err := engine.Compute(doc)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(struct {
			Document      *model.FiscalDocument `json:"document"`
			Findings      []model.Finding       `json:"findings,omitempty"`
			CatalogSource string                `json:"catalog_source"`
		}{doc, res.Findings, res.CatalogSource})
	}

	fmt.Printf("Access key: %s\n", doc.AccessKey)
	fmt.Printf("Rate table: %s\n", res.CatalogSource)
	for i, item := range doc.Items {
		fmt.Printf("  #%d %s %s\n", i+1, item.Code, item.GrossValue().StringFixed(2))
		for _, kind := range slices.Sorted(maps.Keys(item.Taxes)) {
			c := item.Taxes[kind]
			fmt.Printf("      %-8s base %12s rate %8s value %12s\n",
				c.Kind, c.Base.StringFixed(2), c.Rate.StringFixed(4), c.Value.StringFixed(2))
		}
	}
	fmt.Printf("Document total: %s\n", doc.Totals.DocumentTotal.StringFixed(2))
	for _, f := range res.Findings {
		fmt.Printf("  ⚠ [%s/%s] %s\n", f.Category, f.Severity, f.Message)
	}
	return nil
}
