// Package fiscallib provides a public API for computing the taxes of
// Brazilian electronic invoices (NF-e) and rendering them as unsigned XML.
//
// Example usage:
//
//	calc := fiscallib.NewCalculator()
//	res, err := calc.ComputeJSON(reader)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Document.Totals.DocumentTotal)
package fiscallib

import "github.com/rezonia/fiscal-gateway/internal/model"

// Re-export core types for public API
type (
	FiscalDocument = model.FiscalDocument
	Party          = model.Party
	LineItem       = model.LineItem
	TaxComponent   = model.TaxComponent
	TaxKind        = model.TaxKind
	DocumentTotals = model.DocumentTotals
	Environment    = model.Environment
	Status         = model.Status
	Finding        = model.Finding
	EventRecord    = model.EventRecord
	NumberingRange = model.NumberingRange
)

// Re-export tax kinds
const (
	TaxICMS       = model.TaxICMS
	TaxICMSST     = model.TaxICMSST
	TaxICMSUFDest = model.TaxICMSUFDest
	TaxFCPUFDest  = model.TaxFCPUFDest
	TaxIPI        = model.TaxIPI
	TaxPIS        = model.TaxPIS
	TaxCOFINS     = model.TaxCOFINS
	TaxISS        = model.TaxISS
	TaxIBSUF      = model.TaxIBSUF
	TaxIBSMun     = model.TaxIBSMun
	TaxCBS        = model.TaxCBS
	TaxIS         = model.TaxIS
)

// Re-export environments
const (
	EnvironmentProduction   = model.EnvironmentProduction
	EnvironmentHomologation = model.EnvironmentHomologation
)

// Re-export error types
type (
	ParseError      = model.ParseError
	ValidationError = model.ValidationError
)

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return model.IsValidation(err)
}
