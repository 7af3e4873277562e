package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/signature/trust"
	"github.com/rezonia/fiscal-gateway/internal/signature/xml"
)

var (
	caFile    string
	skipOCSP  bool
	elementID string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify XML digital signatures",
	Long: `Verify the XMLDSig signatures of NF-e documents and events.

Verifies:
  - Signature validity (cryptographic verification)
  - Certificate chain (to ICP-Brasil roots)
  - Certificate revocation (OCSP, unless --skip-ocsp)
  - Signer information

Examples:
  # Verify a signed NF-e
  fiscal-gateway verify nfe.xml

  # Verify the signature of a specific element
  fiscal-gateway verify --element NFe3526... nfeProc.xml

  # Verify with a custom CA certificate
  fiscal-gateway verify --ca-file company.crt nfe.xml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVar(&caFile, "ca-file", "", "Custom CA certificate file (PEM format)")
	verifyCmd.Flags().BoolVar(&skipOCSP, "skip-ocsp", false, "Treat OCSP failures as warnings")
	verifyCmd.Flags().StringVar(&elementID, "element", "", "Id of the signed element (default: first signature)")
}

// VerifyResult is the verification outcome of one file
type VerifyResult struct {
	File           string   `json:"file"`
	Valid          bool     `json:"valid"`
	SignatureFound bool     `json:"signature_found"`
	SignatureValid bool     `json:"signature_valid"`
	CertChainValid bool     `json:"cert_chain_valid"`
	NotRevoked     bool     `json:"not_revoked"`
	ElementID      string   `json:"element_id,omitempty"`
	Signer         string   `json:"signer,omitempty"`
	Issuer         string   `json:"issuer,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

func runVerify(_ *cobra.Command, args []string) error {
	var opts []trust.TrustStoreOption
	if cfg.Trust.RootsDir != "" {
		opts = append(opts, trust.WithRootsDir(cfg.Trust.RootsDir))
	}
	if caFile != "" {
		opts = append(opts, trust.WithCustomCertsFromFile(caFile))
	}
	if skipOCSP || cfg.Trust.SoftFail {
		opts = append(opts, trust.WithSoftFail())
	}
	trustStore, err := trust.NewTrustStore(opts...)
	if err != nil {
		return fmt.Errorf("failed to create trust store: %w", err)
	}
	verifier := xml.NewXMLVerifier(trustStore)

	results := make([]*VerifyResult, 0, len(args))
	allValid := true
	for _, file := range args {
		log.Debug("verifying", "file", file)
		r := verifyFile(verifier, file)
		results = append(results, r)
		if !r.Valid {
			allValid = false
		}
	}

	if outputFormat == "json" {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printVerifyResult(r)
		}
	}

	if !allValid {
		return fmt.Errorf("verification failed for some files")
	}
	return nil
}

func verifyFile(verifier *xml.XMLVerifier, path string) *VerifyResult {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result := &VerifyResult{File: path}
	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read file: %v", err))
		return result
	}

	var vr *signature.Report
	if elementID != "" {
		vr, err = verifier.VerifyElement(ctx, data, elementID)
	} else {
		vr, err = verifier.Verify(ctx, data)
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("verification error: %v", err))
		return result
	}

	result.Valid = vr.Valid
	result.SignatureFound = vr.Present
	result.SignatureValid = vr.Authentic
	result.CertChainValid = vr.ChainTrusted
	result.NotRevoked = vr.NotRevoked
	result.ElementID = vr.ElementID
	result.Errors = append(result.Errors, vr.Errors...)
	result.Warnings = append(result.Warnings, vr.Warnings...)
	if vr.Signatory != nil {
		result.Signer = vr.Signatory.Name
		result.Issuer = vr.Signatory.Issuer
	}
	return result
}

func printVerifyResult(r *VerifyResult) {
	statusIcon, statusText := "✓", "VALID"
	if !r.Valid {
		statusIcon, statusText = "✗", "INVALID"
	}
	fmt.Printf("%s %s: %s\n", statusIcon, r.File, statusText)
	if r.ElementID != "" {
		fmt.Printf("  Element: %s\n", r.ElementID)
	}
	if r.Signer != "" {
		fmt.Printf("  Signer:  %s\n", r.Signer)
		fmt.Printf("  Issuer:  %s\n", r.Issuer)
	}
	if r.SignatureFound {
		fmt.Printf("  Signature:   %s\n", mark(r.SignatureValid))
		fmt.Printf("  Cert Chain:  %s\n", mark(r.CertChainValid))
		fmt.Printf("  Not Revoked: %s\n", mark(r.NotRevoked))
	}
	for _, e := range r.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
