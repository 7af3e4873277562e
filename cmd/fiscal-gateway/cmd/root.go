package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-gateway/internal/config"
	"github.com/rezonia/fiscal-gateway/internal/logger"
	"github.com/rezonia/fiscal-gateway/internal/model"
	xmlparser "github.com/rezonia/fiscal-gateway/internal/parser/xml"
)

var (
	version = "1.0.0"

	// Global flags
	configPath   string
	logLevel     string
	outputFormat string

	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fiscal-gateway",
	Short: "Compute, sign and transmit Brazilian electronic invoices (NF-e)",
	Long: `Fiscal Gateway computes the taxes of NF-e documents, signs them and
transmits them to the state authorities, retrying transient failures.

Supports:
  - Legacy taxes (ICMS, ICMS-ST, DIFAL, IPI, PIS/COFINS, ISS)
  - Reform taxes (CBS, IBS, IS)
  - Correction letters, cancellations and numbering voids
  - Retry queue with dead letters, audit records and health monitoring

Examples:
  # Start the gateway
  fiscal-gateway serve --config gateway.yaml

  # Compute taxes without transmitting
  fiscal-gateway compute invoice.json

  # Submit a document
  fiscal-gateway submit invoice.json

  # Query the authority for a document status
  fiscal-gateway status 35261011222333000181550010000000421100112640`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (env: FISCAL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, table)")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	cfg = c
	log = logger.New(os.Stderr, cfg.LogLevel)
	log.Debug("configuration loaded", "config", cfg.Redacted())
	return nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// readDocument loads a document from JSON, or from NF-e XML when the file
// has an .xml extension.
func readDocument(ctx context.Context, path string) (*model.FiscalDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		doc, err := xmlparser.NewRegistry().Parse(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return doc, nil
	}
	var doc model.FiscalDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &doc, nil
}
