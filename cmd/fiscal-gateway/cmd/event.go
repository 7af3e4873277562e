package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-gateway/internal/events"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

var (
	eventSequence      int
	eventProtocol      string
	eventJustification string
	voidState          string
	voidTaxID          string
	voidYear           int
	voidModel          string
	voidSeries         int
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Register events on documents",
	Long: `Register correction letters, cancellations and numbering voids.

Examples:
  fiscal-gateway event correction <key> --sequence 1 "Texto da correcao do documento"
  fiscal-gateway event cancel <key> --protocol 135260000000001 --justification "Erro na emissao do documento"
  fiscal-gateway event void 10 20 --state SP --tax-id 11222333000181 --series 1 --justification "Falha no sistema emissor"`,
}

var correctionCmd = &cobra.Command{
	Use:   "correction <access-key> <text>",
	Short: "Register a correction letter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvent(cmd, func(p *events.Processor) (*events.Receipt, error) {
			return p.Correct(cmd.Context(), events.CorrectionRequest{
				AccessKey: args[0],
				Sequence:  eventSequence,
				Text:      args[1],
			})
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <access-key>",
	Short: "Cancel an authorized document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvent(cmd, func(p *events.Processor) (*events.Receipt, error) {
			return p.Cancel(cmd.Context(), events.CancellationRequest{
				AccessKey:     args[0],
				Protocol:      eventProtocol,
				Justification: eventJustification,
			})
		})
	},
}

var voidCmd = &cobra.Command{
	Use:   "void <first> <last>",
	Short: "Void an unused numbering range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		first, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("first number: %w", err)
		}
		last, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("last number: %w", err)
		}
		year := voidYear
		if year == 0 {
			year = time.Now().Year()
		}
		return runEvent(cmd, func(p *events.Processor) (*events.Receipt, error) {
			return p.VoidNumbering(cmd.Context(), events.VoidRequest{
				Range: model.NumberingRange{
					State:  voidState,
					TaxID:  voidTaxID,
					Year:   year,
					Model:  voidModel,
					Series: voidSeries,
					Start:  first,
					End:    last,
				},
				Justification: eventJustification,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(correctionCmd, cancelCmd, voidCmd)

	eventCmd.PersistentFlags().StringVar(&eventJustification, "justification", "", "Justification (15 to 255 characters)")

	correctionCmd.Flags().IntVar(&eventSequence, "sequence", 1, "Correction sequence number (1 to 20)")

	cancelCmd.Flags().StringVar(&eventProtocol, "protocol", "", "Authorization protocol of the document")
	_ = cancelCmd.MarkFlagRequired("protocol")

	voidCmd.Flags().StringVar(&voidState, "state", "", "Issuer state (UF)")
	voidCmd.Flags().StringVar(&voidTaxID, "tax-id", "", "Issuer CNPJ")
	voidCmd.Flags().IntVar(&voidYear, "year", 0, "Year of the range (default: current year)")
	voidCmd.Flags().StringVar(&voidModel, "model", model.ModelNFe, "Document model")
	voidCmd.Flags().IntVar(&voidSeries, "series", 1, "Series")
}

func runEvent(cmd *cobra.Command, submit func(*events.Processor) (*events.Receipt, error)) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	receipt, err := submit(a.events)
	if receipt == nil {
		return err
	}
	if outputFormat == "json" {
		if perr := printJSON(receipt); perr != nil {
			return perr
		}
		return err
	}
	rec := receipt.Record
	fmt.Printf("Event:    %s %s\n", rec.Type, rec.ID)
	fmt.Printf("Status:   %s %s\n", rec.StatusCode, rec.Reason)
	if rec.ProtocolNumber != "" {
		fmt.Printf("Protocol: %s\n", rec.ProtocolNumber)
	}
	if receipt.Queued() {
		fmt.Printf("Queued:   %s\n", receipt.QueueItem)
	}
	return err
}
