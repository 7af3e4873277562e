package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

var submitCmd = &cobra.Command{
	Use:   "submit <document.json|nfe.xml>",
	Short: "Compute, sign and transmit a document",
	Long: `Submit runs the full pipeline: tax computation, audit, signing and
transmission to the issuer's state authority. A transient failure parks the
document in the retry queue; a rejection is reported with its status code.

Examples:
  fiscal-gateway submit invoice.json
  fiscal-gateway submit invoice.json --config gateway.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	doc, err := readDocument(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if doc.Environment == "" {
		doc.Environment = cfg.Environment
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.pipeline.Submit(cmd.Context(), doc)
	if out == nil {
		return err
	}
	if perr := printOutcome(out.AccessKey, string(out.Status), out.Code, out.Reason, out.Protocol, out.QueueItem); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", transmission.KindOf(err), err)
	}
	return nil
}

func printOutcome(key, status, code, reason, protocol, queueItem string) error {
	if outputFormat == "json" {
		return printJSON(map[string]string{
			"access_key": key,
			"status":     status,
			"code":       code,
			"reason":     reason,
			"protocol":   protocol,
			"queue_item": queueItem,
		})
	}
	fmt.Printf("Access key: %s\n", key)
	fmt.Printf("Status:     %s", status)
	if code != "" {
		fmt.Printf(" (%s %s)", code, reason)
	}
	fmt.Println()
	if protocol != "" {
		fmt.Printf("Protocol:   %s\n", protocol)
	}
	if queueItem != "" {
		fmt.Printf("Queued:     %s\n", queueItem)
	}
	return nil
}
