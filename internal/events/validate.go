package events

import (
	"fmt"
	"unicode/utf8"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Field limits of the event layouts.
const (
	MinCorrectionText    = 15
	MaxCorrectionText    = 1000
	MinJustification     = 15
	MaxJustification     = 255
	MaxSequence          = 20
	MaxDocumentNumber    = 999999999
	MaxSeries            = 999
	protocolNumberDigits = 15
)

func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		return model.NewValidationError(field, n, "length",
			fmt.Sprintf("must have %d to %d characters", min, max))
	}
	return nil
}

func checkSequence(seq int) error {
	if seq < 1 || seq > MaxSequence {
		return model.NewValidationError("sequence", seq, "range",
			fmt.Sprintf("must be between 1 and %d", MaxSequence))
	}
	return nil
}

// ValidateCorrection checks a correction letter before it is built.
func ValidateCorrection(r CorrectionRequest) error {
	if err := model.ValidateAccessKey(r.AccessKey); err != nil {
		return err
	}
	if err := checkSequence(r.Sequence); err != nil {
		return err
	}
	return checkLength("correction", r.Text, MinCorrectionText, MaxCorrectionText)
}

// ValidateCancellation checks a cancellation before it is built.
func ValidateCancellation(r CancellationRequest) error {
	if err := model.ValidateAccessKey(r.AccessKey); err != nil {
		return err
	}
	if len(model.OnlyDigits(r.Protocol)) != protocolNumberDigits || r.Protocol != model.OnlyDigits(r.Protocol) {
		return model.NewValidationError("protocol", r.Protocol, "format", "authorization protocol has 15 digits")
	}
	return checkLength("justification", r.Justification, MinJustification, MaxJustification)
}

// ValidateVoid checks a numbering-void request before it is built.
func ValidateVoid(r VoidRequest) error {
	rg := r.Range
	if model.StateCode(rg.State) == "" {
		return model.NewValidationError("range.state", rg.State, "enum", "unknown state")
	}
	if rg.Year < 2000 || rg.Year > 2099 {
		return model.NewValidationError("range.year", rg.Year, "range", "year must be between 2000 and 2099")
	}
	if d := model.OnlyDigits(rg.TaxID); len(d) != 14 || d != rg.TaxID {
		return model.NewValidationError("range.tax_id", rg.TaxID, "format", "CNPJ has 14 digits")
	}
	if rg.Model != "55" && rg.Model != "65" {
		return model.NewValidationError("range.model", rg.Model, "enum", "model must be 55 or 65")
	}
	if rg.Series < 0 || rg.Series > MaxSeries {
		return model.NewValidationError("range.series", rg.Series, "range", "series must be between 0 and 999")
	}
	if rg.Start < 1 || rg.End > MaxDocumentNumber {
		return model.NewValidationError("range", fmt.Sprintf("%d-%d", rg.Start, rg.End), "range",
			"numbers must be between 1 and 999999999")
	}
	if rg.Start > rg.End {
		return model.NewValidationError("range", fmt.Sprintf("%d-%d", rg.Start, rg.End), "order",
			"start must not exceed end")
	}
	return checkLength("justification", r.Justification, MinJustification, MaxJustification)
}
