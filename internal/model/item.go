package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackingRecord is the lot/serial traceability group (rastro).
type TrackingRecord struct {
	Lot            string          `json:"lot"`
	Quantity       decimal.Decimal `json:"quantity"`
	ManufacturedAt time.Time       `json:"manufactured_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// NextGenInput carries the per-item inputs of the IBS/CBS/IS groups.
type NextGenInput struct {
	// Category is the tax classification code (cClassTrib) used for rate lookup.
	Category              string          `json:"category,omitempty"`
	DifferentialPercent   decimal.Decimal `json:"differential_percent"`
	DevolvedAmount        decimal.Decimal `json:"devolved_amount"`
	PresumedCreditPercent decimal.Decimal `json:"presumed_credit_percent"`
	SinglePhase           bool            `json:"single_phase,omitempty"`
}

// LineItem is one product or service line.
type LineItem struct {
	Number         int             `json:"number"`
	Code           string          `json:"code"`
	Description    string          `json:"description"`
	Classification string          `json:"classification"`
	CFOP           string          `json:"cfop,omitempty"`
	Unit           string          `json:"unit,omitempty"`
	ServiceCode    string          `json:"service_code,omitempty"`
	Imported       bool            `json:"imported,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitValue      decimal.Decimal `json:"unit_value"`
	Discount       decimal.Decimal `json:"discount"`
	Freight        decimal.Decimal `json:"freight"`
	Insurance      decimal.Decimal `json:"insurance"`
	OtherCharges   decimal.Decimal `json:"other_charges"`

	NextGen  NextGenInput     `json:"next_gen"`
	Tracking []TrackingRecord `json:"tracking,omitempty"`

	Taxes        map[TaxKind]TaxComponent `json:"taxes,omitempty"`
	Substitution bool                     `json:"substitution,omitempty"`
}

// IsService reports whether the line is a service (ISS) line.
func (i *LineItem) IsService() bool {
	return i.ServiceCode != ""
}

// GrossValue is quantity times unit value rounded to 2 places (vProd).
func (i *LineItem) GrossValue() decimal.Decimal {
	return i.Quantity.Mul(i.UnitValue).Round(2)
}

// LegacyBase is the ICMS/IPI/PIS/COFINS base: gross value minus discount plus
// freight, insurance and other charges, floored at zero.
func (i *LineItem) LegacyBase() decimal.Decimal {
	b := i.GrossValue().Sub(i.Discount).Add(i.Freight).Add(i.Insurance).Add(i.OtherCharges)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b.Round(2)
}

// Tax returns the computed component for a kind.
func (i *LineItem) Tax(k TaxKind) (TaxComponent, bool) {
	c, ok := i.Taxes[k]
	return c, ok
}

// SetTax stores a computed component.
func (i *LineItem) SetTax(c TaxComponent) {
	if i.Taxes == nil {
		i.Taxes = make(map[TaxKind]TaxComponent)
	}
	i.Taxes[c.Kind] = c
}

// Validate checks numeric ranges of the line.
func (i *LineItem) Validate() error {
	if i.Quantity.IsNegative() || i.Quantity.IsZero() {
		return NewValidationError("items.quantity", i.Quantity.String(), "positive", "quantity must be positive")
	}
	if i.UnitValue.IsNegative() {
		return NewValidationError("items.unit_value", i.UnitValue.String(), "non_negative", "unit value must not be negative")
	}
	for _, f := range []struct {
		field string
		value decimal.Decimal
	}{
		{"items.discount", i.Discount},
		{"items.freight", i.Freight},
		{"items.insurance", i.Insurance},
		{"items.other_charges", i.OtherCharges},
		{"items.next_gen.differential_percent", i.NextGen.DifferentialPercent},
		{"items.next_gen.devolved_amount", i.NextGen.DevolvedAmount},
		{"items.next_gen.presumed_credit_percent", i.NextGen.PresumedCreditPercent},
	} {
		if f.value.IsNegative() {
			return NewValidationError(f.field, f.value.String(), "non_negative", "must not be negative")
		}
	}
	if i.NextGen.DifferentialPercent.GreaterThan(decimal.NewFromInt(100)) {
		return NewValidationError("items.next_gen.differential_percent", i.NextGen.DifferentialPercent.String(), "range", "differential percent is at most 100")
	}
	if !i.IsService() && i.Classification == "" {
		return NewValidationError("items.classification", "", "required", "goods items need a classification code")
	}
	return nil
}
