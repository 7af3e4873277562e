package model

import (
	"github.com/shopspring/decimal"
)

// TaxKind identifies a tax group carried by a line item.
type TaxKind string

const (
	TaxICMS       TaxKind = "ICMS"
	TaxICMSST     TaxKind = "ICMS_ST"
	TaxICMSUFDest TaxKind = "ICMS_UF_DEST"
	TaxFCPUFDest  TaxKind = "FCP_UF_DEST"
	TaxIPI        TaxKind = "IPI"
	TaxPIS        TaxKind = "PIS"
	TaxCOFINS     TaxKind = "COFINS"
	TaxISS        TaxKind = "ISS"
	TaxIBSUF      TaxKind = "IBS_UF"
	TaxIBSMun     TaxKind = "IBS_MUN"
	TaxCBS        TaxKind = "CBS"
	TaxIS         TaxKind = "IS"
)

// NextGenKinds are the IBS/CBS/IS groups of the consumption tax reform layout.
var NextGenKinds = []TaxKind{TaxIBSUF, TaxIBSMun, TaxCBS, TaxIS}

// LegacyKinds are the groups every goods item of a normal-regime issuer carries.
var LegacyKinds = []TaxKind{TaxICMS, TaxIPI, TaxPIS, TaxCOFINS}

// IsNextGen reports whether k belongs to the IBS/CBS/IS family.
func (k TaxKind) IsNextGen() bool {
	switch k {
	case TaxIBSUF, TaxIBSMun, TaxCBS, TaxIS:
		return true
	}
	return false
}

// NationalJurisdiction is the jurisdiction code of federal groups (CBS, IS, IPI, PIS, COFINS).
const NationalJurisdiction = "BR"

// TaxComponent is the uniform {jurisdiction, base, rate, value} view shared by every
// tax group. Kind is the tag; the optional fields are zero when a group does not use them.
type TaxComponent struct {
	Kind         TaxKind         `json:"kind"`
	Jurisdiction string          `json:"jurisdiction"`
	CST          string          `json:"cst"`
	Base         decimal.Decimal `json:"base"`
	Rate         decimal.Decimal `json:"rate"`
	Value        decimal.Decimal `json:"value"`

	// MVA is the markup used for the substitution base (ICMS_ST only).
	MVA decimal.Decimal `json:"mva,omitempty"`
	// DifferentialPercent reduces the computed value (next-gen groups).
	DifferentialPercent decimal.Decimal `json:"differential_percent,omitempty"`
	// DifferentialValue is the amount removed by DifferentialPercent.
	DifferentialValue decimal.Decimal `json:"differential_value,omitempty"`
	// Devolved is the devolved-tax amount subtracted after the differential.
	Devolved decimal.Decimal `json:"devolved,omitempty"`
}

// TaxGroup is implemented by anything exposing the uniform tax view.
type TaxGroup interface {
	TaxKind() TaxKind
	TaxJurisdiction() string
	TaxBase() decimal.Decimal
	TaxRate() decimal.Decimal
	TaxValue() decimal.Decimal
}

func (c TaxComponent) TaxKind() TaxKind          { return c.Kind }
func (c TaxComponent) TaxJurisdiction() string   { return c.Jurisdiction }
func (c TaxComponent) TaxBase() decimal.Decimal  { return c.Base }
func (c TaxComponent) TaxRate() decimal.Decimal  { return c.Rate }
func (c TaxComponent) TaxValue() decimal.Decimal { return c.Value }

// CountedTotal is a count plus value pair for items with a special treatment.
type CountedTotal struct {
	Count int             `json:"count"`
	Value decimal.Decimal `json:"value"`
}

// DocumentTotals holds document-level aggregates.
type DocumentTotals struct {
	Products  decimal.Decimal `json:"products"`
	Discount  decimal.Decimal `json:"discount"`
	Freight   decimal.Decimal `json:"freight"`
	Insurance decimal.Decimal `json:"insurance"`
	Other     decimal.Decimal `json:"other"`

	// Bases mirrors ByKind for the calculation base of each group.
	Bases  map[TaxKind]decimal.Decimal `json:"bases"`
	ByKind map[TaxKind]decimal.Decimal `json:"by_kind"`

	// ByState aggregates IBS_UF by recipient state.
	ByState map[string]decimal.Decimal `json:"by_state"`
	// ByMunicipality aggregates IBS_MUN by municipality code.
	ByMunicipality map[string]decimal.Decimal `json:"by_municipality"`

	PresumedCredit CountedTotal `json:"presumed_credit"`
	SinglePhase    CountedTotal `json:"single_phase"`

	DocumentTotal decimal.Decimal `json:"document_total"`
}

// NewDocumentTotals returns totals with initialized maps.
func NewDocumentTotals() DocumentTotals {
	return DocumentTotals{
		Bases:          make(map[TaxKind]decimal.Decimal),
		ByKind:         make(map[TaxKind]decimal.Decimal),
		ByState:        make(map[string]decimal.Decimal),
		ByMunicipality: make(map[string]decimal.Decimal),
	}
}

// Kind returns the total for a tax kind, zero when absent.
func (t DocumentTotals) Kind(k TaxKind) decimal.Decimal {
	if v, ok := t.ByKind[k]; ok {
		return v
	}
	return decimal.Zero
}
