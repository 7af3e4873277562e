package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LayoutVersion is the document layout this module emits.
const LayoutVersion = "4.00"

// ModelNFe is the document model code for goods invoices.
const ModelNFe = "55"

// Environment selects the authority environment (tpAmb).
type Environment string

const (
	EnvironmentProduction   Environment = "production"
	EnvironmentHomologation Environment = "homologation"
)

// Code returns the tpAmb code.
func (e Environment) Code() string {
	if e == EnvironmentProduction {
		return "1"
	}
	return "2"
}

// ParseEnvironment accepts the names and the tpAmb codes.
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "production", "prod", "1":
		return EnvironmentProduction, nil
	case "homologation", "staging", "homolog", "2", "":
		return EnvironmentHomologation, nil
	}
	return "", NewValidationError("environment", s, "enum", "must be production or homologation")
}

// Status is the lifecycle status of a fiscal document.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusComputed     Status = "computed"
	StatusSigned       Status = "signed"
	StatusSubmitted    Status = "submitted"
	StatusProcessing   Status = "processing"
	StatusAuthorized   Status = "authorized"
	StatusRejected     Status = "rejected"
	StatusPendingRetry Status = "pending_retry"
	StatusDeadLetter   Status = "dead_letter"
	StatusCanceled     Status = "canceled"
	StatusFailed       Status = "failed"
)

// TaxRegime is the issuer's tax regime code (CRT).
type TaxRegime int

const (
	RegimeSimplified       TaxRegime = 1
	RegimeSimplifiedExcess TaxRegime = 2
	RegimeNormal           TaxRegime = 3
)

// IsSimplified reports whether the regime uses the simplified (Simples Nacional) codes.
func (r TaxRegime) IsSimplified() bool {
	return r == RegimeSimplified || r == RegimeSimplifiedExcess
}

// Contributor is the recipient's ICMS registration indicator (indIEDest).
type Contributor int

const (
	ContributorRegistered Contributor = 1
	ContributorExempt     Contributor = 2
	ContributorNone       Contributor = 9
)

// OperationType selects the next-generation base treatment.
type OperationType string

const (
	OperationRegular   OperationType = "regular"
	OperationReduction OperationType = "reduction"
)

// Party is an issuer or recipient.
type Party struct {
	Name              string      `json:"name"`
	TaxID             string      `json:"tax_id"`
	StateRegistration string      `json:"state_registration,omitempty"`
	State             string      `json:"state"`
	MunicipalityCode  string      `json:"municipality_code"`
	Municipality      string      `json:"municipality,omitempty"`
	Regime            TaxRegime   `json:"regime,omitempty"`
	RealProfit        bool        `json:"real_profit,omitempty"`
	Contributor       Contributor `json:"contributor,omitempty"`
}

// FiscalDocument is the aggregate root for one electronic invoice.
type FiscalDocument struct {
	Model       string      `json:"model"`
	Series      int         `json:"series"`
	Number      int         `json:"number"`
	IssuedAt    time.Time   `json:"issued_at"`
	AccessKey   string      `json:"access_key,omitempty"`
	Environment Environment `json:"environment"`
	// EmissionType is tpEmis: 1 normal, 9 offline contingency.
	EmissionType  int           `json:"emission_type,omitempty"`
	NumericCode   string        `json:"numeric_code,omitempty"`
	Nature        string        `json:"nature,omitempty"`
	FinalConsumer bool          `json:"final_consumer"`
	OperationType OperationType `json:"operation_type,omitempty"`

	Issuer    Party      `json:"issuer"`
	Recipient Party      `json:"recipient"`
	Items     []LineItem `json:"items"`

	Freight   decimal.Decimal `json:"freight"`
	Insurance decimal.Decimal `json:"insurance"`

	Totals        DocumentTotals `json:"totals"`
	Status        Status         `json:"status"`
	LayoutVersion string         `json:"layout_version"`
	AuditDigest   string         `json:"audit_digest,omitempty"`
	Protocol      string         `json:"protocol,omitempty"`
	Receipt       string         `json:"receipt,omitempty"`
	StatusCode    string         `json:"status_code,omitempty"`
	StatusReason  string         `json:"status_reason,omitempty"`
}

// SimplifiedRegime reports whether the issuer reports under the simplified regime.
func (d *FiscalDocument) SimplifiedRegime() bool {
	return d.Issuer.Regime.IsSimplified()
}

// Interstate reports whether issuer and recipient are in different states.
func (d *FiscalDocument) Interstate() bool {
	return NormalizeState(d.Issuer.State) != NormalizeState(d.Recipient.State)
}

// ElementID is the Id attribute of infNFe.
func (d *FiscalDocument) ElementID() string {
	return "NFe" + d.AccessKey
}

// AssignAccessKey sets the access key once. Re-assigning the same key is a no-op;
// assigning a different key is rejected.
func (d *FiscalDocument) AssignAccessKey(key string) error {
	if err := ValidateAccessKey(key); err != nil {
		return err
	}
	if d.AccessKey != "" && d.AccessKey != key {
		return NewValidationError("access_key", key, "immutable", "access key already assigned")
	}
	d.AccessKey = key
	return nil
}

// EnsureAccessKey derives and assigns the access key when the document has none.
func (d *FiscalDocument) EnsureAccessKey() error {
	if d.AccessKey != "" {
		return ValidateAccessKey(d.AccessKey)
	}
	key, err := BuildAccessKey(AccessKeyParts{
		State:        d.Issuer.State,
		IssuedAt:     d.IssuedAt,
		TaxID:        d.Issuer.TaxID,
		Model:        d.Model,
		Series:       d.Series,
		Number:       d.Number,
		EmissionType: d.EmissionType,
		NumericCode:  d.NumericCode,
	})
	if err != nil {
		return err
	}
	return d.AssignAccessKey(key)
}

// Validate checks the fields required before tax computation.
func (d *FiscalDocument) Validate() error {
	if len(d.Items) == 0 {
		return NewValidationError("items", nil, "required", "document has no items")
	}
	if !IsValidState(d.Issuer.State) {
		return NewValidationError("issuer.state", d.Issuer.State, "enum", "unknown state")
	}
	if !IsValidState(d.Recipient.State) {
		return NewValidationError("recipient.state", d.Recipient.State, "enum", "unknown state")
	}
	if d.Number <= 0 || d.Number > 999999999 {
		return NewValidationError("number", d.Number, "range", "must be between 1 and 999999999")
	}
	if d.Series < 0 || d.Series > 999 {
		return NewValidationError("series", d.Series, "range", "must be between 0 and 999")
	}
	for i := range d.Items {
		if err := d.Items[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills optional fields with the layout defaults.
func (d *FiscalDocument) ApplyDefaults() {
	if d.Model == "" {
		d.Model = ModelNFe
	}
	if d.LayoutVersion == "" {
		d.LayoutVersion = LayoutVersion
	}
	if d.Environment == "" {
		d.Environment = EnvironmentHomologation
	}
	if d.EmissionType == 0 {
		d.EmissionType = 1
	}
	if d.OperationType == "" {
		d.OperationType = OperationRegular
	}
	if d.Status == "" {
		d.Status = StatusDraft
	}
	if d.Recipient.Contributor == 0 {
		d.Recipient.Contributor = ContributorNone
	}
	if d.Issuer.Regime == 0 {
		d.Issuer.Regime = RegimeNormal
	}
	for i := range d.Items {
		if d.Items[i].Number == 0 {
			d.Items[i].Number = i + 1
		}
	}
}
