package model

// FindingCategory groups compliance findings.
type FindingCategory string

const (
	CategoryStructural   FindingCategory = "structural"
	CategoryCalculation  FindingCategory = "calculation"
	CategoryTraceability FindingCategory = "traceability"
	CategoryJurisdiction FindingCategory = "jurisdiction"
)

// Categories lists every category in reporting order.
var Categories = []FindingCategory{CategoryStructural, CategoryCalculation, CategoryTraceability, CategoryJurisdiction}

// Severity of a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is a non-blocking compliance observation about a document.
type Finding struct {
	Category FindingCategory `json:"category"`
	Severity Severity        `json:"severity"`
	Field    string          `json:"field,omitempty"`
	Item     int             `json:"item,omitempty"`
	Message  string          `json:"message"`
}
