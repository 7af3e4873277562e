package transmission

// Outcome is the classification of an authority status code (cStat).
type Outcome int

const (
	OutcomeRejection Outcome = iota
	OutcomeSuccess
	OutcomeRetryable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	}
	return "rejection"
}

// Status codes referenced by name in the code base.
const (
	StatusAuthorized            = "100"
	StatusCancellationRatified  = "101"
	StatusVoidRatified          = "102"
	StatusBatchReceived         = "103"
	StatusBatchProcessed        = "104"
	StatusBatchInProcessing     = "105"
	StatusServiceOperational    = "107"
	StatusServicePaused         = "108"
	StatusServicePausedNoReturn = "109"
	StatusEventBatchProcessed   = "128"
	StatusEventRegistered       = "135"
	StatusEventUnlinked         = "136"
	StatusDocumentLocated       = "138"
	StatusAuthorizedLate        = "150"
	StatusCancellationLate      = "155"
	StatusDuplicate             = "204"
	StatusSchemaFailure         = "215"
	StatusSchemaFailureNFe      = "225"
	StatusInvalidIssueDate      = "228"
	StatusInvalidCheckDigit     = "236"
	StatusIncompatibleRate      = "386"
	StatusUnauthorizedQuery     = "656"
)

var statusTable = map[string]Outcome{
	StatusAuthorized:            OutcomeSuccess,
	StatusCancellationRatified:  OutcomeSuccess,
	StatusVoidRatified:          OutcomeSuccess,
	StatusBatchReceived:         OutcomeSuccess,
	StatusBatchProcessed:        OutcomeSuccess,
	StatusServiceOperational:    OutcomeSuccess,
	StatusEventBatchProcessed:   OutcomeSuccess,
	StatusEventRegistered:       OutcomeSuccess,
	StatusEventUnlinked:         OutcomeSuccess,
	StatusDocumentLocated:       OutcomeSuccess,
	StatusAuthorizedLate:        OutcomeSuccess,
	StatusCancellationLate:      OutcomeSuccess,
	StatusBatchInProcessing:     OutcomeRetryable,
	StatusServicePaused:         OutcomeRetryable,
	StatusServicePausedNoReturn: OutcomeRetryable,
}

// Classify maps a status code to its outcome. Unknown codes are rejections.
func Classify(code string) Outcome {
	if o, ok := statusTable[code]; ok {
		return o
	}
	return OutcomeRejection
}
