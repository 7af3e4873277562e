package transmission

import (
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Result is the parsed authority answer.
type Result struct {
	Operation Operation `json:"operation"`
	// Status is the effective status code: the document protocol status when
	// the answer carries one, otherwise the batch or service status.
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	BatchStatus string `json:"batch_status,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Receipt     string `json:"receipt,omitempty"`
	AccessKey   string `json:"access_key,omitempty"`
	// ReceivedAt is dhRecbto or dhRegEvento when present.
	ReceivedAt time.Time `json:"received_at,omitempty"`
	Outcome    Outcome   `json:"-"`
	// Payload is the inner document of nfeResultMsg.
	Payload []byte `json:"-"`
}

// Kind returns the failure kind implied by the outcome.
func (r *Result) Kind() FailureKind {
	switch r.Outcome {
	case OutcomeSuccess:
		return KindNone
	case OutcomeRetryable:
		return KindTransient
	}
	return KindPermanent
}

// ParseResponse extracts nfeResultMsg from a SOAP response and reads the
// status fields of the inner document.
func ParseResponse(op Operation, data []byte) (*Result, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, model.NewParseError("response", "envelope", "response is not well-formed XML", err)
	}
	if doc.Root() == nil {
		return nil, model.NewParseError("response", "envelope", "empty response", nil)
	}

	msg := findLocal(doc.Root(), "nfeResultMsg")
	if msg == nil {
		if fault := findLocal(doc.Root(), "Fault"); fault != nil {
			return nil, model.NewParseError("response", "Fault", faultText(fault), nil)
		}
		return nil, model.NewParseError("response", "nfeResultMsg", "missing result message", nil)
	}
	children := msg.ChildElements()
	if len(children) == 0 {
		return nil, model.NewParseError("response", "nfeResultMsg", "result message is empty", nil)
	}
	inner := children[0]

	r := &Result{Operation: op}
	r.BatchStatus = childText(inner, "cStat")
	r.Status = r.BatchStatus
	r.Reason = childText(inner, "xMotivo")
	r.Receipt = childText(findLocal(inner, "infRec"), "nRec")
	r.ReceivedAt = parseTime(childText(inner, "dhRecbto"))

	// protNFe/infProt, retEvento/infEvento or infInut carry the per-document answer.
	for _, tag := range []string{"infProt", "infEvento", "infInut"} {
		info := findLocal(inner, tag)
		if info == nil || childText(info, "cStat") == "" {
			continue
		}
		r.Status = childText(info, "cStat")
		r.Reason = childText(info, "xMotivo")
		r.Protocol = childText(info, "nProt")
		r.AccessKey = childText(info, "chNFe")
		if t := parseTime(childText(info, "dhRecbto")); !t.IsZero() {
			r.ReceivedAt = t
		}
		if t := parseTime(childText(info, "dhRegEvento")); !t.IsZero() {
			r.ReceivedAt = t
		}
		break
	}
	if r.Status == "" {
		return nil, model.NewParseError("response", "cStat", "status code missing", nil)
	}
	r.Outcome = Classify(r.Status)

	out := etree.NewDocument()
	out.SetRoot(inner.Copy())
	payload, err := out.WriteToBytes()
	if err != nil {
		return nil, model.NewParseError("response", inner.Tag, "cannot serialize inner payload", err)
	}
	r.Payload = payload
	return r, nil
}

func findLocal(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	if localName(el.Tag) == local {
		return el
	}
	for _, c := range el.ChildElements() {
		if found := findLocal(c, local); found != nil {
			return found
		}
	}
	return nil
}

func childText(el *etree.Element, local string) string {
	if el == nil {
		return ""
	}
	for _, c := range el.ChildElements() {
		if localName(c.Tag) == local {
			return strings.TrimSpace(c.Text())
		}
	}
	return ""
}

func localName(tag string) string {
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

func faultText(fault *etree.Element) string {
	if t := findLocal(fault, "Text"); t != nil {
		return strings.TrimSpace(t.Text())
	}
	if t := findLocal(fault, "faultstring"); t != nil {
		return strings.TrimSpace(t.Text())
	}
	return "SOAP fault"
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
