package transmission

import (
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Namespaces used on the wire.
const (
	SOAPNamespace = "http://www.w3.org/2003/05/soap-envelope"
	NFeNamespace  = "http://www.portalfiscal.inf.br/nfe"
	WSDLNamespace = "http://www.portalfiscal.inf.br/nfe/wsdl/"
)

// Operation is the kind of authority call.
type Operation string

const (
	OpBatchSubmit   Operation = "batch_submit"
	OpStatusQuery   Operation = "status_query"
	OpProtocolQuery Operation = "protocol_query"
	OpEvent         Operation = "event"
	OpNumberingVoid Operation = "numbering_void"
	OpServiceStatus Operation = "service_status"
)

// service names the WSDL service and method behind an operation.
type service struct {
	name   string
	method string
}

var services = map[Operation]service{
	OpBatchSubmit:   {"NFeAutorizacao4", "nfeAutorizacaoLote"},
	OpStatusQuery:   {"NFeConsultaProtocolo4", "nfeConsultaNF"},
	OpProtocolQuery: {"NFeRetAutorizacao4", "nfeRetAutorizacaoLote"},
	OpEvent:         {"NFeRecepcaoEvento4", "nfeRecepcaoEvento"},
	OpNumberingVoid: {"NFeInutilizacao4", "nfeInutilizacaoNF"},
	OpServiceStatus: {"NFeStatusServico4", "nfeStatusServicoNF"},
}

// Namespace returns the WSDL namespace of the operation's service.
func (o Operation) Namespace() string {
	return WSDLNamespace + services[o].name
}

// Action returns the SOAP 1.2 action URI.
func (o Operation) Action() string {
	return o.Namespace() + "/" + services[o].method
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	_, ok := services[o]
	return ok
}

// Envelope is a payload plus the routing data needed to deliver it.
type Envelope struct {
	Payload     []byte            `json:"payload" cbor:"1,keyasint"`
	State       string            `json:"state" cbor:"2,keyasint"`
	Environment model.Environment `json:"environment" cbor:"3,keyasint"`
	Operation   Operation         `json:"operation" cbor:"4,keyasint"`
	AccessKey   string            `json:"access_key,omitempty" cbor:"5,keyasint,omitempty"`
	CreatedAt   time.Time         `json:"created_at" cbor:"6,keyasint"`
}

// Clone returns a deep copy so a queue item owns its payload.
func (e Envelope) Clone() Envelope {
	out := e
	out.Payload = append([]byte(nil), e.Payload...)
	return out
}

// Validate checks the routing fields.
func (e Envelope) Validate() error {
	if len(e.Payload) == 0 {
		return model.NewValidationError("envelope.payload", nil, "required", "payload is empty")
	}
	if !model.IsValidState(e.State) {
		return model.NewValidationError("envelope.state", e.State, "enum", "unknown state")
	}
	if !e.Operation.Valid() {
		return model.NewValidationError("envelope.operation", e.Operation, "enum", "unknown operation")
	}
	return nil
}

// SOAP wraps the payload in a SOAP 1.2 envelope whose body carries
// nfeDadosMsg in the operation namespace.
func (e Envelope) SOAP() ([]byte, error) {
	inner := etree.NewDocument()
	if err := inner.ReadFromBytes(e.Payload); err != nil {
		return nil, model.NewParseError("envelope", "payload", "payload is not well-formed XML", err)
	}
	if inner.Root() == nil {
		return nil, model.NewParseError("envelope", "payload", "payload has no root element", nil)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap12:Envelope")
	env.CreateAttr("xmlns:soap12", SOAPNamespace)
	body := env.CreateElement("soap12:Body")
	msg := body.CreateElement("nfeDadosMsg")
	msg.CreateAttr("xmlns", e.Operation.Namespace())
	msg.AddChild(inner.Root().Copy())

	return doc.WriteToBytes()
}

func newPayload(root, version string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	el := doc.CreateElement(root)
	el.CreateAttr("xmlns", NFeNamespace)
	el.CreateAttr("versao", version)
	return doc, el
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

// BatchPayload builds enviNFe around signed NFe documents. Synchronous mode
// (indSinc 1) is used for single-document batches.
func BatchPayload(batchID string, nfes ...[]byte) ([]byte, error) {
	if len(nfes) == 0 || len(nfes) > 50 {
		return nil, model.NewValidationError("batch", len(nfes), "range", "a batch carries 1 to 50 documents")
	}
	doc, root := newPayload("enviNFe", model.LayoutVersion)
	text(root, "idLote", batchID)
	if len(nfes) == 1 {
		text(root, "indSinc", "1")
	} else {
		text(root, "indSinc", "0")
	}
	for i, raw := range nfes {
		nfe := etree.NewDocument()
		if err := nfe.ReadFromBytes(raw); err != nil || nfe.Root() == nil {
			return nil, model.NewParseError("batch", fmt.Sprintf("NFe[%d]", i), "document is not well-formed XML", err)
		}
		root.AddChild(nfe.Root().Copy())
	}
	return doc.WriteToBytes()
}

// StatusQueryPayload builds consSitNFe for an access key.
func StatusQueryPayload(env model.Environment, accessKey string) ([]byte, error) {
	if err := model.ValidateAccessKey(accessKey); err != nil {
		return nil, err
	}
	doc, root := newPayload("consSitNFe", model.LayoutVersion)
	text(root, "tpAmb", env.Code())
	text(root, "xServ", "CONSULTAR")
	text(root, "chNFe", accessKey)
	return doc.WriteToBytes()
}

// ProtocolQueryPayload builds consReciNFe for an asynchronous batch receipt.
func ProtocolQueryPayload(env model.Environment, receipt string) ([]byte, error) {
	if len(model.OnlyDigits(receipt)) != 15 {
		return nil, model.NewValidationError("receipt", receipt, "length", "receipt number has 15 digits")
	}
	doc, root := newPayload("consReciNFe", model.LayoutVersion)
	text(root, "tpAmb", env.Code())
	text(root, "nRec", receipt)
	return doc.WriteToBytes()
}

// ServiceStatusPayload builds consStatServ for a state.
func ServiceStatusPayload(env model.Environment, state string) ([]byte, error) {
	code := model.StateCode(state)
	if code == "" {
		return nil, model.NewValidationError("state", state, "enum", "unknown state")
	}
	doc, root := newPayload("consStatServ", model.LayoutVersion)
	text(root, "tpAmb", env.Code())
	text(root, "cUF", code)
	text(root, "xServ", "STATUS")
	return doc.WriteToBytes()
}

// EventBatchPayload builds envEvento around signed evento documents.
func EventBatchPayload(batchID string, events ...[]byte) ([]byte, error) {
	if len(events) == 0 || len(events) > 20 {
		return nil, model.NewValidationError("events", len(events), "range", "an event batch carries 1 to 20 events")
	}
	doc, root := newPayload("envEvento", EventLayoutVersion)
	text(root, "idLote", batchID)
	for i, raw := range events {
		ev := etree.NewDocument()
		if err := ev.ReadFromBytes(raw); err != nil || ev.Root() == nil {
			return nil, model.NewParseError("events", fmt.Sprintf("evento[%d]", i), "event is not well-formed XML", err)
		}
		root.AddChild(ev.Root().Copy())
	}
	return doc.WriteToBytes()
}

// EventLayoutVersion is the versao attribute of event documents.
const EventLayoutVersion = "1.00"
