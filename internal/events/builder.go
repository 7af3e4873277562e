package events

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// CorrectionConditions is the xCondUso text every correction letter carries.
const CorrectionConditions = "A Carta de Correcao e disciplinada pelo paragrafo 1o-A do art. 7o do Convenio S/N, " +
	"de 15 de dezembro de 1970 e pode ser utilizada para regularizacao de erro ocorrido na emissao de " +
	"documento fiscal, desde que o erro nao esteja relacionado com: I - as variaveis que determinam o " +
	"valor do imposto tais como: base de calculo, aliquota, diferenca de preco, quantidade, valor da " +
	"operacao ou da prestacao; II - a correcao de dados cadastrais que implique mudanca do remetente ou " +
	"do destinatario; III - a data de emissao ou de saida."

const timestampLayout = "2006-01-02T15:04:05-07:00"

// eventHeader is the common part of infEvento.
type eventHeader struct {
	Type        model.EventType
	AccessKey   string
	Sequence    int
	Environment model.Environment
	At          time.Time
}

func newEvento(h eventHeader) (*etree.Document, *etree.Element, string) {
	id := EventID(h.Type, h.AccessKey, h.Sequence)

	doc := etree.NewDocument()
	ev := doc.CreateElement("evento")
	ev.CreateAttr("xmlns", transmission.NFeNamespace)
	ev.CreateAttr("versao", transmission.EventLayoutVersion)

	inf := ev.CreateElement("infEvento")
	inf.CreateAttr("Id", id)
	text(inf, "cOrgao", keyState(h.AccessKey))
	text(inf, "tpAmb", h.Environment.Code())
	text(inf, "CNPJ", keyTaxID(h.AccessKey))
	text(inf, "chNFe", h.AccessKey)
	text(inf, "dhEvento", h.At.Format(timestampLayout))
	text(inf, "tpEvento", string(h.Type))
	text(inf, "nSeqEvento", strconv.Itoa(h.Sequence))
	text(inf, "verEvento", transmission.EventLayoutVersion)

	det := inf.CreateElement("detEvento")
	det.CreateAttr("versao", transmission.EventLayoutVersion)
	text(det, "descEvento", h.Type.Description())
	return doc, det, id
}

// BuildCorrection returns the unsigned evento of a correction letter and
// its Id.
func BuildCorrection(r CorrectionRequest, env model.Environment, at time.Time) ([]byte, string, error) {
	if err := ValidateCorrection(r); err != nil {
		return nil, "", err
	}
	doc, det, id := newEvento(eventHeader{
		Type:        model.EventCorrection,
		AccessKey:   r.AccessKey,
		Sequence:    r.Sequence,
		Environment: env,
		At:          at,
	})
	text(det, "xCorrecao", r.Text)
	text(det, "xCondUso", CorrectionConditions)
	out, err := doc.WriteToBytes()
	return out, id, err
}

// BuildCancellation returns the unsigned evento of a cancellation and its Id.
// Cancellation is always sequence 1.
func BuildCancellation(r CancellationRequest, env model.Environment, at time.Time) ([]byte, string, error) {
	if err := ValidateCancellation(r); err != nil {
		return nil, "", err
	}
	doc, det, id := newEvento(eventHeader{
		Type:        model.EventCancellation,
		AccessKey:   r.AccessKey,
		Sequence:    1,
		Environment: env,
		At:          at,
	})
	text(det, "nProt", r.Protocol)
	text(det, "xJust", r.Justification)
	out, err := doc.WriteToBytes()
	return out, id, err
}

// BuildVoid returns the unsigned inutNFe and its Id.
func BuildVoid(r VoidRequest, env model.Environment) ([]byte, string, error) {
	if err := ValidateVoid(r); err != nil {
		return nil, "", err
	}
	rg := r.Range
	id := VoidID(rg)

	doc := etree.NewDocument()
	root := doc.CreateElement("inutNFe")
	root.CreateAttr("xmlns", transmission.NFeNamespace)
	root.CreateAttr("versao", model.LayoutVersion)

	inf := root.CreateElement("infInut")
	inf.CreateAttr("Id", id)
	text(inf, "tpAmb", env.Code())
	text(inf, "xServ", "INUTILIZAR")
	text(inf, "cUF", model.StateCode(rg.State))
	text(inf, "ano", fmt.Sprintf("%02d", rg.Year%100))
	text(inf, "CNPJ", rg.TaxID)
	text(inf, "mod", rg.Model)
	text(inf, "serie", strconv.Itoa(rg.Series))
	text(inf, "nNFIni", strconv.Itoa(rg.Start))
	text(inf, "nNFFin", strconv.Itoa(rg.End))
	text(inf, "xJust", r.Justification)
	out, err := doc.WriteToBytes()
	return out, id, err
}

func text(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}
