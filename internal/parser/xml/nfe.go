package xml

import (
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// defaultCategory is the cClassTrib written for items without a category.
const defaultCategory = "000001"

// NF-e 4.00 structures. Tags carry no namespace so documents with or without
// the portalfiscal namespace decode alike. Totals are not read: item values
// already carry the document-level freight and insurance, and the engine
// recomputes the rest.
type nfeDoc struct {
	XMLName xml.Name `xml:"NFe"`
	Inf     infNFe   `xml:"infNFe"`
}

type procDoc struct {
	XMLName xml.Name `xml:"nfeProc"`
	NFe     nfeDoc   `xml:"NFe"`
	Prot    protNFe  `xml:"protNFe"`
}

type protNFe struct {
	Inf struct {
		AccessKey  string `xml:"chNFe"`
		ReceivedAt string `xml:"dhRecbto"`
		Protocol   string `xml:"nProt"`
		Status     string `xml:"cStat"`
		Reason     string `xml:"xMotivo"`
	} `xml:"infProt"`
}

type infNFe struct {
	ID      string   `xml:"Id,attr"`
	Version string   `xml:"versao,attr"`
	Ide     nfeIde   `xml:"ide"`
	Emit    nfeParty `xml:"emit"`
	Dest    nfeParty `xml:"dest"`
	Det     []nfeDet `xml:"det"`
}

type nfeIde struct {
	StateCode     string `xml:"cUF"`
	NumericCode   string `xml:"cNF"`
	Nature        string `xml:"natOp"`
	Model         string `xml:"mod"`
	Series        string `xml:"serie"`
	Number        string `xml:"nNF"`
	IssuedAt      string `xml:"dhEmi"`
	Destination   string `xml:"idDest"`
	EmissionType  string `xml:"tpEmis"`
	Environment   string `xml:"tpAmb"`
	FinalConsumer string `xml:"indFinal"`
}

type nfeParty struct {
	CNPJ              string     `xml:"CNPJ"`
	CPF               string     `xml:"CPF"`
	Name              string     `xml:"xNome"`
	IssuerAddress     nfeAddress `xml:"enderEmit"`
	RecipientAddress  nfeAddress `xml:"enderDest"`
	StateRegistration string     `xml:"IE"`
	Regime            string     `xml:"CRT"`
	Contributor       string     `xml:"indIEDest"`
}

type nfeAddress struct {
	MunicipalityCode string `xml:"cMun"`
	Municipality     string `xml:"xMun"`
	State            string `xml:"UF"`
}

type nfeDet struct {
	Number  int        `xml:"nItem,attr"`
	Prod    nfeProd    `xml:"prod"`
	Imposto nfeImposto `xml:"imposto"`
}

type nfeProd struct {
	Code           string      `xml:"cProd"`
	Description    string      `xml:"xProd"`
	Classification string      `xml:"NCM"`
	CFOP           string      `xml:"CFOP"`
	Unit           string      `xml:"uCom"`
	Quantity       string      `xml:"qCom"`
	UnitValue      string      `xml:"vUnCom"`
	Freight        string      `xml:"vFrete"`
	Insurance      string      `xml:"vSeg"`
	Discount       string      `xml:"vDesc"`
	Other          string      `xml:"vOutro"`
	Tracking       []nfeRastro `xml:"rastro"`
}

type nfeRastro struct {
	Lot            string `xml:"nLote"`
	Quantity       string `xml:"qLote"`
	ManufacturedAt string `xml:"dFab"`
	ExpiresAt      string `xml:"dVal"`
}

type nfeImposto struct {
	ICMS struct {
		Groups []struct {
			XMLName xml.Name
			Origin  string `xml:"orig"`
		} `xml:",any"`
	} `xml:"ICMS"`
	ISSQN struct {
		ServiceCode string `xml:"cListServ"`
	} `xml:"ISSQN"`
	IBSCBS struct {
		Category string `xml:"cClassTrib"`
	} `xml:"IBSCBS"`
}

// NFeAdapter parses a bare NFe document
type NFeAdapter struct{}

// NewNFeAdapter creates a new NFe adapter
func NewNFeAdapter() *NFeAdapter {
	return &NFeAdapter{}
}

// Root returns the root element
func (a *NFeAdapter) Root() string {
	return "NFe"
}

// CanParse checks if content is an NFe document
func (a *NFeAdapter) CanParse(content []byte) bool {
	return hasRoot(content, "NFe")
}

// Parse parses NFe XML into a FiscalDocument
func (a *NFeAdapter) Parse(ctx context.Context, r io.Reader) (*model.FiscalDocument, error) {
	var doc nfeDoc
	if err := decode(ctx, r, &doc); err != nil {
		return nil, err
	}
	return convertNFe(&doc.Inf)
}

// ProcAdapter parses an nfeProc: the NFe plus the authority protocol
type ProcAdapter struct{}

// NewProcAdapter creates a new nfeProc adapter
func NewProcAdapter() *ProcAdapter {
	return &ProcAdapter{}
}

// Root returns the root element
func (a *ProcAdapter) Root() string {
	return "nfeProc"
}

// CanParse checks if content is an nfeProc document
func (a *ProcAdapter) CanParse(content []byte) bool {
	return hasRoot(content, "nfeProc")
}

// Parse parses nfeProc XML. The document status follows the protocol.
func (a *ProcAdapter) Parse(ctx context.Context, r io.Reader) (*model.FiscalDocument, error) {
	var proc procDoc
	if err := decode(ctx, r, &proc); err != nil {
		return nil, err
	}
	doc, err := convertNFe(&proc.NFe.Inf)
	if err != nil {
		return nil, err
	}

	prot := proc.Prot.Inf
	if prot.AccessKey != "" && prot.AccessKey != doc.AccessKey {
		return nil, model.NewParseError("nfeProc", "protNFe.chNFe", "protocol belongs to another document", nil)
	}
	doc.Protocol = prot.Protocol
	doc.StatusCode = prot.Status
	doc.StatusReason = prot.Reason
	switch prot.Status {
	case transmission.StatusAuthorized, transmission.StatusAuthorizedLate:
		doc.Status = model.StatusAuthorized
	case transmission.StatusCancellationRatified, transmission.StatusCancellationLate:
		doc.Status = model.StatusCanceled
	case "":
		doc.Status = model.StatusSigned
	default:
		doc.Status = model.StatusRejected
	}
	return doc, nil
}

func decode(ctx context.Context, r io.Reader, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return model.NewParseError("xml", "content", "failed to read content", err)
	}
	if err := xml.Unmarshal(content, v); err != nil {
		return model.NewParseError("xml", "xml", "failed to parse XML", err)
	}
	return nil
}

func convertNFe(inf *infNFe) (*model.FiscalDocument, error) {
	key := strings.TrimPrefix(inf.ID, "NFe")
	if err := model.ValidateAccessKey(key); err != nil {
		return nil, model.NewParseError("NFe", "infNFe.Id", "invalid access key", err)
	}

	env, err := model.ParseEnvironment(inf.Ide.Environment)
	if err != nil {
		return nil, model.NewParseError("NFe", "ide.tpAmb", "unknown environment", err)
	}
	issuedAt, err := time.Parse(time.RFC3339, inf.Ide.IssuedAt)
	if err != nil {
		return nil, model.NewParseError("NFe", "ide.dhEmi", "invalid timestamp", err)
	}

	doc := &model.FiscalDocument{
		Model:         inf.Ide.Model,
		Series:        atoi(inf.Ide.Series),
		Number:        atoi(inf.Ide.Number),
		IssuedAt:      issuedAt,
		AccessKey:     key,
		Environment:   env,
		EmissionType:  atoi(inf.Ide.EmissionType),
		NumericCode:   inf.Ide.NumericCode,
		Nature:        inf.Ide.Nature,
		FinalConsumer: inf.Ide.FinalConsumer == "1",
		Issuer:        convertParty(&inf.Emit, inf.Emit.IssuerAddress),
		Recipient:     convertParty(&inf.Dest, inf.Dest.RecipientAddress),
		LayoutVersion: inf.Version,
		Status:        model.StatusSigned,
	}

	for i := range inf.Det {
		doc.Items = append(doc.Items, convertItem(&inf.Det[i]))
	}
	doc.ApplyDefaults()
	return doc, nil
}

func convertParty(p *nfeParty, addr nfeAddress) model.Party {
	taxID := p.CNPJ
	if taxID == "" {
		taxID = p.CPF
	}
	return model.Party{
		Name:              p.Name,
		TaxID:             taxID,
		StateRegistration: p.StateRegistration,
		State:             addr.State,
		MunicipalityCode:  addr.MunicipalityCode,
		Municipality:      addr.Municipality,
		Regime:            model.TaxRegime(atoi(p.Regime)),
		Contributor:       model.Contributor(atoi(p.Contributor)),
	}
}

func convertItem(det *nfeDet) model.LineItem {
	prod := det.Prod
	item := model.LineItem{
		Number:         det.Number,
		Code:           prod.Code,
		Description:    prod.Description,
		Classification: prod.Classification,
		CFOP:           prod.CFOP,
		Unit:           prod.Unit,
		ServiceCode:    det.Imposto.ISSQN.ServiceCode,
		Quantity:       parseDecimal(prod.Quantity),
		UnitValue:      parseDecimal(prod.UnitValue),
		Discount:       parseDecimal(prod.Discount),
		Freight:        parseDecimal(prod.Freight),
		Insurance:      parseDecimal(prod.Insurance),
		OtherCharges:   parseDecimal(prod.Other),
	}
	if item.ServiceCode != "" && item.Classification == "00" {
		item.Classification = ""
	}
	for _, g := range det.Imposto.ICMS.Groups {
		if g.Origin != "" && g.Origin != "0" {
			item.Imported = true
		}
	}
	if c := det.Imposto.IBSCBS.Category; c != defaultCategory {
		item.NextGen.Category = c
	}

	for _, r := range prod.Tracking {
		rec := model.TrackingRecord{
			Lot:      r.Lot,
			Quantity: parseDecimal(r.Quantity),
		}
		rec.ManufacturedAt, _ = time.Parse(time.DateOnly, r.ManufacturedAt)
		rec.ExpiresAt, _ = time.Parse(time.DateOnly, r.ExpiresAt)
		item.Tracking = append(item.Tracking, rec)
	}
	return item
}

// Helper functions

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
