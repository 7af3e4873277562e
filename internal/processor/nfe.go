package processor

import (
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

const (
	timestampLayout = "2006-01-02T15:04:05-07:00"
	dateLayout      = "2006-01-02"
	// ProcessVersion is verProc, the emitting application version.
	ProcessVersion = "fiscal-gateway 1.0"
)

// BuildNFe renders a computed document as an unsigned NFe. The infNFe Id is
// doc.ElementID().
func BuildNFe(doc *model.FiscalDocument, loc *time.Location) ([]byte, error) {
	if err := model.ValidateAccessKey(doc.AccessKey); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	out := etree.NewDocument()
	nfe := out.CreateElement("NFe")
	nfe.CreateAttr("xmlns", transmission.NFeNamespace)
	inf := nfe.CreateElement("infNFe")
	inf.CreateAttr("versao", doc.LayoutVersion)
	inf.CreateAttr("Id", doc.ElementID())

	buildIde(inf, doc, loc)
	buildParty(inf, "emit", doc.Issuer, true)
	buildParty(inf, "dest", doc.Recipient, false)
	for i := range doc.Items {
		buildItem(inf, &doc.Items[i])
	}
	buildTotals(inf, doc)

	transp := inf.CreateElement("transp")
	text(transp, "modFrete", "9")
	pag := inf.CreateElement("pag").CreateElement("detPag")
	text(pag, "tPag", "90")
	text(pag, "vPag", "0.00")

	out.WriteSettings.CanonicalEndTags = true
	return out.WriteToBytes()
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

func amount(parent *etree.Element, tag string, v decimal.Decimal) {
	text(parent, tag, money.Format(v))
}

func optionalAmount(parent *etree.Element, tag string, v decimal.Decimal) {
	if v.IsPositive() {
		amount(parent, tag, v)
	}
}

func buildIde(inf *etree.Element, doc *model.FiscalDocument, loc *time.Location) {
	key := doc.AccessKey
	ide := inf.CreateElement("ide")
	text(ide, "cUF", key[0:2])
	text(ide, "cNF", key[35:43])
	nature := doc.Nature
	if nature == "" {
		nature = "VENDA"
	}
	text(ide, "natOp", nature)
	text(ide, "mod", doc.Model)
	text(ide, "serie", strconv.Itoa(doc.Series))
	text(ide, "nNF", strconv.Itoa(doc.Number))
	text(ide, "dhEmi", doc.IssuedAt.In(loc).Format(timestampLayout))
	text(ide, "tpNF", "1")
	if doc.Interstate() {
		text(ide, "idDest", "2")
	} else {
		text(ide, "idDest", "1")
	}
	text(ide, "cMunFG", doc.Issuer.MunicipalityCode)
	text(ide, "tpImp", "1")
	text(ide, "tpEmis", strconv.Itoa(doc.EmissionType))
	text(ide, "cDV", key[43:])
	text(ide, "tpAmb", doc.Environment.Code())
	text(ide, "finNFe", "1")
	if doc.FinalConsumer {
		text(ide, "indFinal", "1")
	} else {
		text(ide, "indFinal", "0")
	}
	text(ide, "indPres", "1")
	text(ide, "procEmi", "0")
	text(ide, "verProc", ProcessVersion)
}

func buildParty(inf *etree.Element, tag string, p model.Party, issuer bool) {
	el := inf.CreateElement(tag)
	if id := model.OnlyDigits(p.TaxID); len(id) == 11 {
		text(el, "CPF", id)
	} else {
		text(el, "CNPJ", id)
	}
	text(el, "xNome", p.Name)
	addrTag := "enderDest"
	if issuer {
		addrTag = "enderEmit"
	}
	addr := el.CreateElement(addrTag)
	text(addr, "cMun", p.MunicipalityCode)
	if p.Municipality != "" {
		text(addr, "xMun", p.Municipality)
	}
	text(addr, "UF", model.NormalizeState(p.State))
	if issuer {
		text(el, "IE", p.StateRegistration)
		text(el, "CRT", strconv.Itoa(int(p.Regime)))
		return
	}
	text(el, "indIEDest", strconv.Itoa(int(p.Contributor)))
	if p.StateRegistration != "" && p.Contributor == model.ContributorRegistered {
		text(el, "IE", p.StateRegistration)
	}
}

func buildItem(inf *etree.Element, item *model.LineItem) {
	det := inf.CreateElement("det")
	det.CreateAttr("nItem", strconv.Itoa(item.Number))

	prod := det.CreateElement("prod")
	text(prod, "cProd", item.Code)
	text(prod, "xProd", item.Description)
	classification := item.Classification
	if item.IsService() && classification == "" {
		classification = "00"
	}
	text(prod, "NCM", classification)
	if item.CFOP != "" {
		text(prod, "CFOP", item.CFOP)
	}
	unit := item.Unit
	if unit == "" {
		unit = "UN"
	}
	text(prod, "uCom", unit)
	text(prod, "qCom", item.Quantity.StringFixed(4))
	text(prod, "vUnCom", item.UnitValue.StringFixed(10))
	amount(prod, "vProd", item.GrossValue())
	optionalAmount(prod, "vFrete", item.Freight)
	optionalAmount(prod, "vSeg", item.Insurance)
	optionalAmount(prod, "vDesc", item.Discount)
	optionalAmount(prod, "vOutro", item.OtherCharges)
	text(prod, "indTot", "1")
	for _, r := range item.Tracking {
		rastro := prod.CreateElement("rastro")
		text(rastro, "nLote", r.Lot)
		text(rastro, "qLote", r.Quantity.StringFixed(3))
		text(rastro, "dFab", r.ManufacturedAt.Format(dateLayout))
		text(rastro, "dVal", r.ExpiresAt.Format(dateLayout))
	}

	imposto := det.CreateElement("imposto")
	if c, ok := item.Tax(model.TaxICMS); ok {
		buildICMS(imposto, item, c)
	}
	if c, ok := item.Tax(model.TaxIPI); ok {
		ipi := imposto.CreateElement("IPI")
		text(ipi, "cEnq", "999")
		if c.Rate.IsPositive() {
			g := ipi.CreateElement("IPITrib")
			text(g, "CST", c.CST)
			amount(g, "vBC", c.Base)
			text(g, "pIPI", money.FormatRate(c.Rate))
			amount(g, "vIPI", c.Value)
		} else {
			text(ipi.CreateElement("IPINT"), "CST", c.CST)
		}
	}
	if c, ok := item.Tax(model.TaxISS); ok {
		iss := imposto.CreateElement("ISSQN")
		amount(iss, "vBC", c.Base)
		text(iss, "vAliq", money.FormatRate(c.Rate))
		amount(iss, "vISSQN", c.Value)
		text(iss, "cMunFG", c.Jurisdiction)
		text(iss, "cListServ", item.ServiceCode)
		text(iss, "indISS", "1")
		text(iss, "indIncentivo", "2")
	}
	contribution(imposto, "PIS", item, model.TaxPIS)
	contribution(imposto, "COFINS", item, model.TaxCOFINS)
	buildIBSCBS(imposto, item)
}

func buildICMS(imposto *etree.Element, item *model.LineItem, c model.TaxComponent) {
	icms := imposto.CreateElement("ICMS")
	if len(c.CST) == 3 {
		// CSOSN of the simplified regime.
		g := icms.CreateElement("ICMSSN" + c.CST)
		text(g, "orig", origin(item))
		text(g, "CSOSN", c.CST)
		return
	}
	g := icms.CreateElement("ICMS" + c.CST)
	text(g, "orig", origin(item))
	text(g, "CST", c.CST)
	text(g, "modBC", "3")
	amount(g, "vBC", c.Base)
	text(g, "pICMS", money.FormatRate(c.Rate))
	amount(g, "vICMS", c.Value)
	if st, ok := item.Tax(model.TaxICMSST); ok {
		text(g, "modBCST", "4")
		text(g, "pMVAST", money.FormatRate(st.MVA))
		amount(g, "vBCST", st.Base)
		text(g, "pICMSST", money.FormatRate(st.Rate))
		amount(g, "vICMSST", st.Value)
	}

	dest, ok := item.Tax(model.TaxICMSUFDest)
	if !ok {
		return
	}
	uf := imposto.CreateElement("ICMSUFDest")
	amount(uf, "vBCUFDest", dest.Base)
	fcp, hasFCP := item.Tax(model.TaxFCPUFDest)
	if hasFCP {
		amount(uf, "vBCFCPUFDest", fcp.Base)
		text(uf, "pFCPUFDest", money.FormatRate(fcp.Rate))
	}
	text(uf, "pICMSUFDest", money.FormatRate(dest.Rate.Add(c.Rate)))
	text(uf, "pICMSInter", money.FormatRate(c.Rate))
	if hasFCP {
		amount(uf, "vFCPUFDest", fcp.Value)
	}
	amount(uf, "vICMSUFDest", dest.Value)
	amount(uf, "vICMSUFRemet", decimal.Zero)
}

func origin(item *model.LineItem) string {
	if item.Imported {
		return "1"
	}
	return "0"
}

func contribution(imposto *etree.Element, tag string, item *model.LineItem, kind model.TaxKind) {
	c, ok := item.Tax(kind)
	if !ok {
		return
	}
	el := imposto.CreateElement(tag)
	if c.CST == "99" {
		g := el.CreateElement(tag + "Outr")
		text(g, "CST", c.CST)
		amount(g, "vBC", c.Base)
		text(g, "p"+tag, money.FormatRate(c.Rate))
		amount(g, "v"+tag, c.Value)
		return
	}
	g := el.CreateElement(tag + "Aliq")
	text(g, "CST", c.CST)
	amount(g, "vBC", c.Base)
	text(g, "p"+tag, money.FormatRate(c.Rate))
	amount(g, "v"+tag, c.Value)
}

func buildIBSCBS(imposto *etree.Element, item *model.LineItem) {
	uf, okUF := item.Tax(model.TaxIBSUF)
	mun, okMun := item.Tax(model.TaxIBSMun)
	cbs, okCBS := item.Tax(model.TaxCBS)
	if is, ok := item.Tax(model.TaxIS); ok {
		g := imposto.CreateElement("IS")
		text(g, "CSTIS", "000")
		text(g, "cClassTribIS", classTrib(item))
		amount(g, "vBCIS", is.Base)
		text(g, "pIS", money.FormatRate(is.Rate))
		amount(g, "vIS", is.Value)
	}
	if !okUF && !okMun && !okCBS {
		return
	}
	g := imposto.CreateElement("IBSCBS")
	text(g, "CST", "000")
	text(g, "cClassTrib", classTrib(item))
	body := g.CreateElement("gIBSCBS")
	amount(body, "vBC", uf.Base)
	if okUF {
		nextGenGroup(body, "gIBSUF", "IBSUF", uf)
	}
	if okMun {
		nextGenGroup(body, "gIBSMun", "IBSMun", mun)
	}
	amount(body, "vIBS", uf.Value.Add(mun.Value))
	if okCBS {
		nextGenGroup(body, "gCBS", "CBS", cbs)
	}
}

func nextGenGroup(parent *etree.Element, tag, suffix string, c model.TaxComponent) {
	g := parent.CreateElement(tag)
	text(g, "p"+suffix, money.FormatRate(c.Rate))
	if c.DifferentialPercent.IsPositive() {
		dif := g.CreateElement("gDif")
		text(dif, "pDif", money.FormatRate(c.DifferentialPercent))
		amount(dif, "vDif", c.DifferentialValue)
	}
	if c.Devolved.IsPositive() {
		amount(g.CreateElement("gDevTrib"), "vDevTrib", c.Devolved)
	}
	amount(g, "v"+suffix, c.Value)
}

func classTrib(item *model.LineItem) string {
	if item.NextGen.Category != "" {
		return item.NextGen.Category
	}
	return "000001"
}

func buildTotals(inf *etree.Element, doc *model.FiscalDocument) {
	t := doc.Totals
	total := inf.CreateElement("total")

	icms := total.CreateElement("ICMSTot")
	amount(icms, "vBC", t.Bases[model.TaxICMS])
	amount(icms, "vICMS", t.Kind(model.TaxICMS))
	amount(icms, "vICMSDeson", decimal.Zero)
	amount(icms, "vFCPUFDest", t.Kind(model.TaxFCPUFDest))
	amount(icms, "vICMSUFDest", t.Kind(model.TaxICMSUFDest))
	amount(icms, "vICMSUFRemet", decimal.Zero)
	amount(icms, "vFCP", decimal.Zero)
	amount(icms, "vBCST", t.Bases[model.TaxICMSST])
	amount(icms, "vST", t.Kind(model.TaxICMSST))
	amount(icms, "vFCPST", decimal.Zero)
	amount(icms, "vFCPSTRet", decimal.Zero)
	amount(icms, "vProd", t.Products)
	amount(icms, "vFrete", t.Freight)
	amount(icms, "vSeg", t.Insurance)
	amount(icms, "vDesc", t.Discount)
	amount(icms, "vII", decimal.Zero)
	amount(icms, "vIPI", t.Kind(model.TaxIPI))
	amount(icms, "vIPIDevol", decimal.Zero)
	amount(icms, "vPIS", t.Kind(model.TaxPIS))
	amount(icms, "vCOFINS", t.Kind(model.TaxCOFINS))
	amount(icms, "vOutro", t.Other)
	amount(icms, "vNF", t.DocumentTotal)

	if iss := t.Kind(model.TaxISS); iss.IsPositive() {
		g := total.CreateElement("ISSQNtot")
		amount(g, "vBC", t.Bases[model.TaxISS])
		amount(g, "vISS", iss)
	}
	if is := t.Kind(model.TaxIS); is.IsPositive() {
		amount(total.CreateElement("ISTot"), "vIS", is)
	}

	g := total.CreateElement("IBSCBSTot")
	amount(g, "vBCIBSCBS", t.Bases[model.TaxCBS])
	ibs := g.CreateElement("gIBS")
	amount(ibs.CreateElement("gIBSUF"), "vIBSUF", t.Kind(model.TaxIBSUF))
	amount(ibs.CreateElement("gIBSMun"), "vIBSMun", t.Kind(model.TaxIBSMun))
	amount(ibs, "vIBS", t.Kind(model.TaxIBSUF).Add(t.Kind(model.TaxIBSMun)))
	amount(g.CreateElement("gCBS"), "vCBS", t.Kind(model.TaxCBS))
	if t.PresumedCredit.Count > 0 {
		amount(g, "vCredPres", t.PresumedCredit.Value)
	}
}

// ProcNFe wraps a signed NFe and the protNFe of the authority answer into
// nfeProc, the document kept as the legal record of an authorization. An
// answer without protNFe is refused.
func ProcNFe(signed, answer []byte) ([]byte, error) {
	nfe := etree.NewDocument()
	if err := nfe.ReadFromBytes(signed); err != nil || nfe.Root() == nil {
		return nil, model.NewParseError("nfeProc", "NFe", "signed document is not well-formed XML", err)
	}
	prot := protocolOf(answer)
	if prot == nil {
		return nil, model.NewParseError("nfeProc", "protNFe", "answer carries no authorization protocol", nil)
	}

	out := etree.NewDocument()
	proc := out.CreateElement("nfeProc")
	proc.CreateAttr("xmlns", transmission.NFeNamespace)
	proc.CreateAttr("versao", model.LayoutVersion)
	proc.AddChild(nfe.Root().Copy())
	proc.AddChild(prot.Copy())
	return out.WriteToBytes()
}

// HasProtocol reports whether an authority answer carries protNFe.
func HasProtocol(answer []byte) bool {
	return protocolOf(answer) != nil
}

func protocolOf(answer []byte) *etree.Element {
	if len(answer) == 0 {
		return nil
	}
	resp := etree.NewDocument()
	if err := resp.ReadFromBytes(answer); err != nil || resp.Root() == nil {
		return nil
	}
	return findLocal(resp.Root(), "protNFe")
}

func findLocal(el *etree.Element, local string) *etree.Element {
	if el.Tag == local {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocal(child, local); found != nil {
			return found
		}
	}
	return nil
}
