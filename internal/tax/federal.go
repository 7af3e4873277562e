package tax

import (
	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Situation codes used for IPI, PIS and COFINS.
const (
	CSTIPITaxed          = "50"
	CSTIPIZeroRate       = "53"
	CSTContributionTaxed = "01"
	CSTOtherOperations   = "99"
)

func computeIPI(cat *catalog.Catalog, doc *model.FiscalDocument, item *model.LineItem) {
	if doc.SimplifiedRegime() {
		item.SetTax(zeroComponent(model.TaxIPI, model.NationalJurisdiction, CSTOtherOperations))
		return
	}
	base := item.LegacyBase()
	rate := cat.IPIRate(item.Classification)
	cst := CSTIPITaxed
	if rate.IsZero() {
		cst = CSTIPIZeroRate
	}
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxIPI,
		Jurisdiction: model.NationalJurisdiction,
		CST:          cst,
		Base:         base,
		Rate:         rate,
		Value:        money.ApplyRate(base, rate),
	})
}

func computePISCOFINS(cat *catalog.Catalog, doc *model.FiscalDocument, item *model.LineItem) {
	if doc.SimplifiedRegime() {
		item.SetTax(zeroComponent(model.TaxPIS, model.NationalJurisdiction, CSTOtherOperations))
		item.SetTax(zeroComponent(model.TaxCOFINS, model.NationalJurisdiction, CSTOtherOperations))
		return
	}
	base := item.LegacyBase()
	rates := cat.PISCOFINS(doc.Issuer.RealProfit)
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxPIS,
		Jurisdiction: model.NationalJurisdiction,
		CST:          CSTContributionTaxed,
		Base:         base,
		Rate:         rates.PIS,
		Value:        money.ApplyRate(base, rates.PIS),
	})
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxCOFINS,
		Jurisdiction: model.NationalJurisdiction,
		CST:          CSTContributionTaxed,
		Base:         base,
		Rate:         rates.COFINS,
		Value:        money.ApplyRate(base, rates.COFINS),
	})
}

// computeISS taxes a service line in the issuer's municipality.
func computeISS(cat *catalog.Catalog, doc *model.FiscalDocument, item *model.LineItem) {
	base := item.LegacyBase()
	rate := cat.ISSRate(item.ServiceCode)
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxISS,
		Jurisdiction: doc.Issuer.MunicipalityCode,
		Base:         base,
		Rate:         rate,
		Value:        money.ApplyRate(base, rate),
	})
}

func zeroComponent(kind model.TaxKind, jurisdiction, cst string) model.TaxComponent {
	return model.TaxComponent{
		Kind:         kind,
		Jurisdiction: jurisdiction,
		CST:          cst,
		Base:         decimal.Zero,
		Rate:         decimal.Zero,
		Value:        decimal.Zero,
	}
}
