package tax

import (
	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Situation codes used for ICMS.
const (
	CSOSNNoCredit         = "102"
	CSOSNSubstitutedPrior = "500"
	CSTTaxed              = "00"
	CSTTaxedSubstitution  = "10"
)

func computeICMS(cat *catalog.Catalog, doc *model.FiscalDocument, item *model.LineItem) {
	origin := model.NormalizeState(doc.Issuer.State)
	dest := model.NormalizeState(doc.Recipient.State)
	substitution := cat.Substitution(item.Classification)
	item.Substitution = substitution

	if doc.SimplifiedRegime() {
		cst := CSOSNNoCredit
		if substitution {
			cst = CSOSNSubstitutedPrior
		}
		item.SetTax(model.TaxComponent{
			Kind:         model.TaxICMS,
			Jurisdiction: origin,
			CST:          cst,
			Base:         decimal.Zero,
			Rate:         decimal.Zero,
			Value:        decimal.Zero,
		})
		return
	}

	base := item.LegacyBase()
	rate := cat.InternalRate(origin)
	if doc.Interstate() {
		rate = cat.InterstateRate(origin, dest)
		if item.Imported {
			rate = cat.ImportedInterstateRate()
		}
	}
	own := money.ApplyRate(base, rate)

	cst := CSTTaxed
	if substitution {
		cst = CSTTaxedSubstitution
	}
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxICMS,
		Jurisdiction: origin,
		CST:          cst,
		Base:         base,
		Rate:         rate,
		Value:        own,
	})

	if doc.Interstate() && doc.FinalConsumer && doc.Recipient.Contributor == model.ContributorNone {
		computeDIFAL(cat, dest, base, rate, item)
	}
	if substitution {
		computeSubstitution(cat, dest, base, own, item)
	}
}

// computeDIFAL adds the destination share owed on inter-state sales to a
// non-contributor final consumer, plus the destination poverty fund.
func computeDIFAL(cat *catalog.Catalog, dest string, base, interstate decimal.Decimal, item *model.LineItem) {
	diff := money.ClipNegative(cat.InternalRate(dest).Sub(interstate))
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxICMSUFDest,
		Jurisdiction: dest,
		Base:         base,
		Rate:         diff,
		Value:        money.ApplyRate(base, diff),
	})

	if fcp := cat.FCP(dest); fcp.IsPositive() {
		item.SetTax(model.TaxComponent{
			Kind:         model.TaxFCPUFDest,
			Jurisdiction: dest,
			Base:         base,
			Rate:         fcp,
			Value:        money.ApplyRate(base, fcp),
		})
	}
}

// computeSubstitution adds the ICMS-ST group: the MVA-marked-up base taxed at
// the destination internal rate, less the issuer's own ICMS.
func computeSubstitution(cat *catalog.Catalog, dest string, base, own decimal.Decimal, item *model.LineItem) {
	mva := cat.MVA(item.Classification, dest)
	baseST := money.Markup(base, mva)
	rate := cat.InternalRate(dest)
	item.SetTax(model.TaxComponent{
		Kind:         model.TaxICMSST,
		Jurisdiction: dest,
		CST:          CSTTaxedSubstitution,
		Base:         baseST,
		Rate:         rate,
		MVA:          mva,
		Value:        money.ClipNegative(money.ApplyRate(baseST, rate).Sub(own)),
	})
}
