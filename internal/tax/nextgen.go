package tax

import (
	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

var two = decimal.NewFromInt(2)

// NextGenBase is the IBS/CBS/IS base of an item: product value plus freight,
// insurance and other charges, less discount, floored at zero. The reduction
// operation type halves it.
func NextGenBase(item *model.LineItem, op model.OperationType) decimal.Decimal {
	base := item.LegacyBase()
	if op == model.OperationReduction {
		base = money.Round2(base.Div(two))
	}
	return base
}

// ExpectedValue recomputes a component value from its base, rate, differential
// and devolved amount. ok is false for groups whose value is not derived from
// their own base and rate.
func ExpectedValue(c model.TaxComponent) (decimal.Decimal, bool) {
	if c.Kind == model.TaxICMSST {
		return decimal.Zero, false
	}
	v := money.ApplyRate(c.Base, c.Rate)
	v = v.Sub(money.ApplyRate(v, c.DifferentialPercent))
	v = v.Sub(c.Devolved)
	return money.ClipNegative(v), true
}

func computeNextGen(cat *catalog.Catalog, doc *model.FiscalDocument, item *model.LineItem) {
	base := NextGenBase(item, doc.OperationType)
	in := item.NextGen
	dest := model.NormalizeState(doc.Recipient.State)

	groups := []struct {
		kind         model.TaxKind
		jurisdiction string
		rate         decimal.Decimal
		devolves     bool
	}{
		{model.TaxIBSUF, dest, cat.IBSRate(dest, in.Category), true},
		{model.TaxIBSMun, doc.Recipient.MunicipalityCode, cat.IBSRate(doc.Recipient.MunicipalityCode, in.Category), true},
		{model.TaxCBS, model.NationalJurisdiction, cat.CBSRate(model.NationalJurisdiction, in.Category), true},
		{model.TaxIS, model.NationalJurisdiction, cat.ISRate(model.NationalJurisdiction, in.Category), false},
	}
	for _, g := range groups {
		c := model.TaxComponent{
			Kind:                g.kind,
			Jurisdiction:        g.jurisdiction,
			Base:                base,
			Rate:                g.rate,
			DifferentialPercent: in.DifferentialPercent,
		}
		gross := money.ApplyRate(base, g.rate)
		c.DifferentialValue = money.ApplyRate(gross, in.DifferentialPercent)
		if g.devolves {
			c.Devolved = in.DevolvedAmount
		}
		c.Value, _ = ExpectedValue(c)
		item.SetTax(c)
	}
}
