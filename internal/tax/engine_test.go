package tax_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/tax"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func newEngine() *tax.Engine {
	return tax.NewEngine(catalog.NewHolder(""))
}

func goods(classification, qty, unit string) model.LineItem {
	return model.LineItem{
		Code:           "SKU-" + classification,
		Description:    "item " + classification,
		Classification: classification,
		Quantity:       dec(qty),
		UnitValue:      dec(unit),
	}
}

func document(origin, dest string, items ...model.LineItem) *model.FiscalDocument {
	return &model.FiscalDocument{
		Series:   1,
		Number:   100,
		IssuedAt: time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC),
		Issuer: model.Party{
			Name:             "Emitente SA",
			TaxID:            "11222333000181",
			State:            origin,
			MunicipalityCode: "3550308",
			Regime:           model.RegimeNormal,
		},
		Recipient: model.Party{
			Name:             "Destinatario",
			TaxID:            "12345678909",
			State:            dest,
			MunicipalityCode: "3304557",
			Contributor:      model.ContributorRegistered,
		},
		Items: items,
	}
}

func TestCompute_IntraStateNormalRegime(t *testing.T) {
	doc := document("RJ", "RJ", goods("84713012", "10", "100"))

	res, err := newEngine().Compute(doc)
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, model.StatusComputed, doc.Status)
	assert.Equal(t, catalog.SourceEmbedded, res.CatalogSource)

	item := doc.Items[0]
	icms, ok := item.Tax(model.TaxICMS)
	require.True(t, ok)
	assert.Equal(t, tax.CSTTaxed, icms.CST)
	assertAmount(t, "20", icms.Rate)
	assertAmount(t, "200", icms.Value)
	assert.Equal(t, "RJ", icms.Jurisdiction)

	ipi, _ := item.Tax(model.TaxIPI)
	assert.Equal(t, tax.CSTIPITaxed, ipi.CST)
	assertAmount(t, "97.50", ipi.Value)

	pis, _ := item.Tax(model.TaxPIS)
	cofins, _ := item.Tax(model.TaxCOFINS)
	assertAmount(t, "6.50", pis.Value)
	assertAmount(t, "30", cofins.Value)

	_, hasDIFAL := item.Tax(model.TaxICMSUFDest)
	assert.False(t, hasDIFAL)
	assert.False(t, item.Substitution)

	assertAmount(t, "1000", doc.Totals.Products)
	assertAmount(t, "1097.50", doc.Totals.DocumentTotal)
}

func TestCompute_RealProfitUsesNonCumulativeRates(t *testing.T) {
	doc := document("SP", "SP", goods("84713012", "1", "1000"))
	doc.Issuer.RealProfit = true

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	assertAmount(t, "16.50", doc.Totals.Kind(model.TaxPIS))
	assertAmount(t, "76", doc.Totals.Kind(model.TaxCOFINS))
}

func TestCompute_InterstateRates(t *testing.T) {
	for _, pair := range [][2]string{{"SP", "RJ"}, {"RJ", "SP"}} {
		doc := document(pair[0], pair[1], goods("84713012", "1", "1000"))
		_, err := newEngine().Compute(doc)
		require.NoError(t, err)

		icms, _ := doc.Items[0].Tax(model.TaxICMS)
		assertAmount(t, "12", icms.Rate, pair)
		assertAmount(t, "120", icms.Value, pair)
	}
}

func TestCompute_ImportedGoodsUseFourPercent(t *testing.T) {
	item := goods("84713012", "1", "1000")
	item.Imported = true
	doc := document("SP", "BA", item)

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	icms, _ := doc.Items[0].Tax(model.TaxICMS)
	assertAmount(t, "4", icms.Rate)
	assertAmount(t, "40", icms.Value)
}

func TestCompute_DIFALForNonContributorFinalConsumer(t *testing.T) {
	doc := document("SP", "RJ", goods("84713012", "1", "1000"))
	doc.FinalConsumer = true
	doc.Recipient.Contributor = model.ContributorNone

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	item := doc.Items[0]
	difal, ok := item.Tax(model.TaxICMSUFDest)
	require.True(t, ok)
	assertAmount(t, "8", difal.Rate)
	assertAmount(t, "80", difal.Value)
	assert.Equal(t, "RJ", difal.Jurisdiction)

	fcp, ok := item.Tax(model.TaxFCPUFDest)
	require.True(t, ok)
	assertAmount(t, "2", fcp.Rate)
	assertAmount(t, "20", fcp.Value)
}

func TestCompute_DIFALSkippedForContributorOrNoFCP(t *testing.T) {
	doc := document("SP", "RJ", goods("84713012", "1", "1000"))
	doc.FinalConsumer = true
	doc.Recipient.Contributor = model.ContributorRegistered
	_, err := newEngine().Compute(doc)
	require.NoError(t, err)
	_, ok := doc.Items[0].Tax(model.TaxICMSUFDest)
	assert.False(t, ok)

	doc = document("RJ", "MG", goods("84713012", "1", "1000"))
	doc.FinalConsumer = true
	doc.Recipient.Contributor = model.ContributorNone
	_, err = newEngine().Compute(doc)
	require.NoError(t, err)

	difal, ok := doc.Items[0].Tax(model.TaxICMSUFDest)
	require.True(t, ok)
	// RJ to MG is 12%, MG internal 18%
	assertAmount(t, "60", difal.Value)
	_, ok = doc.Items[0].Tax(model.TaxFCPUFDest)
	assert.False(t, ok)
}

func TestCompute_SubstitutionItems(t *testing.T) {
	doc := document("SP", "SP", goods("22021000", "1", "1000"), goods("61091000", "1", "100"))

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	beverage := doc.Items[0]
	assert.True(t, beverage.Substitution)
	icms, _ := beverage.Tax(model.TaxICMS)
	assert.Equal(t, tax.CSTTaxedSubstitution, icms.CST)
	assertAmount(t, "180", icms.Value)

	st, ok := beverage.Tax(model.TaxICMSST)
	require.True(t, ok)
	assertAmount(t, "45", st.MVA)
	assertAmount(t, "1450", st.Base)
	assertAmount(t, "81", st.Value)

	ipi, _ := beverage.Tax(model.TaxIPI)
	assert.Equal(t, tax.CSTIPIZeroRate, ipi.CST)

	apparel := doc.Items[1]
	assert.False(t, apparel.Substitution)
	_, ok = apparel.Tax(model.TaxICMSST)
	assert.False(t, ok)

	// vNF includes the ST value
	assertAmount(t, "1181", doc.Totals.DocumentTotal)
}

func TestCompute_SimplifiedRegime(t *testing.T) {
	doc := document("SP", "RJ", goods("84713012", "1", "1000"), goods("24022000", "1", "10"))
	doc.Issuer.Regime = model.RegimeSimplified
	doc.FinalConsumer = true
	doc.Recipient.Contributor = model.ContributorNone

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	icms, _ := doc.Items[0].Tax(model.TaxICMS)
	assert.Equal(t, tax.CSOSNNoCredit, icms.CST)
	assert.True(t, icms.Value.IsZero())
	_, ok := doc.Items[0].Tax(model.TaxICMSUFDest)
	assert.False(t, ok)

	for _, k := range []model.TaxKind{model.TaxPIS, model.TaxCOFINS, model.TaxIPI} {
		c, _ := doc.Items[0].Tax(k)
		assert.Equal(t, tax.CSTOtherOperations, c.CST, k)
		assert.True(t, c.Value.IsZero(), k)
	}

	cigarettes := doc.Items[1]
	assert.True(t, cigarettes.Substitution)
	icms, _ = cigarettes.Tax(model.TaxICMS)
	assert.Equal(t, tax.CSOSNSubstitutedPrior, icms.CST)

	// next-gen groups still apply
	assertAmount(t, "9.09", doc.Totals.Kind(model.TaxCBS))
}

func TestCompute_ServiceItem(t *testing.T) {
	doc := document("SP", "SP", model.LineItem{
		Code:        "SRV-1",
		Description: "Consultoria",
		ServiceCode: "01.07",
		Quantity:    dec("1"),
		UnitValue:   dec("500"),
	})

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	item := doc.Items[0]
	iss, ok := item.Tax(model.TaxISS)
	require.True(t, ok)
	assertAmount(t, "10", iss.Value)
	assert.Equal(t, "3550308", iss.Jurisdiction)

	_, ok = item.Tax(model.TaxICMS)
	assert.False(t, ok)
	_, ok = item.Tax(model.TaxIPI)
	assert.False(t, ok)
	_, ok = item.Tax(model.TaxPIS)
	assert.True(t, ok)
}

func TestCompute_ValidationErrors(t *testing.T) {
	engine := newEngine()

	_, err := engine.Compute(document("SP", "RJ"))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	bad := goods("84713012", "-1", "10")
	_, err = engine.Compute(document("SP", "RJ", bad))
	assert.True(t, model.IsValidation(err))

	_, err = engine.Compute(document("SP", "", goods("84713012", "1", "10")))
	assert.True(t, model.IsValidation(err))

	_, err = engine.Compute(nil)
	assert.True(t, model.IsValidation(err))
}

func TestCompute_ApportionsDocumentFreight(t *testing.T) {
	doc := document("SP", "SP", goods("84713012", "1", "100"), goods("84713012", "1", "200"))
	doc.Freight = dec("10")

	_, err := newEngine().Compute(doc)
	require.NoError(t, err)

	assertAmount(t, "3.33", doc.Items[0].Freight)
	assertAmount(t, "6.67", doc.Items[1].Freight)
	assertAmount(t, "10", doc.Totals.Freight)

	// recomputing keeps the split
	_, err = newEngine().Compute(doc)
	require.NoError(t, err)
	assertAmount(t, "3.33", doc.Items[0].Freight)
}

func TestCompute_UsesRefreshedCatalog(t *testing.T) {
	table := catalog.Defaults()
	table.ICMS.Internal["RJ"] = dec("22")
	holder := catalog.NewStaticHolder(catalog.New(table, "test"))

	doc := document("RJ", "RJ", goods("84713012", "1", "100"))
	res, err := tax.NewEngine(holder).Compute(doc)
	require.NoError(t, err)

	assert.Equal(t, "test", res.CatalogSource)
	assertAmount(t, "22", doc.Totals.Kind(model.TaxICMS))
}

func TestCompute_RoundTripAggregates(t *testing.T) {
	doc := document("SP", "RJ",
		goods("84713012", "3", "33.333"),
		goods("22021000", "7", "1.99"),
		goods("30049099", "2.5", "12.47"),
	)
	doc.FinalConsumer = true
	doc.Recipient.Contributor = model.ContributorNone
	doc.Items[1].Discount = dec("0.37")
	doc.Items[2].NextGen.DifferentialPercent = dec("33.3")

	res, err := newEngine().Compute(doc)
	require.NoError(t, err)
	assert.Empty(t, res.Findings)

	sums := map[model.TaxKind]decimal.Decimal{}
	for _, item := range doc.Items {
		for k, c := range item.Taxes {
			sums[k] = sums[k].Add(c.Value)

			if want, ok := tax.ExpectedValue(c); ok {
				assert.True(t, want.Sub(c.Value).Abs().LessThanOrEqual(tax.Tolerance), "%s item %d", k, item.Number)
			}
		}
	}
	for k, v := range sums {
		assertAmount(t, v.String(), doc.Totals.Kind(k), k)
	}
	assertAmount(t, doc.Totals.Kind(model.TaxIBSUF).String(), doc.Totals.ByState["RJ"])
	assertAmount(t, doc.Totals.Kind(model.TaxIBSMun).String(), doc.Totals.ByMunicipality["3304557"])
}

func TestCompute_ReportsDeclaredTotalsMismatch(t *testing.T) {
	reference := document("SP", "RJ", goods("84713012", "1", "1000"))
	_, err := newEngine().Compute(reference)
	require.NoError(t, err)

	// Totals that match the recomputation produce no finding.
	doc := document("SP", "RJ", goods("84713012", "1", "1000"))
	doc.Totals = reference.Totals
	res, err := newEngine().Compute(doc)
	require.NoError(t, err)
	assert.Empty(t, res.Findings)

	tampered := model.NewDocumentTotals()
	for k, v := range reference.Totals.ByKind {
		tampered.ByKind[k] = v
	}
	tampered.ByKind[model.TaxCBS] = tampered.ByKind[model.TaxCBS].Add(dec("1.00"))
	tampered.ByState["RJ"] = reference.Totals.ByState["RJ"]
	tampered.ByMunicipality["3304557"] = reference.Totals.ByMunicipality["3304557"]
	tampered.DocumentTotal = reference.Totals.DocumentTotal

	doc = document("SP", "RJ", goods("84713012", "1", "1000"))
	doc.Totals = tampered
	res, err = newEngine().Compute(doc)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "totals.CBS", res.Findings[0].Field)
	assert.Equal(t, model.CategoryCalculation, res.Findings[0].Category)
	assert.Equal(t, model.SeverityWarning, res.Findings[0].Severity)
	assert.True(t, doc.Totals.Kind(model.TaxCBS).Equal(reference.Totals.Kind(model.TaxCBS)), "totals are replaced by the recomputation")
}
