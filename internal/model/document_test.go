package model_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

func sampleDocument() *model.FiscalDocument {
	return &model.FiscalDocument{
		Series:   1,
		Number:   1,
		IssuedAt: time.Date(2026, 10, 5, 10, 0, 0, 0, time.UTC),
		Issuer: model.Party{
			Name:  "Comercio Exemplo Ltda",
			TaxID: "11.222.333/0001-81",
			State: "SP",
		},
		Recipient: model.Party{
			Name:  "Cliente Final",
			TaxID: "12345678909",
			State: "RJ",
		},
		Items: []model.LineItem{{
			Code:           "P-1",
			Description:    "Produto",
			Classification: "84713012",
			Quantity:       decimal.NewFromInt(2),
			UnitValue:      decimal.RequireFromString("50.25"),
		}},
	}
}

func TestBuildAccessKey_DerivedNumericCode(t *testing.T) {
	key, err := model.BuildAccessKey(model.AccessKeyParts{
		State:    "SP",
		IssuedAt: time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC),
		TaxID:    "11222333000181",
		Series:   1,
		Number:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "35261011222333000181550010000000011001126484", key)
	assert.NoError(t, model.ValidateAccessKey(key))
}

func TestBuildAccessKey_Errors(t *testing.T) {
	base := model.AccessKeyParts{
		State:    "RJ",
		IssuedAt: time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC),
		TaxID:    "11222333000181",
		Series:   1,
		Number:   42,
	}

	tests := []struct {
		name   string
		mutate func(p *model.AccessKeyParts)
		field  string
	}{
		{"unknown state", func(p *model.AccessKeyParts) { p.State = "XX" }, "issuer.state"},
		{"short tax id", func(p *model.AccessKeyParts) { p.TaxID = "123" }, "issuer.tax_id"},
		{"missing issue date", func(p *model.AccessKeyParts) { p.IssuedAt = time.Time{} }, "issued_at"},
		{"bad numeric code", func(p *model.AccessKeyParts) { p.NumericCode = "12" }, "numeric_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := model.BuildAccessKey(p)
			require.Error(t, err)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateAccessKey(t *testing.T) {
	assert.NoError(t, model.ValidateAccessKey("33261011222333000181550010000000421123456789"))

	// last digit altered
	err := model.ValidateAccessKey("33261011222333000181550010000000421123456780")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check digit")

	assert.Error(t, model.ValidateAccessKey("3326"))
	assert.Error(t, model.ValidateAccessKey("3326101122233300018155001000000042112345678A"))
}

func TestCheckDigit_HighRemainderIsZero(t *testing.T) {
	// 11 - (sum % 11) of 10 or 11 maps to 0
	for _, digits := range []string{"0", "00000000000"} {
		assert.Equal(t, 0, model.CheckDigit(digits))
	}
}

func TestAssignAccessKey_Immutable(t *testing.T) {
	doc := sampleDocument()
	require.NoError(t, doc.EnsureAccessKey())
	first := doc.AccessKey
	assert.Equal(t, "NFe"+first, doc.ElementID())

	// same key is accepted again
	require.NoError(t, doc.AssignAccessKey(first))

	err := doc.AssignAccessKey("33261011222333000181550010000000421123456789")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, first, doc.AccessKey)
}

func TestFiscalDocument_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *model.FiscalDocument)
		field  string
	}{
		{"no items", func(d *model.FiscalDocument) { d.Items = nil }, "items"},
		{"missing recipient state", func(d *model.FiscalDocument) { d.Recipient.State = "" }, "recipient.state"},
		{"negative quantity", func(d *model.FiscalDocument) { d.Items[0].Quantity = decimal.NewFromInt(-1) }, "items.quantity"},
		{"negative discount", func(d *model.FiscalDocument) { d.Items[0].Discount = decimal.NewFromInt(-5) }, "items.discount"},
		{"negative differential percent", func(d *model.FiscalDocument) {
			d.Items[0].NextGen.DifferentialPercent = decimal.NewFromInt(-10)
		}, "items.next_gen.differential_percent"},
		{"differential percent above 100", func(d *model.FiscalDocument) {
			d.Items[0].NextGen.DifferentialPercent = decimal.NewFromInt(101)
		}, "items.next_gen.differential_percent"},
		{"negative devolved amount", func(d *model.FiscalDocument) {
			d.Items[0].NextGen.DevolvedAmount = decimal.RequireFromString("-0.01")
		}, "items.next_gen.devolved_amount"},
		{"goods without classification", func(d *model.FiscalDocument) { d.Items[0].Classification = "" }, "items.classification"},
		{"number out of range", func(d *model.FiscalDocument) { d.Number = 0 }, "number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := sampleDocument()
			tt.mutate(doc)
			err := doc.Validate()
			require.Error(t, err)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	assert.NoError(t, sampleDocument().Validate())
}

func TestFiscalDocument_ApplyDefaults(t *testing.T) {
	doc := sampleDocument()
	doc.ApplyDefaults()

	assert.Equal(t, model.ModelNFe, doc.Model)
	assert.Equal(t, model.LayoutVersion, doc.LayoutVersion)
	assert.Equal(t, model.EnvironmentHomologation, doc.Environment)
	assert.Equal(t, model.StatusDraft, doc.Status)
	assert.Equal(t, model.ContributorNone, doc.Recipient.Contributor)
	assert.Equal(t, model.RegimeNormal, doc.Issuer.Regime)
	assert.Equal(t, 1, doc.Items[0].Number)
	assert.True(t, doc.Interstate())
	assert.False(t, doc.SimplifiedRegime())
}

func TestLineItem_LegacyBase(t *testing.T) {
	item := model.LineItem{
		Quantity:     decimal.NewFromInt(3),
		UnitValue:    decimal.RequireFromString("33.333"),
		Discount:     decimal.RequireFromString("10"),
		Freight:      decimal.RequireFromString("5.50"),
		Insurance:    decimal.RequireFromString("1.25"),
		OtherCharges: decimal.RequireFromString("0.25"),
	}
	assert.Equal(t, "100", item.GrossValue().String())
	assert.Equal(t, "97", item.LegacyBase().String())

	item.Discount = decimal.NewFromInt(500)
	assert.True(t, item.LegacyBase().IsZero())
}

func TestLineItem_SetTax(t *testing.T) {
	var item model.LineItem
	_, ok := item.Tax(model.TaxCBS)
	assert.False(t, ok)

	item.SetTax(model.TaxComponent{Kind: model.TaxCBS, Jurisdiction: model.NationalJurisdiction, Value: decimal.NewFromInt(9)})
	c, ok := item.Tax(model.TaxCBS)
	require.True(t, ok)
	assert.Equal(t, "BR", c.TaxJurisdiction())
	assert.True(t, c.TaxKind().IsNextGen())
	assert.False(t, model.TaxICMS.IsNextGen())
}

func TestParseEnvironment(t *testing.T) {
	env, err := model.ParseEnvironment("1")
	require.NoError(t, err)
	assert.Equal(t, model.EnvironmentProduction, env)
	assert.Equal(t, "1", env.Code())

	env, err = model.ParseEnvironment("")
	require.NoError(t, err)
	assert.Equal(t, "2", env.Code())

	_, err = model.ParseEnvironment("sandbox")
	assert.True(t, model.IsValidation(err))
}

func TestStates(t *testing.T) {
	assert.Equal(t, "33", model.StateCode("rj"))
	assert.Equal(t, model.RegionSoutheast, model.StateRegion("SP"))
	assert.Equal(t, "MG", model.StateFromCode("31"))
	assert.False(t, model.IsValidState("XX"))
}
