package tax

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Aggregate sums item components into document totals.
func Aggregate(doc *model.FiscalDocument) model.DocumentTotals {
	t := model.NewDocumentTotals()

	for i := range doc.Items {
		item := &doc.Items[i]
		t.Products = t.Products.Add(item.GrossValue())
		t.Discount = t.Discount.Add(item.Discount)
		t.Freight = t.Freight.Add(item.Freight)
		t.Insurance = t.Insurance.Add(item.Insurance)
		t.Other = t.Other.Add(item.OtherCharges)

		for kind, c := range item.Taxes {
			t.ByKind[kind] = t.ByKind[kind].Add(c.Value)
			t.Bases[kind] = t.Bases[kind].Add(c.Base)
			switch kind {
			case model.TaxIBSUF:
				t.ByState[c.Jurisdiction] = t.ByState[c.Jurisdiction].Add(c.Value)
			case model.TaxIBSMun:
				t.ByMunicipality[c.Jurisdiction] = t.ByMunicipality[c.Jurisdiction].Add(c.Value)
			}
		}

		if item.NextGen.PresumedCreditPercent.IsPositive() {
			base := NextGenBase(item, doc.OperationType)
			if cbs, ok := item.Tax(model.TaxCBS); ok {
				base = cbs.Base
			}
			t.PresumedCredit.Count++
			t.PresumedCredit.Value = t.PresumedCredit.Value.Add(money.ApplyRate(base, item.NextGen.PresumedCreditPercent))
		}
		if item.NextGen.SinglePhase {
			t.SinglePhase.Count++
			for _, k := range []model.TaxKind{model.TaxIBSUF, model.TaxIBSMun, model.TaxCBS} {
				if c, ok := item.Tax(k); ok {
					t.SinglePhase.Value = t.SinglePhase.Value.Add(c.Value)
				}
			}
		}
	}

	t.DocumentTotal = money.Round2(t.Products.
		Sub(t.Discount).
		Add(t.Freight).
		Add(t.Insurance).
		Add(t.Other).
		Add(t.Kind(model.TaxICMSST)).
		Add(t.Kind(model.TaxIPI)))
	return t
}

// CheckConsistency recomputes per-item values and per-jurisdiction aggregates
// and reports every difference above Tolerance as a calculation warning.
func CheckConsistency(doc *model.FiscalDocument) []model.Finding {
	var findings []model.Finding

	for i := range doc.Items {
		item := &doc.Items[i]
		for _, kind := range sortedKinds(item.Taxes) {
			c := item.Taxes[kind]
			want, ok := ExpectedValue(c)
			if !ok || money.WithinTolerance(want, c.Value, Tolerance) {
				continue
			}
			findings = append(findings, model.Finding{
				Category: model.CategoryCalculation,
				Severity: model.SeverityWarning,
				Field:    string(kind),
				Item:     item.Number,
				Message:  fmt.Sprintf("stored value %s differs from recomputed %s", money.Format(c.Value), money.Format(want)),
			})
		}
	}

	fresh := Aggregate(doc)
	findings = append(findings, compareKinds(fresh.ByKind, doc.Totals.ByKind)...)
	findings = append(findings, compareJurisdictions(string(model.TaxIBSUF), fresh.ByState, doc.Totals.ByState)...)
	findings = append(findings, compareJurisdictions(string(model.TaxIBSMun), fresh.ByMunicipality, doc.Totals.ByMunicipality)...)
	return findings
}

// CompareTotals reports where the totals a document arrived with differ from
// the recomputed ones. Documents without declared totals yield nothing.
func CompareTotals(recomputed, declared model.DocumentTotals) []model.Finding {
	if len(declared.ByKind) == 0 && declared.DocumentTotal.IsZero() {
		return nil
	}
	var findings []model.Finding
	if !money.WithinTolerance(recomputed.DocumentTotal, declared.DocumentTotal, Tolerance) {
		findings = append(findings, model.Finding{
			Category: model.CategoryCalculation,
			Severity: model.SeverityWarning,
			Field:    "totals.document_total",
			Message: fmt.Sprintf("declared total %s differs from recomputed %s",
				money.Format(declared.DocumentTotal), money.Format(recomputed.DocumentTotal)),
		})
	}
	findings = append(findings, compareKinds(recomputed.ByKind, declared.ByKind)...)
	findings = append(findings, compareJurisdictions(string(model.TaxIBSUF), recomputed.ByState, declared.ByState)...)
	findings = append(findings, compareJurisdictions(string(model.TaxIBSMun), recomputed.ByMunicipality, declared.ByMunicipality)...)
	return findings
}

func compareKinds(recomputed, stored map[model.TaxKind]decimal.Decimal) []model.Finding {
	r := make(map[string]decimal.Decimal, len(recomputed))
	for k, v := range recomputed {
		r[string(k)] = v
	}
	s := make(map[string]decimal.Decimal, len(stored))
	for k, v := range stored {
		s[string(k)] = v
	}
	return compare("totals", r, s)
}

func compareJurisdictions(kind string, recomputed, stored map[string]decimal.Decimal) []model.Finding {
	return compare("totals."+kind, recomputed, stored)
}

func compare(prefix string, recomputed, stored map[string]decimal.Decimal) []model.Finding {
	keys := make(map[string]struct{}, len(recomputed)+len(stored))
	for k := range recomputed {
		keys[k] = struct{}{}
	}
	for k := range stored {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var findings []model.Finding
	for _, k := range ordered {
		if money.WithinTolerance(recomputed[k], stored[k], Tolerance) {
			continue
		}
		findings = append(findings, model.Finding{
			Category: model.CategoryCalculation,
			Severity: model.SeverityWarning,
			Field:    prefix + "." + k,
			Message:  fmt.Sprintf("stored aggregate %s differs from recomputed %s", money.Format(stored[k]), money.Format(recomputed[k])),
		})
	}
	return findings
}

func sortedKinds(m map[model.TaxKind]model.TaxComponent) []model.TaxKind {
	out := make([]model.TaxKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
