package audit

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/tax"
)

var (
	goodsGroups   = []model.TaxKind{model.TaxICMS, model.TaxIPI, model.TaxPIS, model.TaxCOFINS}
	serviceGroups = []model.TaxKind{model.TaxISS, model.TaxPIS, model.TaxCOFINS}
	nextGenGroups = []model.TaxKind{model.TaxIBSUF, model.TaxIBSMun, model.TaxCBS, model.TaxIS}
)

func checkStructure(doc *model.FiscalDocument) []model.Finding {
	var out []model.Finding
	add := func(sev model.Severity, field string, item int, format string, args ...any) {
		out = append(out, model.Finding{
			Category: model.CategoryStructural,
			Severity: sev,
			Field:    field,
			Item:     item,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if err := model.ValidateAccessKey(doc.AccessKey); err != nil {
		add(model.SeverityError, "access_key", 0, "access key invalid: %v", err)
	}
	if doc.LayoutVersion != model.LayoutVersion {
		add(model.SeverityWarning, "layout_version", 0, "layout %q differs from %s", doc.LayoutVersion, model.LayoutVersion)
	}
	if model.OnlyDigits(doc.Issuer.TaxID) == "" {
		add(model.SeverityError, "issuer.tax_id", 0, "issuer tax id missing")
	}
	if len(doc.Items) == 0 {
		add(model.SeverityError, "items", 0, "document has no items")
	}

	for i := range doc.Items {
		item := &doc.Items[i]
		required := goodsGroups
		if item.IsService() {
			required = serviceGroups
		}
		for _, k := range append(append([]model.TaxKind{}, required...), nextGenGroups...) {
			if _, ok := item.Tax(k); !ok {
				add(model.SeverityError, string(k), item.Number, "required tax group %s missing", k)
			}
		}
		if item.Substitution {
			if _, ok := item.Tax(model.TaxICMSST); !ok {
				add(model.SeverityError, string(model.TaxICMSST), item.Number, "substitution item without ICMS-ST group")
			}
		}
		if !item.IsService() && item.Classification == "" {
			add(model.SeverityWarning, "classification", item.Number, "product classification missing")
		}
	}
	return out
}

// checkCalculation recomputes every component and the per-kind totals.
func checkCalculation(doc *model.FiscalDocument, fresh model.DocumentTotals) []model.Finding {
	var out []model.Finding
	for i := range doc.Items {
		item := &doc.Items[i]
		for kind, c := range item.Taxes {
			want, ok := tax.ExpectedValue(c)
			if !ok || money.WithinTolerance(want, c.Value, tax.Tolerance) {
				continue
			}
			out = append(out, model.Finding{
				Category: model.CategoryCalculation,
				Severity: model.SeverityWarning,
				Field:    string(kind),
				Item:     item.Number,
				Message:  fmt.Sprintf("stored value %s differs from recomputed %s", money.Format(c.Value), money.Format(want)),
			})
		}
	}
	recomputed := make(map[string]decimal.Decimal, len(fresh.ByKind))
	for k, v := range fresh.ByKind {
		recomputed[string(k)] = v
	}
	stored := make(map[string]decimal.Decimal, len(doc.Totals.ByKind))
	for k, v := range doc.Totals.ByKind {
		stored[string(k)] = v
	}
	out = append(out, compare(model.CategoryCalculation, "totals", recomputed, stored)...)
	sortFindings(out)
	return out
}

func checkTraceability(cat *catalog.Catalog, doc *model.FiscalDocument) []model.Finding {
	var out []model.Finding
	for i := range doc.Items {
		item := &doc.Items[i]
		if item.IsService() {
			continue
		}
		required := cat.RequiresTracking(item.Classification)
		if required && len(item.Tracking) == 0 {
			out = append(out, model.Finding{
				Category: model.CategoryTraceability,
				Severity: model.SeverityError,
				Field:    "tracking",
				Item:     item.Number,
				Message:  fmt.Sprintf("classification %s requires lot tracking", item.Classification),
			})
			continue
		}
		if len(item.Tracking) == 0 {
			continue
		}
		var qty decimal.Decimal
		for j, tr := range item.Tracking {
			qty = qty.Add(tr.Quantity)
			if tr.Lot == "" {
				out = append(out, model.Finding{
					Category: model.CategoryTraceability,
					Severity: model.SeverityError,
					Field:    fmt.Sprintf("tracking[%d].lot", j),
					Item:     item.Number,
					Message:  "tracking record without lot number",
				})
			}
			if !tr.ExpiresAt.IsZero() && tr.ExpiresAt.Before(tr.ManufacturedAt) {
				out = append(out, model.Finding{
					Category: model.CategoryTraceability,
					Severity: model.SeverityWarning,
					Field:    fmt.Sprintf("tracking[%d].expires_at", j),
					Item:     item.Number,
					Message:  "expiry precedes manufacture",
				})
			}
		}
		if !qty.Equal(item.Quantity) {
			out = append(out, model.Finding{
				Category: model.CategoryTraceability,
				Severity: model.SeverityWarning,
				Field:    "tracking.quantity",
				Item:     item.Number,
				Message:  fmt.Sprintf("tracked quantity %s differs from item quantity %s", qty, item.Quantity),
			})
		}
	}
	return out
}

// checkJurisdiction compares the state and municipality breakdowns with the
// sum of their items.
func checkJurisdiction(doc *model.FiscalDocument, fresh model.DocumentTotals) []model.Finding {
	var out []model.Finding
	for i := range doc.Items {
		item := &doc.Items[i]
		for _, k := range []model.TaxKind{model.TaxIBSUF, model.TaxIBSMun} {
			if c, ok := item.Tax(k); ok && c.Jurisdiction == "" {
				out = append(out, model.Finding{
					Category: model.CategoryJurisdiction,
					Severity: model.SeverityError,
					Field:    string(k),
					Item:     item.Number,
					Message:  "jurisdiction code missing",
				})
			}
		}
	}
	out = append(out, compare(model.CategoryJurisdiction, "totals.by_state", fresh.ByState, doc.Totals.ByState)...)
	out = append(out, compare(model.CategoryJurisdiction, "totals.by_municipality", fresh.ByMunicipality, doc.Totals.ByMunicipality)...)

	// The breakdowns must add up to their kind totals.
	for kind, parts := range map[model.TaxKind]map[string]decimal.Decimal{
		model.TaxIBSUF:  doc.Totals.ByState,
		model.TaxIBSMun: doc.Totals.ByMunicipality,
	} {
		sum := decimal.Zero
		for _, v := range parts {
			sum = sum.Add(v)
		}
		if !money.WithinTolerance(sum, doc.Totals.Kind(kind), tax.Tolerance) {
			out = append(out, model.Finding{
				Category: model.CategoryJurisdiction,
				Severity: model.SeverityWarning,
				Field:    "totals." + string(kind),
				Message:  fmt.Sprintf("breakdown sums to %s, total is %s", money.Format(sum), money.Format(doc.Totals.Kind(kind))),
			})
		}
	}
	sortFindings(out)
	return out
}

func compare(cat model.FindingCategory, prefix string, recomputed, stored map[string]decimal.Decimal) []model.Finding {
	keys := make(map[string]struct{}, len(recomputed)+len(stored))
	for k := range recomputed {
		keys[k] = struct{}{}
	}
	for k := range stored {
		keys[k] = struct{}{}
	}
	var out []model.Finding
	for k := range keys {
		if money.WithinTolerance(recomputed[k], stored[k], tax.Tolerance) {
			continue
		}
		out = append(out, model.Finding{
			Category: cat,
			Severity: model.SeverityWarning,
			Field:    prefix + "." + k,
			Message:  fmt.Sprintf("stored aggregate %s differs from recomputed %s", money.Format(stored[k]), money.Format(recomputed[k])),
		})
	}
	return out
}
