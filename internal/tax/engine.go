// Package tax computes the statutory tax groups and totals of a fiscal document.
package tax

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Tolerance is the largest accepted difference between a stored and a
// recomputed aggregate.
var Tolerance = decimal.RequireFromString("0.01")

// Result is the outcome of a computation.
type Result struct {
	Totals   model.DocumentTotals `json:"totals"`
	Findings []model.Finding      `json:"findings,omitempty"`
	// CatalogSource names the rate table snapshot used.
	CatalogSource string `json:"catalog_source"`
}

// Engine computes tax groups from the current catalog snapshot.
type Engine struct {
	catalogs *catalog.Holder
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine reading rates from catalogs.
func NewEngine(catalogs *catalog.Holder, opts ...Option) *Engine {
	e := &Engine{
		catalogs: catalogs,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute fills every item's tax groups and the document totals. Validation
// failures are returned before anything is modified beyond defaults. Totals
// the document arrived with are compared with the recomputed ones and every
// mismatch is reported as a finding.
func (e *Engine) Compute(doc *model.FiscalDocument) (*Result, error) {
	if doc == nil {
		return nil, model.NewValidationError("document", nil, "required", "document is nil")
	}
	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	declared := doc.Totals
	cat := e.catalogs.Current()
	apportion(doc)

	for i := range doc.Items {
		item := &doc.Items[i]
		item.Taxes = make(map[model.TaxKind]model.TaxComponent)
		item.Substitution = false

		if item.IsService() {
			computeISS(cat, doc, item)
		} else {
			computeICMS(cat, doc, item)
			computeIPI(cat, doc, item)
		}
		computePISCOFINS(cat, doc, item)
		computeNextGen(cat, doc, item)
	}

	doc.Totals = Aggregate(doc)
	findings := CompareTotals(doc.Totals, declared)
	doc.Status = model.StatusComputed

	e.logger.Debug("document computed",
		"number", doc.Number,
		"series", doc.Series,
		"items", len(doc.Items),
		"total", money.Format(doc.Totals.DocumentTotal),
		"findings", len(findings),
		"catalog", cat.Source(),
	)

	return &Result{
		Totals:        doc.Totals,
		Findings:      findings,
		CatalogSource: cat.Source(),
	}, nil
}

// apportion spreads document-level freight and insurance over the goods items
// proportionally to their gross value. The last item absorbs the rounding
// remainder. Documents whose items already carry the charge are left alone.
func apportion(doc *model.FiscalDocument) {
	spread := func(total decimal.Decimal, get func(*model.LineItem) *decimal.Decimal) {
		if !total.IsPositive() {
			return
		}
		var gross decimal.Decimal
		var targets []*model.LineItem
		for i := range doc.Items {
			item := &doc.Items[i]
			if !get(item).IsZero() {
				return
			}
			if item.IsService() {
				continue
			}
			gross = gross.Add(item.GrossValue())
			targets = append(targets, item)
		}
		if len(targets) == 0 || gross.IsZero() {
			return
		}
		remaining := total
		for i, item := range targets {
			share := remaining
			if i < len(targets)-1 {
				share = money.Round2(total.Mul(item.GrossValue()).Div(gross))
			}
			*get(item) = share
			remaining = remaining.Sub(share)
		}
	}
	spread(doc.Freight, func(i *model.LineItem) *decimal.Decimal { return &i.Freight })
	spread(doc.Insurance, func(i *model.LineItem) *decimal.Decimal { return &i.Insurance })
}
