// Package audit runs the compliance checks of a computed document, stamps it
// with a tamper-evident digest and reports one record per category.
package audit

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/tax"
)

// Record is the audit trail entry of one category for one document.
type Record struct {
	ID        string                `json:"id"`
	AccessKey string                `json:"access_key"`
	Category  model.FindingCategory `json:"category"`
	Passed    bool                  `json:"passed"`
	Findings  []model.Finding       `json:"findings"`
	Digest    string                `json:"digest"`
	CreatedAt time.Time             `json:"created_at"`
}

// Report is the outcome of an audit.
type Report struct {
	AccessKey string          `json:"access_key"`
	Digest    string          `json:"digest"`
	Findings  []model.Finding `json:"findings"`
	Records   []Record        `json:"records"`
}

// Errors returns the findings with error severity.
func (r *Report) Errors() []model.Finding {
	var out []model.Finding
	for _, f := range r.Findings {
		if f.Severity == model.SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// ByCategory returns the findings of one category.
func (r *Report) ByCategory(c model.FindingCategory) []model.Finding {
	var out []model.Finding
	for _, f := range r.Findings {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
}

// Service audits computed documents.
type Service struct {
	catalogs *catalog.Holder
	sink     Sink
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithSink sets the audit sink. The default logs records.
func WithSink(s Sink) Option {
	return func(svc *Service) {
		if s != nil {
			svc.sink = s
		}
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(svc *Service) {
		if c != nil {
			svc.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) {
		svc.metrics = m
	}
}

// NewService creates an audit service reading tracking rules from catalogs.
func NewService(catalogs *catalog.Holder, opts ...Option) *Service {
	svc := &Service{
		catalogs: catalogs,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.sink == nil {
		svc.sink = NewLogSink(svc.logger)
	}
	return svc
}

// Audit checks doc, stores the digest in doc.AuditDigest and emits one
// record per category. Findings never fail the call; only a nil document
// does. Sink failures are logged.
func (s *Service) Audit(ctx context.Context, doc *model.FiscalDocument) (*Report, error) {
	if doc == nil {
		return nil, model.NewValidationError("document", nil, "required", "document is nil")
	}

	fresh := tax.Aggregate(doc)
	byCategory := map[model.FindingCategory][]model.Finding{
		model.CategoryStructural:   checkStructure(doc),
		model.CategoryCalculation:  checkCalculation(doc, fresh),
		model.CategoryTraceability: checkTraceability(s.catalogs.Current(), doc),
		model.CategoryJurisdiction: checkJurisdiction(doc, fresh),
	}

	doc.AuditDigest = Digest(doc)
	report := &Report{AccessKey: doc.AccessKey, Digest: doc.AuditDigest}
	now := s.clock.Now()

	for _, cat := range model.Categories {
		findings := byCategory[cat]
		report.Findings = append(report.Findings, findings...)
		rec := Record{
			ID:        uuid.NewString(),
			AccessKey: doc.AccessKey,
			Category:  cat,
			Passed:    len(findings) == 0,
			Findings:  findings,
			Digest:    doc.AuditDigest,
			CreatedAt: now,
		}
		report.Records = append(report.Records, rec)

		for _, f := range findings {
			s.metrics.IncFinding(string(f.Category), string(f.Severity))
		}
		if err := s.sink.Emit(ctx, rec); err != nil {
			s.logger.Error("audit record not delivered",
				"access_key", doc.AccessKey,
				"category", cat,
				"error", err)
		}
	}

	if len(report.Findings) > 0 {
		s.logger.Warn("audit findings",
			"access_key", doc.AccessKey,
			"findings", len(report.Findings),
			"errors", len(report.Errors()))
	}
	return report, nil
}

func sortFindings(f []model.Finding) {
	sort.SliceStable(f, func(i, j int) bool {
		if f[i].Item != f[j].Item {
			return f[i].Item < f[j].Item
		}
		return f[i].Field < f[j].Field
	})
}
