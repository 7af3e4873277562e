package fiscallib

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/processor"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/signature/xml"
	"github.com/rezonia/fiscal-gateway/internal/tax"
)

// Options configures a Calculator.
type Options struct {
	// RateTableFile overlays the built-in rate table. Empty uses the defaults.
	RateTableFile string
	// Location is the time zone of rendered timestamps.
	Location *time.Location
	Logger   *slog.Logger
}

// DefaultOptions returns the built-in rate table in the Sao Paulo time zone.
func DefaultOptions() Options {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.FixedZone("BRT", -3*60*60)
	}
	return Options{Location: loc}
}

// Result is the outcome of a computation.
type Result struct {
	Document      *FiscalDocument `json:"document"`
	Findings      []Finding       `json:"findings,omitempty"`
	CatalogSource string          `json:"catalog_source"`
}

// Calculator computes taxes offline: nothing is signed or transmitted.
type Calculator struct {
	catalogs *catalog.Holder
	engine   *tax.Engine
	verifier *xml.XMLVerifier
	options  Options
}

// NewCalculator creates a calculator with the given options
func NewCalculator(opts Options) *Calculator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Location == nil {
		opts.Location = DefaultOptions().Location
	}
	holder := catalog.NewHolder(opts.RateTableFile, catalog.WithLogger(opts.Logger))
	return &Calculator{
		catalogs: holder,
		engine:   tax.NewEngine(holder, tax.WithLogger(opts.Logger)),
		verifier: xml.NewXMLVerifier(nil),
		options:  opts,
	}
}

// NewDefaultCalculator creates a calculator with default options
func NewDefaultCalculator() *Calculator {
	return NewCalculator(DefaultOptions())
}

// Compute fills defaults, the access key, every tax component and the totals.
func (c *Calculator) Compute(doc *FiscalDocument) (*Result, error) {
	doc.ApplyDefaults()
	if err := doc.EnsureAccessKey(); err != nil {
		return nil, err
	}
	res, err := c.engine.Compute(doc)
	if err != nil {
		return nil, err
	}
	doc.Status = model.StatusComputed
	return &Result{
		Document:      doc,
		Findings:      res.Findings,
		CatalogSource: res.CatalogSource,
	}, nil
}

// ComputeJSON decodes a document and computes it.
func (c *Calculator) ComputeJSON(r io.Reader) (*Result, error) {
	var doc FiscalDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &model.ParseError{Source: "json", Message: "failed to decode document", Cause: err}
	}
	return c.Compute(&doc)
}

// RenderNFe computes the document and renders the unsigned NF-e XML.
func (c *Calculator) RenderNFe(doc *FiscalDocument) ([]byte, error) {
	if _, err := c.Compute(doc); err != nil {
		return nil, err
	}
	return processor.BuildNFe(doc, c.options.Location)
}

// VerifySignature checks the XMLDSig signature of a signed document without
// chain or revocation checks.
func (c *Calculator) VerifySignature(ctx context.Context, data []byte) (*signature.Report, error) {
	return c.verifier.Verify(ctx, data)
}

// RateTableSource names the active rate table.
func (c *Calculator) RateTableSource() string {
	return c.catalogs.Current().Source()
}
