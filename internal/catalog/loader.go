package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// SourceEmbedded names snapshots built only from the embedded table.
const SourceEmbedded = "embedded"

// Defaults returns the embedded table.
func Defaults() Table {
	t, err := ParseTable(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded defaults are invalid: %v", err))
	}
	return t
}

// ParseTable decodes a YAML rate table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("decode rate table: %w", err)
	}
	return t, nil
}

// Load builds a snapshot from the embedded defaults overlaid with the file at
// path. A missing or malformed file is logged and the defaults are used alone.
func Load(path string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	base := Defaults()
	if path == "" {
		return New(base, SourceEmbedded)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("rate table unavailable, using embedded defaults", "path", path, "error", err)
		return New(base, SourceEmbedded)
	}
	ext, err := ParseTable(data)
	if err != nil {
		logger.Warn("rate table malformed, using embedded defaults", "path", path, "error", err)
		return New(base, SourceEmbedded)
	}
	logger.Info("rate table loaded", "path", path)
	return New(Overlay(base, ext), path)
}

// Overlay returns base with every key present in ext replaced.
func Overlay(base, ext Table) Table {
	out := cloneTable(base)

	setIfNonZero(&out.ICMS.InternalDefault, ext.ICMS.InternalDefault)
	setIfNonZero(&out.ICMS.InterstateDefault, ext.ICMS.InterstateDefault)
	setIfNonZero(&out.ICMS.InterstateReduced, ext.ICMS.InterstateReduced)
	setIfNonZero(&out.ICMS.Imported, ext.ICMS.Imported)
	mergeRates(out.ICMS.Internal, ext.ICMS.Internal)
	mergeRates(out.FCP, ext.FCP)
	mergeRates(out.IPI, ext.IPI)
	mergeRates(out.ISS.Codes, ext.ISS.Codes)
	setIfNonZero(&out.ISS.Default, ext.ISS.Default)

	for prefix, byState := range ext.MVA {
		if out.MVA[prefix] == nil {
			out.MVA[prefix] = make(map[string]decimal.Decimal)
		}
		mergeRates(out.MVA[prefix], byState)
	}
	out.Substitution = mergeList(out.Substitution, ext.Substitution)
	out.Tracking = mergeList(out.Tracking, ext.Tracking)

	if !ext.PISCOFINS.NonCumulative.PIS.IsZero() || !ext.PISCOFINS.NonCumulative.COFINS.IsZero() {
		out.PISCOFINS.NonCumulative = ext.PISCOFINS.NonCumulative
	}
	if !ext.PISCOFINS.Cumulative.PIS.IsZero() || !ext.PISCOFINS.Cumulative.COFINS.IsZero() {
		out.PISCOFINS.Cumulative = ext.PISCOFINS.Cumulative
	}

	out.NextGen.CBS = mergeJurisdictions(out.NextGen.CBS, ext.NextGen.CBS)
	out.NextGen.IBSUF = mergeJurisdictions(out.NextGen.IBSUF, ext.NextGen.IBSUF)
	out.NextGen.IBSMun = mergeJurisdictions(out.NextGen.IBSMun, ext.NextGen.IBSMun)
	out.NextGen.IS = mergeJurisdictions(out.NextGen.IS, ext.NextGen.IS)
	return out
}

func setIfNonZero(dst *decimal.Decimal, v decimal.Decimal) {
	if !v.IsZero() {
		*dst = v
	}
}

func mergeRates(dst, src map[string]decimal.Decimal) {
	for k, v := range src {
		dst[k] = v
	}
}

func mergeList(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range src {
		if !seen[v] {
			dst = append(dst, v)
			seen[v] = true
		}
	}
	return dst
}

func mergeJurisdictions(dst, src JurisdictionRates) JurisdictionRates {
	if dst == nil {
		dst = make(JurisdictionRates)
	}
	for j, byCategory := range src {
		if dst[j] == nil {
			dst[j] = make(map[string]decimal.Decimal)
		}
		mergeRates(dst[j], byCategory)
	}
	return dst
}

func cloneRates(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneJurisdictions(r JurisdictionRates) JurisdictionRates {
	out := make(JurisdictionRates, len(r))
	for k, v := range r {
		out[k] = cloneRates(v)
	}
	return out
}

func cloneTable(t Table) Table {
	out := t
	out.ICMS.Internal = cloneRates(t.ICMS.Internal)
	out.FCP = cloneRates(t.FCP)
	out.IPI = cloneRates(t.IPI)
	out.ISS.Codes = cloneRates(t.ISS.Codes)
	out.MVA = make(map[string]map[string]decimal.Decimal, len(t.MVA))
	for k, v := range t.MVA {
		out.MVA[k] = cloneRates(v)
	}
	out.Substitution = append([]string(nil), t.Substitution...)
	out.Tracking = append([]string(nil), t.Tracking...)
	out.NextGen.CBS = cloneJurisdictions(t.NextGen.CBS)
	out.NextGen.IBSUF = cloneJurisdictions(t.NextGen.IBSUF)
	out.NextGen.IBSMun = cloneJurisdictions(t.NextGen.IBSMun)
	out.NextGen.IS = cloneJurisdictions(t.NextGen.IS)
	return out
}

// Holder publishes the current snapshot. Readers never observe a partially
// built catalog; Refresh swaps in a complete new one.
type Holder struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  *slog.Logger
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithLogger sets the logger used for load warnings.
func WithLogger(l *slog.Logger) HolderOption {
	return func(h *Holder) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHolder loads the initial snapshot from path (empty for embedded only).
func NewHolder(path string, opts ...HolderOption) *Holder {
	h := &Holder{
		path:   path,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.current.Store(Load(path, h.logger))
	return h
}

// NewStaticHolder publishes a fixed snapshot.
func NewStaticHolder(c *Catalog) *Holder {
	h := &Holder{logger: slog.New(slog.DiscardHandler)}
	h.current.Store(c)
	return h
}

// Current returns the published snapshot.
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// Refresh reloads the table and publishes the new snapshot.
func (h *Holder) Refresh(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return h.Current(), err
	}
	next := Load(h.path, h.logger)
	if err := ctx.Err(); err != nil {
		return h.Current(), err
	}
	h.current.Store(next)
	h.logger.Info("rate table refreshed", "source", next.Source())
	return next, nil
}
