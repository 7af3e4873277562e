package catalog

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Wildcard matches any state, jurisdiction or category in a table key.
const Wildcard = "*"

// Fallback rates used when neither the external nor the embedded table has an entry.
var (
	DefaultInternalRate   = decimal.NewFromInt(18)
	DefaultInterstateRate = decimal.NewFromInt(12)
	ReducedInterstateRate = decimal.NewFromInt(7)
	ImportedRate          = decimal.NewFromInt(4)
	DefaultISSRate        = decimal.NewFromInt(5)
	DefaultCBSRate        = decimal.RequireFromString("0.90")
	DefaultIBSUFRate      = decimal.RequireFromString("0.10")
)

// ICMSTable holds the state VAT rates.
type ICMSTable struct {
	InternalDefault   decimal.Decimal            `yaml:"internal_default"`
	Internal          map[string]decimal.Decimal `yaml:"internal"`
	InterstateDefault decimal.Decimal            `yaml:"interstate_default"`
	InterstateReduced decimal.Decimal            `yaml:"interstate_reduced"`
	Imported          decimal.Decimal            `yaml:"imported"`
}

// ISSTable holds municipal service tax rates by service list code.
type ISSTable struct {
	Default decimal.Decimal            `yaml:"default"`
	Codes   map[string]decimal.Decimal `yaml:"codes"`
}

// ContributionRates is a PIS/COFINS rate pair.
type ContributionRates struct {
	PIS    decimal.Decimal `yaml:"pis"`
	COFINS decimal.Decimal `yaml:"cofins"`
}

// PISCOFINSTable holds the two federal contribution regimes.
type PISCOFINSTable struct {
	NonCumulative ContributionRates `yaml:"non_cumulative"`
	Cumulative    ContributionRates `yaml:"cumulative"`
}

// JurisdictionRates maps jurisdiction -> category -> rate, both keys accepting Wildcard.
type JurisdictionRates map[string]map[string]decimal.Decimal

// NextGenTable holds the IBS/CBS/IS rates.
type NextGenTable struct {
	CBS    JurisdictionRates `yaml:"cbs"`
	IBSUF  JurisdictionRates `yaml:"ibs_uf"`
	IBSMun JurisdictionRates `yaml:"ibs_mun"`
	IS     JurisdictionRates `yaml:"is"`
}

// Table is the serialized form of the catalog, shared by the embedded defaults
// and external overlay files.
type Table struct {
	ICMS         ICMSTable                             `yaml:"icms"`
	FCP          map[string]decimal.Decimal            `yaml:"fcp"`
	Substitution []string                              `yaml:"substitution"`
	MVA          map[string]map[string]decimal.Decimal `yaml:"mva"`
	Tracking     []string                              `yaml:"tracking"`
	IPI          map[string]decimal.Decimal            `yaml:"ipi"`
	ISS          ISSTable                              `yaml:"iss"`
	PISCOFINS    PISCOFINSTable                        `yaml:"pis_cofins"`
	NextGen      NextGenTable                          `yaml:"next_gen"`
}

// Catalog is an immutable snapshot of the rate table. Every lookup is total:
// a missing entry yields the documented default, never an error.
type Catalog struct {
	table  Table
	source string
}

// New builds a snapshot from a table. The table is copied.
func New(t Table, source string) *Catalog {
	return &Catalog{table: cloneTable(t), source: source}
}

// Source names where the snapshot was loaded from.
func (c *Catalog) Source() string {
	return c.source
}

// Table returns a copy of the underlying table.
func (c *Catalog) Table() Table {
	return cloneTable(c.table)
}

// InternalRate returns the intra-state ICMS rate of a state.
func (c *Catalog) InternalRate(uf string) decimal.Decimal {
	if r, ok := c.table.ICMS.Internal[model.NormalizeState(uf)]; ok {
		return r
	}
	if !c.table.ICMS.InternalDefault.IsZero() {
		return c.table.ICMS.InternalDefault
	}
	return DefaultInternalRate
}

// InterstateRate returns the inter-state ICMS rate. Origin in the South or
// Southeast (except ES) shipping to the North, Northeast, Center-West or ES uses
// the reduced rate.
func (c *Catalog) InterstateRate(origin, destination string) decimal.Decimal {
	o, d := model.NormalizeState(origin), model.NormalizeState(destination)
	if reducedCorridor(o, d) {
		if !c.table.ICMS.InterstateReduced.IsZero() {
			return c.table.ICMS.InterstateReduced
		}
		return ReducedInterstateRate
	}
	if !c.table.ICMS.InterstateDefault.IsZero() {
		return c.table.ICMS.InterstateDefault
	}
	return DefaultInterstateRate
}

func reducedCorridor(origin, destination string) bool {
	or := model.StateRegion(origin)
	if origin == "ES" || (or != model.RegionSouth && or != model.RegionSoutheast) {
		return false
	}
	if destination == "ES" {
		return true
	}
	switch model.StateRegion(destination) {
	case model.RegionNorth, model.RegionNortheast, model.RegionCenterWest:
		return true
	}
	return false
}

// ImportedInterstateRate is the inter-state rate for imported-origin goods.
func (c *Catalog) ImportedInterstateRate() decimal.Decimal {
	if !c.table.ICMS.Imported.IsZero() {
		return c.table.ICMS.Imported
	}
	return ImportedRate
}

// ICMSRate returns the internal rate for same-state operations and the
// inter-state rate otherwise.
func (c *Catalog) ICMSRate(origin, destination string) decimal.Decimal {
	if model.NormalizeState(origin) == model.NormalizeState(destination) {
		return c.InternalRate(origin)
	}
	return c.InterstateRate(origin, destination)
}

// FCP returns the poverty-fund surcharge of a state, zero when absent.
func (c *Catalog) FCP(uf string) decimal.Decimal {
	if r, ok := c.table.FCP[model.NormalizeState(uf)]; ok {
		return r
	}
	return decimal.Zero
}

// Substitution reports whether a classification falls under tax substitution.
func (c *Catalog) Substitution(classification string) bool {
	_, ok := longestPrefix(c.table.Substitution, classification)
	return ok
}

// RequiresTracking reports whether items of a classification must carry lot records.
func (c *Catalog) RequiresTracking(classification string) bool {
	_, ok := longestPrefix(c.table.Tracking, classification)
	return ok
}

// MVA returns the added-value margin for a classification in a destination state.
func (c *Catalog) MVA(classification, uf string) decimal.Decimal {
	prefix, ok := longestPrefix(keys(c.table.MVA), classification)
	if !ok {
		return decimal.Zero
	}
	byState := c.table.MVA[prefix]
	if r, ok := byState[model.NormalizeState(uf)]; ok {
		return r
	}
	if r, ok := byState[Wildcard]; ok {
		return r
	}
	return decimal.Zero
}

// IPIRate returns the federal excise rate of a classification, zero when absent.
func (c *Catalog) IPIRate(classification string) decimal.Decimal {
	prefix, ok := longestPrefix(keys(c.table.IPI), classification)
	if !ok {
		return decimal.Zero
	}
	return c.table.IPI[prefix]
}

// ISSRate returns the municipal service tax rate of a service list code.
func (c *Catalog) ISSRate(serviceCode string) decimal.Decimal {
	if r, ok := c.table.ISS.Codes[strings.TrimSpace(serviceCode)]; ok {
		return r
	}
	if !c.table.ISS.Default.IsZero() {
		return c.table.ISS.Default
	}
	return DefaultISSRate
}

// PISCOFINS returns the contribution rates for the non-cumulative regime when
// realProfit is set, the cumulative regime otherwise.
func (c *Catalog) PISCOFINS(realProfit bool) ContributionRates {
	if realProfit {
		r := c.table.PISCOFINS.NonCumulative
		if r.PIS.IsZero() && r.COFINS.IsZero() {
			return ContributionRates{PIS: decimal.RequireFromString("1.65"), COFINS: decimal.RequireFromString("7.60")}
		}
		return r
	}
	r := c.table.PISCOFINS.Cumulative
	if r.PIS.IsZero() && r.COFINS.IsZero() {
		return ContributionRates{PIS: decimal.RequireFromString("0.65"), COFINS: decimal.RequireFromString("3.00")}
	}
	return r
}

// CBSRate returns the federal goods-and-services contribution rate.
func (c *Catalog) CBSRate(jurisdiction, category string) decimal.Decimal {
	return c.table.NextGen.CBS.lookup(jurisdiction, category, DefaultCBSRate)
}

// IBSRate returns the state (jurisdiction is a UF) or municipal (jurisdiction is
// an IBGE municipality code) goods-and-services tax rate.
func (c *Catalog) IBSRate(jurisdiction, category string) decimal.Decimal {
	if model.IsValidState(jurisdiction) {
		return c.table.NextGen.IBSUF.lookup(model.NormalizeState(jurisdiction), category, DefaultIBSUFRate)
	}
	return c.table.NextGen.IBSMun.lookup(jurisdiction, category, decimal.Zero)
}

// ISRate returns the selective tax rate.
func (c *Catalog) ISRate(jurisdiction, category string) decimal.Decimal {
	return c.table.NextGen.IS.lookup(jurisdiction, category, decimal.Zero)
}

func (r JurisdictionRates) lookup(jurisdiction, category string, fallback decimal.Decimal) decimal.Decimal {
	for _, j := range []string{jurisdiction, Wildcard} {
		byCategory, ok := r[j]
		if !ok {
			continue
		}
		if category != "" {
			if v, ok := byCategory[category]; ok {
				return v
			}
		}
		if v, ok := byCategory[Wildcard]; ok {
			return v
		}
	}
	return fallback
}

// longestPrefix returns the longest candidate that prefixes classification.
func longestPrefix(candidates []string, classification string) (string, bool) {
	code := model.OnlyDigits(classification)
	best := ""
	for _, p := range candidates {
		if p != "" && strings.HasPrefix(code, p) && len(p) > len(best) {
			best = p
		}
	}
	return best, best != ""
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
