package model

import "strings"

// Region groups states for interstate rate rules.
type Region string

const (
	RegionNorth      Region = "N"
	RegionNortheast  Region = "NE"
	RegionCenterWest Region = "CO"
	RegionSoutheast  Region = "SE"
	RegionSouth      Region = "S"
	RegionUnknown    Region = ""
)

type stateInfo struct {
	code   string // IBGE cUF
	region Region
}

var states = map[string]stateInfo{
	"RO": {"11", RegionNorth},
	"AC": {"12", RegionNorth},
	"AM": {"13", RegionNorth},
	"RR": {"14", RegionNorth},
	"PA": {"15", RegionNorth},
	"AP": {"16", RegionNorth},
	"TO": {"17", RegionNorth},
	"MA": {"21", RegionNortheast},
	"PI": {"22", RegionNortheast},
	"CE": {"23", RegionNortheast},
	"RN": {"24", RegionNortheast},
	"PB": {"25", RegionNortheast},
	"PE": {"26", RegionNortheast},
	"AL": {"27", RegionNortheast},
	"SE": {"28", RegionNortheast},
	"BA": {"29", RegionNortheast},
	"MG": {"31", RegionSoutheast},
	"ES": {"32", RegionSoutheast},
	"RJ": {"33", RegionSoutheast},
	"SP": {"35", RegionSoutheast},
	"PR": {"41", RegionSouth},
	"SC": {"42", RegionSouth},
	"RS": {"43", RegionSouth},
	"MS": {"50", RegionCenterWest},
	"MT": {"51", RegionCenterWest},
	"GO": {"52", RegionCenterWest},
	"DF": {"53", RegionCenterWest},
}

// NormalizeState upper-cases and trims a state abbreviation.
func NormalizeState(uf string) string {
	return strings.ToUpper(strings.TrimSpace(uf))
}

// IsValidState reports whether uf is a known federative unit.
func IsValidState(uf string) bool {
	_, ok := states[NormalizeState(uf)]
	return ok
}

// StateCode returns the IBGE numeric code (cUF) of a state, or "" if unknown.
func StateCode(uf string) string {
	return states[NormalizeState(uf)].code
}

// StateRegion returns the geographic region of a state.
func StateRegion(uf string) Region {
	return states[NormalizeState(uf)].region
}

// StateFromCode returns the abbreviation for an IBGE code.
func StateFromCode(code string) string {
	for uf, info := range states {
		if info.code == code {
			return uf
		}
	}
	return ""
}
