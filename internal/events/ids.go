package events

import (
	"fmt"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// EventID returns the infEvento Id: "ID" + tpEvento + chNFe + nSeqEvento(2).
func EventID(t model.EventType, accessKey string, sequence int) string {
	return fmt.Sprintf("ID%s%s%02d", t, accessKey, sequence)
}

// VoidID returns the infInut Id: "ID" + cUF + yy + CNPJ + model + series(3)
// + start(9) + end(9).
func VoidID(r model.NumberingRange) string {
	return fmt.Sprintf("ID%s%02d%s%s%03d%09d%09d",
		model.StateCode(r.State), r.Year%100, r.TaxID, r.Model, r.Series, r.Start, r.End)
}

// keyState returns the cUF digits of an access key.
func keyState(accessKey string) string {
	return accessKey[0:2]
}

// keyTaxID returns the issuer CNPJ embedded in an access key.
func keyTaxID(accessKey string) string {
	return accessKey[6:20]
}
