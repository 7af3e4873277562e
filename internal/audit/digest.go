package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	money "github.com/rezonia/fiscal-gateway/internal/decimal"
	"github.com/rezonia/fiscal-gateway/internal/model"
)

// DigestInput renders the fixed digest format:
// <accessKey>|IBS=<v>|CBS=<v>|IS=<v>|layout=<version>. IBS is the sum of
// the state and municipal parts.
func DigestInput(doc *model.FiscalDocument) string {
	t := doc.Totals
	ibs := t.Kind(model.TaxIBSUF).Add(t.Kind(model.TaxIBSMun))
	layout := doc.LayoutVersion
	if layout == "" {
		layout = model.LayoutVersion
	}
	return fmt.Sprintf("%s|IBS=%s|CBS=%s|IS=%s|layout=%s",
		doc.AccessKey,
		money.Format(ibs),
		money.Format(t.Kind(model.TaxCBS)),
		money.Format(t.Kind(model.TaxIS)),
		layout)
}

// Digest returns the hex SHA-256 of DigestInput.
func Digest(doc *model.FiscalDocument) string {
	sum := sha256.Sum256([]byte(DigestInput(doc)))
	return hex.EncodeToString(sum[:])
}

// VerifyDigest reports whether the stored digest matches the document.
func VerifyDigest(doc *model.FiscalDocument) bool {
	return doc.AuditDigest != "" && doc.AuditDigest == Digest(doc)
}
