package signature

import "context"

// FormatXML is the only document format handled.
const FormatXML = "xml"

// Signer embeds a digital signature for the element carrying elementID.
type Signer interface {
	// Sign returns the document with the signature added. Credential failures
	// are returned as *CredentialError.
	Sign(ctx context.Context, xml []byte, elementID string) ([]byte, error)
}

// Verifier checks the first enveloped signature of a document or event.
type Verifier interface {
	Verify(ctx context.Context, data []byte) (*Report, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, xml []byte, elementID string) ([]byte, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, xml []byte, elementID string) ([]byte, error) {
	return f(ctx, xml, elementID)
}
