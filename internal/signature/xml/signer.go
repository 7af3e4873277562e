package xml

import (
	"context"
	"crypto"
	"log/slog"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/fiscal-gateway/internal/signature"
)

// XMLSigner produces enveloped XMLDSig signatures in the layout used by fiscal
// documents: inclusive C14N 1.0, RSA-SHA1, unprefixed dsig namespace, and the
// Signature placed right after the referenced element.
type XMLSigner struct {
	credential *signature.Credential
	logger     *slog.Logger
}

// SignerOption configures an XMLSigner.
type SignerOption func(*XMLSigner)

// WithLogger sets the signer logger.
func WithLogger(l *slog.Logger) SignerOption {
	return func(s *XMLSigner) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewXMLSigner creates a signer backed by the credential holder.
func NewXMLSigner(credential *signature.Credential, opts ...SignerOption) *XMLSigner {
	s := &XMLSigner{
		credential: credential,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign signs the element whose Id is elementID. An existing signature for the
// same element is replaced.
func (s *XMLSigner) Sign(ctx context.Context, data []byte, elementID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, signature.ErrMalformedDocument(err)
	}
	if doc.Root() == nil {
		return nil, signature.ErrMalformedDocument(nil)
	}

	el := FindByID(doc.Root(), elementID)
	if el == nil {
		return nil, signature.ErrElementNotFound(elementID)
	}

	ks, err := s.credential.KeyStore()
	if err != nil {
		return nil, err
	}

	sc := NewSigningContext(ks)
	sig, err := sc.ConstructSignature(el, true)
	if err != nil {
		return nil, signature.ErrSigningFailed(err)
	}

	parent := el.Parent()
	if parent == nil {
		el.AddChild(sig)
	} else {
		if old := SignatureFor(parent, elementID); old != nil && old.Parent() == parent {
			parent.RemoveChild(old)
		}
		parent.InsertChildAt(el.Index()+1, sig)
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, signature.ErrSigningFailed(err)
	}

	s.logger.Debug("element signed", "id", elementID, "bytes", len(out))
	return out, nil
}

// NewSigningContext returns a goxmldsig context configured for fiscal layouts.
func NewSigningContext(ks dsig.X509KeyStore) *dsig.SigningContext {
	sc := dsig.NewDefaultSigningContext(ks)
	sc.Hash = crypto.SHA1
	sc.Prefix = ""
	sc.IdAttribute = IDAttribute
	sc.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	return sc
}
