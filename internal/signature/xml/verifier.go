package xml

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/signature/trust"
)

// XMLVerifier verifies XMLDSig signatures of fiscal documents
type XMLVerifier struct {
	trustStore *trust.TrustStore
	extractor  *SignatureExtractor
}

// NewXMLVerifier creates a new XML signature verifier. A nil trust store
// skips chain and revocation checks.
func NewXMLVerifier(ts *trust.TrustStore) *XMLVerifier {
	return &XMLVerifier{
		trustStore: ts,
		extractor:  NewSignatureExtractor(),
	}
}

// Verify verifies the first signature in the document.
func (v *XMLVerifier) Verify(ctx context.Context, data []byte) (*signature.Report, error) {
	extraction, err := v.extractor.Extract(data)
	if err != nil {
		result := signature.NewReport()
		result.Reject(err.Error())
		return result, signature.ErrNoSignature()
	}
	return v.verify(ctx, extraction), nil
}

// VerifyElement verifies the signature referencing elementID.
func (v *XMLVerifier) VerifyElement(ctx context.Context, data []byte, elementID string) (*signature.Report, error) {
	extraction, err := v.extractor.ExtractFor(data, elementID)
	if err != nil {
		result := signature.NewReport()
		result.Reject(err.Error())
		return result, signature.ErrNoSignature()
	}
	return v.verify(ctx, extraction), nil
}

func (v *XMLVerifier) verify(ctx context.Context, extraction *ExtractionResult) *signature.Report {
	result := signature.NewReport()
	result.Present = true
	result.ElementID = extraction.SignedElement.SelectAttrValue(IDAttribute, "")

	cert, err := certificateOf(extraction.SignatureElement)
	if err != nil {
		result.Reject(fmt.Sprintf("certificate extraction: %v", err))
		return result
	}
	result.Signatory = signature.NewSignatory(cert)

	// goxmldsig expects the signature inside the element it references.
	envelope := envelopeFor(extraction.SignedElement, extraction.SignatureElement)
	validationCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	validationCtx.IdAttribute = IDAttribute
	if _, err := validationCtx.Validate(envelope); err != nil {
		result.Reject(fmt.Sprintf("signature validation failed: %v", err))
	} else {
		result.Authentic = true
	}

	if v.trustStore == nil {
		result.ChainTrusted = true
		result.NotRevoked = true
		result.Warn("chain and revocation checks skipped: no trust store")
		result.Conclude()
		return result
	}

	chain, err := v.trustStore.VerifyChain(cert, nil)
	if err != nil {
		result.Reject(fmt.Sprintf("chain verification failed: %v", err))
		result.Conclude()
		return result
	}
	result.Chain = chain
	result.ChainTrusted = true

	if len(chain) >= 2 {
		notRevoked, err := v.trustStore.CheckRevocation(ctx, cert, chain[1])
		switch {
		case err != nil && v.trustStore.IsSoftFail():
			result.Warn(fmt.Sprintf("OCSP check: %v (soft-fail enabled)", err))
			result.NotRevoked = true
		case err != nil:
			result.Reject(fmt.Sprintf("OCSP check failed: %v", err))
		default:
			result.NotRevoked = notRevoked
			if !notRevoked {
				result.Reject("certificate has been revoked")
			}
		}
	} else {
		result.NotRevoked = true
		result.Warn("revocation check skipped: no issuer certificate in chain")
	}

	result.Conclude()
	return result
}

// envelopeFor copies the signed element with the in-scope default namespace
// made explicit and the signature appended as its last child.
func envelopeFor(signed, sig *etree.Element) *etree.Element {
	out := signed.Copy()
	if sig.Parent() == signed {
		return out
	}
	if out.SelectAttr("xmlns") == nil {
		if ns := signed.NamespaceURI(); ns != "" && signed.Space == "" {
			out.CreateAttr("xmlns", ns)
		}
	}
	out.AddChild(sig.Copy())
	return out
}

func certificateOf(sig *etree.Element) (*x509.Certificate, error) {
	certData, err := ExtractCertificateData(sig)
	if err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(string(bytes.Join(bytes.Fields(certData), nil)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
