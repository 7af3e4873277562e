package xml

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// XML namespaces
const (
	XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"
)

// IDAttribute is the attribute carrying element identifiers in fiscal layouts.
const IDAttribute = "Id"

// SignatureExtractor locates XMLDSig signatures in fiscal documents
type SignatureExtractor struct{}

// NewSignatureExtractor creates a new signature extractor
func NewSignatureExtractor() *SignatureExtractor {
	return &SignatureExtractor{}
}

// ExtractionResult contains the extracted signature and related elements
type ExtractionResult struct {
	// SignatureElement is the <Signature> element
	SignatureElement *etree.Element
	// SignedElement is the element the signature reference points to
	SignedElement *etree.Element
	// Document is the parsed XML document
	Document *etree.Document
	// Kind is the root element of the signed document (NFe, evento, inutNFe)
	Kind string
}

// Extract finds the first signature and the element it references.
func (e *SignatureExtractor) Extract(data []byte) (*ExtractionResult, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}

	sig := findElementRecursive(doc.Root(), "Signature")
	if sig == nil {
		return nil, fmt.Errorf("no Signature element found in document")
	}

	signed := referencedElement(doc.Root(), sig)
	if signed == nil {
		signed = sig.Parent()
	}
	if signed == nil {
		signed = doc.Root()
	}

	return &ExtractionResult{
		SignatureElement: sig,
		SignedElement:    signed,
		Document:         doc,
		Kind:             detectKind(doc.Root()),
	}, nil
}

// ExtractFor finds the signature referencing the element with the given Id.
func (e *SignatureExtractor) ExtractFor(data []byte, elementID string) (*ExtractionResult, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}

	signed := FindByID(doc.Root(), elementID)
	if signed == nil {
		return nil, fmt.Errorf("no element with Id %q", elementID)
	}
	sig := SignatureFor(doc.Root(), elementID)
	if sig == nil {
		return nil, fmt.Errorf("no Signature references %q", elementID)
	}

	return &ExtractionResult{
		SignatureElement: sig,
		SignedElement:    signed,
		Document:         doc,
		Kind:             detectKind(doc.Root()),
	}, nil
}

func parse(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("empty XML document")
	}
	return doc, nil
}

// FindByID returns the first element whose Id attribute equals id.
func FindByID(root *etree.Element, id string) *etree.Element {
	if root == nil {
		return nil
	}
	if root.SelectAttrValue(IDAttribute, "") == id {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := FindByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

// SignatureFor returns the Signature whose Reference URI is "#"+id.
func SignatureFor(root *etree.Element, id string) *etree.Element {
	var found *etree.Element
	walk(root, func(el *etree.Element) bool {
		if hasLocalName(el, "Signature") && referenceURI(el) == "#"+id {
			found = el
			return false
		}
		return true
	})
	return found
}

func referencedElement(root, sig *etree.Element) *etree.Element {
	uri := referenceURI(sig)
	if !strings.HasPrefix(uri, "#") {
		return nil
	}
	return FindByID(root, uri[1:])
}

func referenceURI(sig *etree.Element) string {
	for _, si := range sig.ChildElements() {
		if !hasLocalName(si, "SignedInfo") {
			continue
		}
		for _, ref := range si.ChildElements() {
			if hasLocalName(ref, "Reference") {
				return ref.SelectAttrValue("URI", "")
			}
		}
	}
	return ""
}

func walk(el *etree.Element, visit func(*etree.Element) bool) bool {
	if !visit(el) {
		return false
	}
	for _, child := range el.ChildElements() {
		if !walk(child, visit) {
			return false
		}
	}
	return true
}

// findElementRecursive searches for an element by local name recursively
func findElementRecursive(elem *etree.Element, localName string) *etree.Element {
	if hasLocalName(elem, localName) {
		return elem
	}

	for _, child := range elem.ChildElements() {
		if found := findElementRecursive(child, localName); found != nil {
			return found
		}
	}

	return nil
}

// hasLocalName checks if element has the given local name (ignoring namespace prefix)
func hasLocalName(elem *etree.Element, localName string) bool {
	tag := elem.Tag
	// Handle prefixed tags like "ds:Signature"
	if idx := strings.IndexByte(tag, ':'); idx >= 0 {
		tag = tag[idx+1:]
	}
	return tag == localName
}

// detectKind names the fiscal document type from the root element
func detectKind(root *etree.Element) string {
	switch root.Tag {
	case "NFe", "enviNFe", "nfeProc":
		return "NFe"
	case "evento", "envEvento", "procEventoNFe":
		return "evento"
	case "inutNFe", "procInutNFe":
		return "inutNFe"
	default:
		return root.Tag
	}
}

// ExtractCertificateData extracts the base64-encoded certificate from a Signature element
func ExtractCertificateData(sig *etree.Element) ([]byte, error) {
	// Path: Signature/KeyInfo/X509Data/X509Certificate
	paths := []string{
		"KeyInfo/X509Data/X509Certificate",
		"ds:KeyInfo/ds:X509Data/ds:X509Certificate",
	}

	for _, path := range paths {
		if certElem := sig.FindElement(path); certElem != nil {
			certText := certElem.Text()
			if certText != "" {
				return []byte(certText), nil
			}
		}
	}

	return nil, fmt.Errorf("no X509Certificate found in Signature")
}

// CanExtract returns true if the data appears to be XML with a signature
func (e *SignatureExtractor) CanExtract(data []byte) bool {
	// Quick check for XML
	if len(data) < 5 {
		return false
	}

	// Check for XML declaration or root element
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) && !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}

	// Check for Signature element
	return bytes.Contains(data, []byte("<Signature")) ||
		bytes.Contains(data, []byte(":Signature"))
}
