// Package xml reads NF-e XML back into fiscal documents.
package xml

import (
	"bytes"
	"context"
	"io"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// Adapter parses one NF-e XML layout into a FiscalDocument
type Adapter interface {
	// Parse parses XML content into a FiscalDocument
	Parse(ctx context.Context, r io.Reader) (*model.FiscalDocument, error)

	// CanParse returns true if adapter can handle this content
	CanParse(content []byte) bool

	// Root returns the root element the adapter handles
	Root() string
}

// Registry holds all registered adapters
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates registry with all adapters
// Order matters: nfeProc wraps NFe, so it is tried first
func NewRegistry() *Registry {
	return &Registry{
		adapters: []Adapter{
			NewProcAdapter(),
			NewNFeAdapter(),
		},
	}
}

// Detect identifies the layout from XML content
func (r *Registry) Detect(content []byte) (Adapter, error) {
	for _, a := range r.adapters {
		if a.CanParse(content) {
			return a, nil
		}
	}
	return nil, model.NewParseError("xml", "root", "unknown XML layout, no matching adapter found", nil)
}

// Parse parses XML using appropriate adapter
func (r *Registry) Parse(ctx context.Context, content []byte) (*model.FiscalDocument, error) {
	adapter, err := r.Detect(content)
	if err != nil {
		return nil, err
	}
	return adapter.Parse(ctx, bytes.NewReader(content))
}

// RegisterAdapter adds a custom adapter to the registry
func (r *Registry) RegisterAdapter(a Adapter) {
	// Custom adapters take priority
	r.adapters = append([]Adapter{a}, r.adapters...)
}

// GetAdapter returns the adapter for a root element
func (r *Registry) GetAdapter(root string) Adapter {
	for _, a := range r.adapters {
		if a.Root() == root {
			return a
		}
	}
	return nil
}

// hasRoot reports whether the first element of content is root, with or
// without a namespace prefix.
func hasRoot(content []byte, root string) bool {
	trimmed := bytes.TrimSpace(content)
	for bytes.HasPrefix(trimmed, []byte("<?")) || bytes.HasPrefix(trimmed, []byte("<!--")) {
		end := bytes.Index(trimmed, []byte(">"))
		if end < 0 {
			return false
		}
		trimmed = bytes.TrimSpace(trimmed[end+1:])
	}
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}
	name := trimmed[1:]
	if end := bytes.IndexAny(name, " \t\r\n/>"); end >= 0 {
		name = name[:end]
	}
	if i := bytes.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return string(name) == root
}
