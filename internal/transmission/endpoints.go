package transmission

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

//go:embed endpoints.yaml
var defaultEndpointsYAML []byte

// EndpointTable is the YAML layout of the endpoint configuration.
type EndpointTable struct {
	DefaultProvider string                                                `yaml:"default_provider"`
	Shared          map[string]string                                     `yaml:"shared"`
	Endpoints       map[string]map[model.Environment]map[Operation]string `yaml:"endpoints"`
}

// Endpoints resolves authority URLs. It is immutable after construction.
type Endpoints struct {
	table EndpointTable
}

// DefaultEndpoints returns the embedded table.
func DefaultEndpoints() *Endpoints {
	t, err := ParseEndpoints(defaultEndpointsYAML)
	if err != nil {
		panic(fmt.Sprintf("transmission: embedded endpoints are invalid: %v", err))
	}
	return NewEndpoints(t)
}

// NewEndpoints wraps a decoded table.
func NewEndpoints(t EndpointTable) *Endpoints {
	if t.DefaultProvider == "" {
		t.DefaultProvider = "SVRS"
	}
	return &Endpoints{table: t}
}

// ParseEndpoints decodes an endpoint table.
func ParseEndpoints(data []byte) (EndpointTable, error) {
	var t EndpointTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return EndpointTable{}, fmt.Errorf("decode endpoints: %w", err)
	}
	for _, envs := range t.Endpoints {
		for env, ops := range envs {
			if env != model.EnvironmentHomologation && env != model.EnvironmentProduction {
				return EndpointTable{}, fmt.Errorf("decode endpoints: unknown environment %q", env)
			}
			for op := range ops {
				if _, ok := services[op]; !ok {
					return EndpointTable{}, fmt.Errorf("decode endpoints: unknown operation %q", op)
				}
			}
		}
	}
	return t, nil
}

// LoadEndpoints overlays the file at path on the embedded table. An empty path
// returns the embedded table.
func LoadEndpoints(path string) (*Endpoints, error) {
	base := DefaultEndpoints()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints %s: %w", path, err)
	}
	ext, err := ParseEndpoints(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return base.Overlay(ext), nil
}

// Overlay returns a copy with every URL, shared mapping and default provider
// present in ext replaced.
func (e *Endpoints) Overlay(ext EndpointTable) *Endpoints {
	out := EndpointTable{
		DefaultProvider: e.table.DefaultProvider,
		Shared:          make(map[string]string, len(e.table.Shared)),
		Endpoints:       make(map[string]map[model.Environment]map[Operation]string),
	}
	if ext.DefaultProvider != "" {
		out.DefaultProvider = ext.DefaultProvider
	}
	for uf, p := range e.table.Shared {
		out.Shared[uf] = p
	}
	for uf, p := range ext.Shared {
		out.Shared[strings.ToUpper(uf)] = strings.ToUpper(p)
	}
	for _, src := range []map[string]map[model.Environment]map[Operation]string{e.table.Endpoints, ext.Endpoints} {
		for key, envs := range src {
			key = strings.ToUpper(key)
			if out.Endpoints[key] == nil {
				out.Endpoints[key] = make(map[model.Environment]map[Operation]string)
			}
			for env, ops := range envs {
				if out.Endpoints[key][env] == nil {
					out.Endpoints[key][env] = make(map[Operation]string)
				}
				for op, url := range ops {
					out.Endpoints[key][env][op] = url
				}
			}
		}
	}
	return &Endpoints{table: out}
}

// Resolve returns the URL for (state, environment, operation). A state
// without its own entry uses its shared provider, then the default provider.
func (e *Endpoints) Resolve(state string, env model.Environment, op Operation) (string, error) {
	state = model.NormalizeState(state)
	if url := e.lookup(state, env, op); url != "" {
		return url, nil
	}
	provider, ok := e.table.Shared[state]
	if !ok {
		provider = e.table.DefaultProvider
	}
	if url := e.lookup(provider, env, op); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("no %s endpoint for %s in %s (provider %s)", op, state, env, provider)
}

// Provider returns the key Resolve would use for state.
func (e *Endpoints) Provider(state string, env model.Environment, op Operation) string {
	state = model.NormalizeState(state)
	if e.lookup(state, env, op) != "" {
		return state
	}
	if p, ok := e.table.Shared[state]; ok {
		return p
	}
	return e.table.DefaultProvider
}

func (e *Endpoints) lookup(key string, env model.Environment, op Operation) string {
	return e.table.Endpoints[key][env][op]
}
