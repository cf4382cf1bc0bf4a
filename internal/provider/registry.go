package provider

import "github.com/dialhouse/callengine/internal/router"

// Registry resolves a provider name to a fresh adapter for one dial.
// Selection happens once at dial time; there is no mid-call switch.
type Registry struct {
	*router.Router[Factory]
}

// NewRegistry creates a registry with the given adapter factories and a
// fallback provider used when the requested one is not configured.
func NewRegistry(factories map[Name]Factory, fallback Name) *Registry {
	byName := make(map[string]Factory, len(factories))
	for name, f := range factories {
		byName[string(name)] = f
	}
	return &Registry{Router: router.New(byName, string(fallback))}
}

// New builds a fresh adapter for the named provider. Every dial gets its own
// adapter instance.
func (r *Registry) New(name Name) (Adapter, error) {
	factory, err := r.Route(string(name))
	if err != nil {
		return nil, err
	}
	return factory(), nil
}
