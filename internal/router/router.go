// Package router provides a generic backend dispatcher keyed by name.
package router

import "fmt"

// Router maps backend names to implementations with O(1) lookup and a
// configurable fallback default.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// New creates a router with the given backends and a fallback name used when
// the requested backend is not found.
func New[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for the given name, falling back to the default.
func (r *Router[T]) Route(name string) (T, error) {
	if backend, ok := r.backends[name]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no backend for %q", name)
}

// Has reports whether the router has a backend for the given name.
func (r *Router[T]) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// Names returns the names of all registered backends.
func (r *Router[T]) Names() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	return names
}
