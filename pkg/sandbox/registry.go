package sandbox

import (
	"fmt"
	"sort"

	"github.com/ekaya-inc/ekaya-builder/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-builder/pkg/models"
)

// Registry maps provider names to configured clients.
type Registry struct {
	providers map[models.SandboxProvider]Provider
}

// NewRegistry builds a registry; a later provider with the same name replaces an earlier one.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[models.SandboxProvider]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the client for name.
func (r *Registry) Get(name models.SandboxProvider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: sandbox provider %q is not configured", apperrors.ErrUnsupportedFeature, name)
	}
	return p, nil
}

// Names lists the configured providers in sorted order.
func (r *Registry) Names() []models.SandboxProvider {
	names := make([]models.SandboxProvider, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
