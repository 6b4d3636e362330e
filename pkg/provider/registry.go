package provider

// Registry resolves dataset ids against providers in registration order; the
// first provider that supports an id wins.
type Registry struct {
	providers []Provider
}

var _ Resolver = (*Registry)(nil)

func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

func (r *Registry) Get(datasetID string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Supports(datasetID) {
			return p, true
		}
	}
	return nil, false
}

// Len is the number of registered providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
