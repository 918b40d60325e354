package providers

import (
	"github.com/birdhaus/roost/internal/payment/domain"
)

// Registry resolves a settlement rail by provider name. Adding a chain
// means adding one Verify implementation here; the state machine and
// repository never change.
type Registry struct {
	providers map[domain.Provider]domain.PaymentProvider
}

func NewRegistry(impls ...domain.PaymentProvider) *Registry {
	registry := &Registry{providers: map[domain.Provider]domain.PaymentProvider{}}
	for _, impl := range impls {
		if impl == nil {
			continue
		}
		name := impl.Name()
		if !name.Valid() {
			continue
		}
		registry.providers[name] = impl
	}
	return registry
}

func (r *Registry) Exists(provider domain.Provider) bool {
	if r == nil {
		return false
	}
	_, ok := r.providers[provider]
	return ok
}

// Names lists the registered rails in no particular order.
func (r *Registry) Names() []domain.Provider {
	if r == nil {
		return nil
	}
	names := make([]domain.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Get(provider domain.Provider) (domain.PaymentProvider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	impl, ok := r.providers[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return impl, nil
}
