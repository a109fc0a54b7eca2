package provider

import (
	"fmt"
	"sort"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

// Settings holds connection details for every provider. Providers with an empty
// base URL are left out of the registry.
type Settings struct {
	Timeout time.Duration

	RingCentral ClientConfig
	Convoso     ClientConfig
	Ytel        ClientConfig
	Logics      ClientConfig
	Genesys     ClientConfig

	GenesysDNCListID string
}

// Registry resolves adapters by service key.
type Registry struct {
	adapters map[domain.ServiceKey]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.ServiceKey]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Key()] = a
	}
	return r
}

func NewRegistryFromSettings(s Settings) (*Registry, error) {
	withTimeout := func(cfg ClientConfig) ClientConfig {
		if cfg.Timeout <= 0 {
			cfg.Timeout = s.Timeout
		}
		return cfg
	}

	adapters := make([]Adapter, 0, len(domain.AllServiceKeys))

	if s.RingCentral.Enabled() {
		a, err := NewRingCentralAdapter(withTimeout(s.RingCentral))
		if err != nil {
			return nil, fmt.Errorf("configure ringcentral: %w", err)
		}
		adapters = append(adapters, a)
	}
	if s.Convoso.Enabled() {
		a, err := NewConvosoAdapter(withTimeout(s.Convoso))
		if err != nil {
			return nil, fmt.Errorf("configure convoso: %w", err)
		}
		adapters = append(adapters, a)
	}
	if s.Ytel.Enabled() {
		a, err := NewYtelAdapter(withTimeout(s.Ytel))
		if err != nil {
			return nil, fmt.Errorf("configure ytel: %w", err)
		}
		adapters = append(adapters, a)
	}
	if s.Logics.Enabled() {
		a, err := NewLogicsAdapter(withTimeout(s.Logics))
		if err != nil {
			return nil, fmt.Errorf("configure logics: %w", err)
		}
		adapters = append(adapters, a)
	}
	if s.Genesys.Enabled() {
		a, err := NewGenesysAdapter(withTimeout(s.Genesys), s.GenesysDNCListID)
		if err != nil {
			return nil, fmt.Errorf("configure genesys: %w", err)
		}
		adapters = append(adapters, a)
	}

	return NewRegistry(adapters...), nil
}

func (r *Registry) Get(key domain.ServiceKey) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: provider %q is not configured", domain.ErrValidation, key)
	}
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q is not configured", domain.ErrValidation, key)
	}
	return a, nil
}

// Keys returns configured service keys in canonical provider order.
func (r *Registry) Keys() []domain.ServiceKey {
	if r == nil {
		return nil
	}
	keys := make([]domain.ServiceKey, 0, len(r.adapters))
	for key := range r.adapters {
		keys = append(keys, key)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return serviceOrder(keys[i]) < serviceOrder(keys[j])
	})
	return keys
}

func (r *Registry) Has(key domain.ServiceKey) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[key]
	return ok
}

func serviceOrder(key domain.ServiceKey) int {
	for i, k := range domain.AllServiceKeys {
		if k == key {
			return i
		}
	}
	return len(domain.AllServiceKeys)
}
