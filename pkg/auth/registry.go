package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ProviderConfig selects a registered provider and carries its raw settings.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory creates validators from configuration
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	registry = make(map[string]ValidatorFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory for a provider type. Providers register
// themselves from init, so importing the provider package is enough to make it available.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewValidator creates a validator from provider configuration
func NewValidator(providerConfig ProviderConfig) (Validator, error) {
	mu.RLock()
	factory, ok := registry[providerConfig.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown auth provider type %q (registered: %v)", providerConfig.Type, ListProviders())
	}

	v, err := factory(providerConfig.Config)
	if err != nil {
		return nil, fmt.Errorf("auth provider %s: %w", providerConfig.Type, err)
	}
	return v, nil
}

// ListProviders returns registered provider types in name order.
func ListProviders() []string {
	mu.RLock()
	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	mu.RUnlock()
	sort.Strings(providers)
	return providers
}
