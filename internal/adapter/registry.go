package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/custos/errs"
)

// Factory constructs a provider adapter from a validated configuration map.
type Factory func(ctx context.Context, config map[string]any) (ProviderAdapter, error)

// Descriptor pairs a provider's configuration schema with its factory.
type Descriptor struct {
	Schema ConfigSchema
	New    Factory
}

// Registry maintains provider descriptors keyed by canonical provider name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Descriptor
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Descriptor)}
}

// Register installs a provider descriptor. A nil factory is a programming
// error.
func (r *Registry) Register(name string, desc Descriptor) {
	if desc.New == nil {
		panic("adapter factory required")
	}
	key := canonicalName(name)
	if key == "" {
		panic("adapter name required")
	}
	r.mu.Lock()
	r.providers[key] = desc
	r.mu.Unlock()
}

// Create validates the configuration against the provider's schema and
// constructs the adapter. An unknown provider name reports CodeNotSupported;
// a known provider with missing required fields reports CodeInvalid.
func (r *Registry) Create(ctx context.Context, name string, config map[string]any) (ProviderAdapter, error) {
	key := canonicalName(name)
	r.mu.RLock()
	desc, ok := r.providers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotSupported(key)
	}

	if missing := missingFields(desc.Schema, config); len(missing) > 0 {
		return nil, errs.New(key, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))))
	}

	instance, err := desc.New(ctx, config)
	if err != nil {
		return nil, errs.AsE(key, err)
	}
	return instance, nil
}

// Describe exposes the configuration schema for the excluded UI layer.
func (r *Registry) Describe(name string) (ConfigSchema, bool) {
	r.mu.RLock()
	desc, ok := r.providers[canonicalName(name)]
	r.mu.RUnlock()
	if !ok {
		return ConfigSchema{}, false
	}
	return desc.Schema, true
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func missingFields(schema ConfigSchema, config map[string]any) []string {
	var missing []string
	for _, field := range schema.Required {
		value, ok := config[field.Name]
		if !ok {
			missing = append(missing, field.Name)
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field.Name)
		}
	}
	return missing
}

func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
