package config

import (
	"fmt"
	"strings"
)

// ProviderSpec describes a single brokerage connection and its configuration payload.
type ProviderSpec struct {
	Name    string
	Adapter string
	Config  map[string]any
}

// BuildProviderSpecs converts provider entries from the application
// configuration into provider specifications. Each entry names the adapter to
// instantiate via the "adapter" field; remaining fields are passed through as
// the adapter's configuration.
func BuildProviderSpecs(providers map[string]map[string]any) ([]ProviderSpec, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers defined in config")
	}

	specs := make([]ProviderSpec, 0, len(providers))
	for key, data := range providers {
		name := strings.TrimSpace(key)
		if name == "" {
			return nil, fmt.Errorf("provider name required")
		}

		if data == nil {
			return nil, fmt.Errorf("provider %q configuration required", name)
		}

		adapterValue, ok := data["adapter"]
		if !ok {
			return nil, fmt.Errorf("provider %q missing adapter field", name)
		}
		adapterName, ok := adapterValue.(string)
		if !ok || strings.TrimSpace(adapterName) == "" {
			return nil, fmt.Errorf("provider %q adapter must be non-empty string", name)
		}

		canonicalAdapter := strings.ToLower(strings.TrimSpace(adapterName))

		config := make(map[string]any, len(data)-1)
		for k, v := range data {
			if k == "adapter" {
				continue
			}
			config[k] = v
		}

		specs = append(specs, ProviderSpec{
			Name:    name,
			Adapter: canonicalAdapter,
			Config:  config,
		})
	}
	return specs, nil
}
