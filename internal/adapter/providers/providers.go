// Package providers wires built-in adapters into the adapter registry.
package providers

import (
	"github.com/coachpo/custos/internal/adapter"
	"github.com/coachpo/custos/internal/adapter/alpaca"
	"github.com/coachpo/custos/internal/adapter/ibgw"
)

// RegisterAll installs every built-in adapter into the provided registry.
func RegisterAll(reg *adapter.Registry) {
	if reg == nil {
		return
	}
	reg.Register(alpaca.ProviderName, alpaca.Descriptor())
	reg.Register(ibgw.ProviderName, ibgw.Descriptor())
}

// DefaultRegistry builds a registry with all built-in adapters installed.
func DefaultRegistry() *adapter.Registry {
	reg := adapter.NewRegistry()
	RegisterAll(reg)
	return reg
}
