// Package adapter defines the provider-adapter contract that normalizes
// incompatible brokerage APIs into the canonical schema, and the registry
// that constructs adapters by provider name.
package adapter

import (
	"context"
	"time"

	"github.com/coachpo/custos/internal/schema"
)

// ProviderAdapter is the capability contract every brokerage integration
// implements. Expected failure modes come back as *errs.E envelopes carrying
// the error taxonomy; adapters never panic on provider data.
type ProviderAdapter interface {
	// Name reports the provider this adapter integrates.
	Name() string

	// Authenticate establishes or refreshes credentials. It may rotate the
	// stored token as a side effect; see TokenRotator.
	Authenticate(ctx context.Context) error

	// AccountInfo fetches the provider-side account profile.
	AccountInfo(ctx context.Context) (schema.AccountInfo, error)

	// Portfolio fetches the authoritative position snapshot.
	Portfolio(ctx context.Context) ([]schema.Position, error)

	// Transactions fetches account activity within [since, until].
	Transactions(ctx context.Context, since, until time.Time) ([]schema.Transaction, error)

	// Balance fetches the current balance snapshot.
	Balance(ctx context.Context) (schema.Balance, error)

	// Close releases transport resources held by the adapter.
	Close() error
}

// TokenRotator is implemented by adapters that rotate credentials during
// Authenticate so the reconciler can persist the fresh token.
type TokenRotator interface {
	Token() schema.Token
}

// Field documents one credential or configuration entry a provider needs.
type Field struct {
	Name        string
	Description string
	Secret      bool
}

// ConfigSchema describes what the configuration layer must collect before an
// adapter can be constructed.
type ConfigSchema struct {
	AuthMethod string
	Required   []Field
	Optional   []Field
}

// RequiredNames lists the names of all required fields.
func (s ConfigSchema) RequiredNames() []string {
	names := make([]string, 0, len(s.Required))
	for _, f := range s.Required {
		names = append(names, f.Name)
	}
	return names
}
