// Package accountstore defines persistence contracts for synced account state.
package accountstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/custos/internal/schema"
)

// BalanceUpdate carries the balance fields written during reconciliation.
// Nil values mean the provider reported the field as unknown; they are
// written through so a stale number is never presented as current.
type BalanceUpdate struct {
	AccountID   uuid.UUID
	Cash        *decimal.Decimal
	Total       *decimal.Decimal
	BuyingPower *decimal.Decimal
}

// StatusUpdate carries sync bookkeeping written at the end of a cycle.
type StatusUpdate struct {
	AccountID  uuid.UUID
	Status     schema.AccountStatus
	LastSync   *time.Time
	ErrorCount int
	LastError  string
}

// AccountRepository stores linked account rows.
type AccountRepository interface {
	Create(ctx context.Context, account schema.Account) error
	Get(ctx context.Context, id uuid.UUID) (schema.Account, error)
	FindByProviderExternalID(ctx context.Context, provider, externalID string) (schema.Account, bool, error)
	ListByStatus(ctx context.Context, status schema.AccountStatus) ([]schema.Account, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) error
	UpdateToken(ctx context.Context, id uuid.UUID, token schema.Token) error
}

// PositionRepository stores the authoritative position snapshot per account.
type PositionRepository interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]schema.Position, error)
}

// TransactionRepository stores append-only account transactions.
type TransactionRepository interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, filter schema.TransactionFilter) ([]schema.Transaction, error)
	// ExternalIDs returns the stored id set for the account so dedup can be
	// computed as a set difference rather than per-row existence probes.
	ExternalIDs(ctx context.Context, accountID uuid.UUID) (map[string]struct{}, error)
}

// Tx exposes the mutating operations that must commit atomically at the end
// of a sync cycle.
type Tx interface {
	UpdateBalances(ctx context.Context, update BalanceUpdate) error
	// ReplacePositions deletes the account's position set and inserts the
	// provider snapshot; the snapshot is authoritative, not a delta.
	ReplacePositions(ctx context.Context, accountID uuid.UUID, positions []schema.Position) error
	InsertTransactions(ctx context.Context, accountID uuid.UUID, transactions []schema.Transaction) error
	UpdateStatus(ctx context.Context, update StatusUpdate) error
}

// Store aggregates the repositories behind one transactional boundary.
type Store interface {
	Accounts() AccountRepository
	Positions() PositionRepository
	Transactions() TransactionRepository
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
}
