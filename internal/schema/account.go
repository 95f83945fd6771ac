// Package schema defines the canonical, provider-agnostic account model that
// every adapter normalizes its provider-native data into.
package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/custos/errs"
)

// AccountStatus tracks the lifecycle of a linked brokerage account.
type AccountStatus string

const (
	// AccountPending marks an account created but not yet synced.
	AccountPending AccountStatus = "pending"
	// AccountConnected marks an account whose last sync succeeded.
	AccountConnected AccountStatus = "connected"
	// AccountDisconnected marks an account the user explicitly unlinked.
	AccountDisconnected AccountStatus = "disconnected"
	// AccountError marks an account whose last authentication failed.
	AccountError AccountStatus = "error"
)

// Account is the persisted snapshot of one linked brokerage account.
// Monetary fields are nil when the provider value was unknown or unparseable;
// nil is distinct from zero, which is a valid balance.
type Account struct {
	ID          uuid.UUID
	Provider    string
	ExternalID  string
	Name        string
	Currency    string
	Status      AccountStatus
	CashBalance *decimal.Decimal
	TotalValue  *decimal.Decimal
	BuyingPower *decimal.Decimal
	Token       Token
	LastSync    *time.Time
	ErrorCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AccountInfo is the provider profile fetched when an account is first linked.
type AccountInfo struct {
	ExternalID string
	Name       string
	Currency   string
	Kind       string
}

// Balance is a point-in-time balance snapshot from the provider.
type Balance struct {
	Cash        *decimal.Decimal
	Total       *decimal.Decimal
	BuyingPower *decimal.Decimal
}

// Token holds provider credentials owned by an account. Adapters may rotate
// the pair as a side effect of authentication.
type Token struct {
	Access    string
	Refresh   string
	ExpiresAt *time.Time
}

// Expired reports whether the token carries an expiry in the past.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// SyncReport summarizes one reconciliation cycle for an account.
type SyncReport struct {
	AccountID           uuid.UUID
	PositionCount       int
	NewTransactionCount int
	Errors              []*errs.E
	StartedAt           time.Time
	FinishedAt          time.Time
}

// Failed reports whether any fetch branch recorded an error.
func (r SyncReport) Failed() bool { return len(r.Errors) > 0 }
