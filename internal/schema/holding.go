package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one holding within an account, keyed by (account, symbol).
// Each successful sync replaces the full position set for the account; the
// provider snapshot is authoritative, not a delta.
type Position struct {
	Symbol               string
	Quantity             decimal.Decimal
	AveragePrice         decimal.Decimal
	CurrentPrice         *decimal.Decimal
	MarketValue          *decimal.Decimal
	UnrealizedPnl        *decimal.Decimal
	UnrealizedPnlPercent *decimal.Decimal
}

// TransactionType classifies a canonical account transaction.
type TransactionType string

const (
	TransactionBuy        TransactionType = "buy"
	TransactionSell       TransactionType = "sell"
	TransactionDividend   TransactionType = "dividend"
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionTransfer   TransactionType = "transfer"
)

// Valid reports whether the type is one of the canonical kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionBuy, TransactionSell, TransactionDividend,
		TransactionDeposit, TransactionWithdrawal, TransactionTransfer:
		return true
	}
	return false
}

// Transaction is an append-only account event, deduplicated on
// (account, external id) at insert time and never updated afterwards.
// Symbol is empty for cash events.
type Transaction struct {
	ExternalID string
	Type       TransactionType
	Symbol     string
	Quantity   *decimal.Decimal
	Price      *decimal.Decimal
	Amount     decimal.Decimal
	Fees       decimal.Decimal
	Date       time.Time
}

// TransactionFilter narrows read queries against stored transactions.
type TransactionFilter struct {
	Types []TransactionType
	Since *time.Time
	Until *time.Time
	Limit int
}
