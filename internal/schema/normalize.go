package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// timeLayouts is the fixed, ordered list of date formats adapters are allowed
// to accept. Anything else degrades to nil rather than raising.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseDecimal converts a provider value into a decimal, returning nil when
// the value is absent or unparseable. Zero is a valid balance, so parse
// failures never default to zero.
func ParseDecimal(value any) *decimal.Decimal {
	switch v := value.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return &v
	case *decimal.Decimal:
		return v
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		d, err := decimal.NewFromString(trimmed)
		if err != nil {
			return nil
		}
		return &d
	case float64:
		d := decimal.NewFromFloat(v)
		return &d
	case float32:
		d := decimal.NewFromFloat32(v)
		return &d
	case int:
		d := decimal.NewFromInt(int64(v))
		return &d
	case int64:
		d := decimal.NewFromInt(v)
		return &d
	default:
		return nil
	}
}

// ParseTime tries each known layout in order and returns nil when none match.
func ParseTime(value string) *time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// transactionAliases maps provider-native activity labels onto canonical types.
var transactionAliases = map[string]TransactionType{
	"buy":        TransactionBuy,
	"bought":     TransactionBuy,
	"fill_buy":   TransactionBuy,
	"sell":       TransactionSell,
	"sold":       TransactionSell,
	"fill_sell":  TransactionSell,
	"div":        TransactionDividend,
	"dividend":   TransactionDividend,
	"csd":        TransactionDeposit,
	"deposit":    TransactionDeposit,
	"csw":        TransactionWithdrawal,
	"withdrawal": TransactionWithdrawal,
	"withdraw":   TransactionWithdrawal,
	"transfer":   TransactionTransfer,
	"acats":      TransactionTransfer,
	"journal":    TransactionTransfer,
}

// ParseTransactionType normalizes a provider activity label.
// Unrecognized labels report false so adapters can skip the row.
func ParseTransactionType(raw string) (TransactionType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	typ, ok := transactionAliases[key]
	return typ, ok
}
