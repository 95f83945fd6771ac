package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// numericArg converts a decimal into a driver argument for a NUMERIC column.
func numericArg(value decimal.Decimal) string {
	return value.String()
}

// numericFromOptional converts an optional decimal into a driver argument,
// preserving the distinction between unknown (NULL) and zero.
func numericFromOptional(ptr *decimal.Decimal) any {
	if ptr == nil {
		return nil
	}
	return ptr.String()
}

// decimalFromText parses a NUMERIC column selected with a ::text cast.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("numeric value required")
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return parsed, nil
}

// optionalDecimal parses a nullable NUMERIC column selected with a ::text cast.
func optionalDecimal(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	parsed, err := decimalFromText(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
