package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/custos/internal/schema"
)

// TransactionStore persists append-only account transactions.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore constructs a TransactionStore backed by the provided pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

const (
	transactionInsertSQL = `
INSERT INTO transactions (
    account_id,
    external_id,
    type,
    symbol,
    quantity,
    price,
    amount,
    fees,
    transaction_date,
    created_at
)
VALUES (
    @account_id,
    @external_id,
    @type,
    @symbol,
    @quantity,
    @price,
    @amount,
    @fees,
    @transaction_date,
    NOW()
)
ON CONFLICT (account_id, external_id) DO NOTHING;
`

	transactionIDsSQL = `
SELECT t.external_id FROM transactions t WHERE t.account_id = $1;
`

	transactionSelectBase = `
SELECT
    t.external_id,
    t.type,
    t.symbol,
    t.quantity::text,
    t.price::text,
    t.amount::text,
    t.fees::text,
    t.transaction_date
FROM transactions t
`

	defaultTransactionLimit = 100
	maxTransactionLimit     = 1000
)

func (s *TransactionStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("transaction store: nil pool")
	}
	return s.pool, nil
}

// ListByAccount retrieves stored transactions matching the supplied filter,
// newest first.
func (s *TransactionStore) ListByAccount(ctx context.Context, accountID uuid.UUID, filter schema.TransactionFilter) ([]schema.Transaction, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(filter.Limit, defaultTransactionLimit, maxTransactionLimit)

	builder := strings.Builder{}
	builder.WriteString(transactionSelectBase)
	builder.WriteString(" WHERE t.account_id = $1")

	args := []any{accountID}
	argPos := 2

	types := normalizedTypes(filter.Types)
	if len(types) > 0 {
		fmt.Fprintf(&builder, " AND t.type = ANY($%d)", argPos)
		args = append(args, types)
		argPos++
	}
	if filter.Since != nil {
		fmt.Fprintf(&builder, " AND t.transaction_date >= $%d", argPos)
		args = append(args, *filter.Since)
		argPos++
	}
	if filter.Until != nil {
		fmt.Fprintf(&builder, " AND t.transaction_date <= $%d", argPos)
		args = append(args, *filter.Until)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY t.transaction_date DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("transaction store: list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []schema.Transaction
	for rows.Next() {
		var (
			transaction schema.Transaction
			kind        string
			symbol      sql.NullString
			quantity    sql.NullString
			price       sql.NullString
			amount      string
			fees        string
			date        time.Time
		)
		if err := rows.Scan(
			&transaction.ExternalID,
			&kind,
			&symbol,
			&quantity,
			&price,
			&amount,
			&fees,
			&date,
		); err != nil {
			return nil, fmt.Errorf("transaction store: scan transaction: %w", err)
		}
		transaction.Type = schema.TransactionType(kind)
		if symbol.Valid {
			transaction.Symbol = symbol.String
		}
		if transaction.Quantity, err = optionalDecimal(quantity); err != nil {
			return nil, fmt.Errorf("transaction store: %w", err)
		}
		if transaction.Price, err = optionalDecimal(price); err != nil {
			return nil, fmt.Errorf("transaction store: %w", err)
		}
		if transaction.Amount, err = decimalFromText(amount); err != nil {
			return nil, fmt.Errorf("transaction store: %w", err)
		}
		if transaction.Fees, err = decimalFromText(fees); err != nil {
			return nil, fmt.Errorf("transaction store: %w", err)
		}
		transaction.Date = date
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction store: iterate transactions: %w", err)
	}
	return transactions, nil
}

// ExternalIDs returns the stored id set for the account so dedup can be
// computed as a set difference rather than per-row existence probes.
func (s *TransactionStore) ExternalIDs(ctx context.Context, accountID uuid.UUID) (map[string]struct{}, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, transactionIDsSQL, accountID)
	if err != nil {
		return nil, fmt.Errorf("transaction store: list external ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("transaction store: scan external id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction store: iterate external ids: %w", err)
	}
	return ids, nil
}

// insertTransactionsWith appends the supplied rows. The unique key on
// (account_id, external_id) backstops dedup already done by the caller.
func (s *TransactionStore) insertTransactionsWith(ctx context.Context, exec execer, accountID uuid.UUID, transactions []schema.Transaction) error {
	for _, transaction := range transactions {
		if strings.TrimSpace(transaction.ExternalID) == "" {
			return fmt.Errorf("transaction store: external id required")
		}
		args := pgx.NamedArgs{
			"account_id":       accountID,
			"external_id":      transaction.ExternalID,
			"type":             string(transaction.Type),
			"symbol":           nullableSymbol(transaction.Symbol),
			"quantity":         numericFromOptional(transaction.Quantity),
			"price":            numericFromOptional(transaction.Price),
			"amount":           numericArg(transaction.Amount),
			"fees":             numericArg(transaction.Fees),
			"transaction_date": transaction.Date,
		}
		if _, err := exec.Exec(ctx, transactionInsertSQL, args); err != nil {
			return fmt.Errorf("transaction store: insert transaction %s: %w", transaction.ExternalID, err)
		}
	}
	return nil
}

func nullableSymbol(symbol string) any {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedTypes(types []schema.TransactionType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, 0, len(types))
	for _, kind := range types {
		trimmed := strings.ToLower(strings.TrimSpace(string(kind)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
