package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/custos/internal/schema"
)

// PositionStore persists the authoritative holding snapshot per account.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore constructs a PositionStore backed by the provided pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const (
	positionDeleteSQL = `
DELETE FROM positions WHERE account_id = @account_id;
`

	positionInsertSQL = `
INSERT INTO positions (
    account_id,
    symbol,
    quantity,
    average_price,
    current_price,
    market_value,
    unrealized_pnl,
    unrealized_pnl_percent,
    created_at,
    updated_at
)
VALUES (
    @account_id,
    @symbol,
    @quantity,
    @average_price,
    @current_price,
    @market_value,
    @unrealized_pnl,
    @unrealized_pnl_percent,
    NOW(),
    NOW()
);
`

	positionSelectBase = `
SELECT
    p.symbol,
    p.quantity::text,
    p.average_price::text,
    p.current_price::text,
    p.market_value::text,
    p.unrealized_pnl::text,
    p.unrealized_pnl_percent::text
FROM positions p
`
)

func (s *PositionStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("position store: nil pool")
	}
	return s.pool, nil
}

// ListByAccount retrieves the stored position snapshot for an account.
func (s *PositionStore) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		positionSelectBase+" WHERE p.account_id = $1 ORDER BY p.symbol",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("position store: list positions: %w", err)
	}
	defer rows.Close()

	var positions []schema.Position
	for rows.Next() {
		var (
			position   schema.Position
			quantity   string
			avgPrice   string
			current    sql.NullString
			market     sql.NullString
			pnl        sql.NullString
			pnlPercent sql.NullString
		)
		if err := rows.Scan(
			&position.Symbol,
			&quantity,
			&avgPrice,
			&current,
			&market,
			&pnl,
			&pnlPercent,
		); err != nil {
			return nil, fmt.Errorf("position store: scan position: %w", err)
		}
		if position.Quantity, err = decimalFromText(quantity); err != nil {
			return nil, fmt.Errorf("position store: %w", err)
		}
		if position.AveragePrice, err = decimalFromText(avgPrice); err != nil {
			return nil, fmt.Errorf("position store: %w", err)
		}
		if position.CurrentPrice, err = optionalDecimal(current); err != nil {
			return nil, fmt.Errorf("position store: %w", err)
		}
		if position.MarketValue, err = optionalDecimal(market); err != nil {
			return nil, fmt.Errorf("position store: %w", err)
		}
		if position.UnrealizedPnl, err = optionalDecimal(pnl); err != nil {
			return nil, fmt.Errorf("position store: %w", err)
		}
		if position.UnrealizedPnlPercent, err = optionalDecimal(pnlPercent); err != nil {
			return nil, fmt.Errorf("position store: %w", err)
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position store: iterate positions: %w", err)
	}
	return positions, nil
}

// replacePositionsWith deletes the account's snapshot and inserts the new one.
// The caller's transaction makes the swap atomic.
func (s *PositionStore) replacePositionsWith(ctx context.Context, exec execer, accountID uuid.UUID, positions []schema.Position) error {
	if _, err := exec.Exec(ctx, positionDeleteSQL, pgx.NamedArgs{"account_id": accountID}); err != nil {
		return fmt.Errorf("position store: delete positions: %w", err)
	}
	for _, position := range positions {
		args := pgx.NamedArgs{
			"account_id":             accountID,
			"symbol":                 position.Symbol,
			"quantity":               numericArg(position.Quantity),
			"average_price":          numericArg(position.AveragePrice),
			"current_price":          numericFromOptional(position.CurrentPrice),
			"market_value":           numericFromOptional(position.MarketValue),
			"unrealized_pnl":         numericFromOptional(position.UnrealizedPnl),
			"unrealized_pnl_percent": numericFromOptional(position.UnrealizedPnlPercent),
		}
		if _, err := exec.Exec(ctx, positionInsertSQL, args); err != nil {
			return fmt.Errorf("position store: insert position %s: %w", position.Symbol, err)
		}
	}
	return nil
}
