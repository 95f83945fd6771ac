package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/custos/internal/domain/accountstore"
	"github.com/coachpo/custos/internal/schema"
)

// ErrAccountNotFound reports a lookup for an account id that is not stored.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore persists linked brokerage accounts.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore constructs an AccountStore backed by the provided pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const (
	accountInsertSQL = `
INSERT INTO accounts (
    id,
    provider,
    external_id,
    name,
    currency,
    status,
    cash_balance,
    total_value,
    buying_power,
    access_token,
    refresh_token,
    token_expires_at,
    last_sync,
    error_count,
    last_error,
    created_at,
    updated_at
)
VALUES (
    @id,
    @provider,
    @external_id,
    @name,
    @currency,
    @status,
    @cash_balance,
    @total_value,
    @buying_power,
    @access_token,
    @refresh_token,
    @token_expires_at,
    NULL,
    0,
    '',
    NOW(),
    NOW()
);
`

	accountStatusUpdateSQL = `
UPDATE accounts
SET status = @status,
    last_sync = COALESCE(@last_sync, last_sync),
    error_count = @error_count,
    last_error = @last_error,
    updated_at = NOW()
WHERE id = @id;
`

	accountTokenUpdateSQL = `
UPDATE accounts
SET access_token = @access_token,
    refresh_token = @refresh_token,
    token_expires_at = @token_expires_at,
    updated_at = NOW()
WHERE id = @id;
`

	accountBalanceUpdateSQL = `
UPDATE accounts
SET cash_balance = @cash_balance,
    total_value = @total_value,
    buying_power = @buying_power,
    updated_at = NOW()
WHERE id = @id;
`

	accountSelectBase = `
SELECT
    a.id,
    a.provider,
    a.external_id,
    a.name,
    a.currency,
    a.status,
    a.cash_balance::text,
    a.total_value::text,
    a.buying_power::text,
    a.access_token,
    a.refresh_token,
    a.token_expires_at,
    a.last_sync,
    a.error_count,
    a.last_error,
    a.created_at,
    a.updated_at
FROM accounts a
`
)

func (s *AccountStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("account store: nil pool")
	}
	return s.pool, nil
}

// Create inserts a newly linked account row.
func (s *AccountStore) Create(ctx context.Context, account schema.Account) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if account.ID == uuid.Nil {
		return fmt.Errorf("account store: account id required")
	}
	if strings.TrimSpace(account.Provider) == "" {
		return fmt.Errorf("account store: provider required")
	}
	args := pgx.NamedArgs{
		"id":               account.ID,
		"provider":         strings.TrimSpace(account.Provider),
		"external_id":      strings.TrimSpace(account.ExternalID),
		"name":             account.Name,
		"currency":         strings.TrimSpace(account.Currency),
		"status":           string(account.Status),
		"cash_balance":     numericFromOptional(account.CashBalance),
		"total_value":      numericFromOptional(account.TotalValue),
		"buying_power":     numericFromOptional(account.BuyingPower),
		"access_token":     account.Token.Access,
		"refresh_token":    account.Token.Refresh,
		"token_expires_at": nullableTime(account.Token.ExpiresAt),
	}
	if _, err := pool.Exec(ctx, accountInsertSQL, args); err != nil {
		return fmt.Errorf("account store: insert account: %w", err)
	}
	return nil
}

// Get retrieves an account by id.
func (s *AccountStore) Get(ctx context.Context, id uuid.UUID) (schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Account{}, err
	}
	row := pool.QueryRow(ctx, accountSelectBase+" WHERE a.id = $1", id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Account{}, fmt.Errorf("account store: %w: %s", ErrAccountNotFound, id)
		}
		return schema.Account{}, fmt.Errorf("account store: get account: %w", err)
	}
	return account, nil
}

// FindByProviderExternalID locates an account by its provider-scoped identity.
func (s *AccountStore) FindByProviderExternalID(ctx context.Context, provider, externalID string) (schema.Account, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Account{}, false, err
	}
	row := pool.QueryRow(ctx,
		accountSelectBase+" WHERE a.provider = $1 AND a.external_id = $2",
		strings.TrimSpace(provider), strings.TrimSpace(externalID))
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Account{}, false, nil
		}
		return schema.Account{}, false, fmt.Errorf("account store: find account: %w", err)
	}
	return account, true, nil
}

// ListByStatus retrieves every account in the given lifecycle status.
func (s *AccountStore) ListByStatus(ctx context.Context, status schema.AccountStatus) ([]schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		accountSelectBase+" WHERE a.status = $1 ORDER BY a.created_at",
		string(status))
	if err != nil {
		return nil, fmt.Errorf("account store: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []schema.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("account store: scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account store: iterate accounts: %w", err)
	}
	return accounts, nil
}

// UpdateStatus writes sync bookkeeping for one account.
func (s *AccountStore) UpdateStatus(ctx context.Context, update accountstore.StatusUpdate) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.updateStatusWith(ctx, pool, update)
}

// UpdateToken persists rotated provider credentials.
func (s *AccountStore) UpdateToken(ctx context.Context, id uuid.UUID, token schema.Token) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":               id,
		"access_token":     token.Access,
		"refresh_token":    token.Refresh,
		"token_expires_at": nullableTime(token.ExpiresAt),
	}
	if _, err := pool.Exec(ctx, accountTokenUpdateSQL, args); err != nil {
		return fmt.Errorf("account store: update token: %w", err)
	}
	return nil
}

func (s *AccountStore) updateStatusWith(ctx context.Context, exec execer, update accountstore.StatusUpdate) error {
	args := pgx.NamedArgs{
		"id":          update.AccountID,
		"status":      string(update.Status),
		"last_sync":   nullableTime(update.LastSync),
		"error_count": update.ErrorCount,
		"last_error":  update.LastError,
	}
	if _, err := exec.Exec(ctx, accountStatusUpdateSQL, args); err != nil {
		return fmt.Errorf("account store: update status: %w", err)
	}
	return nil
}

func (s *AccountStore) updateBalancesWith(ctx context.Context, exec execer, update accountstore.BalanceUpdate) error {
	args := pgx.NamedArgs{
		"id":           update.AccountID,
		"cash_balance": numericFromOptional(update.Cash),
		"total_value":  numericFromOptional(update.Total),
		"buying_power": numericFromOptional(update.BuyingPower),
	}
	if _, err := exec.Exec(ctx, accountBalanceUpdateSQL, args); err != nil {
		return fmt.Errorf("account store: update balances: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (schema.Account, error) {
	var (
		account        schema.Account
		status         string
		cashValue      sql.NullString
		totalValue     sql.NullString
		buyingValue    sql.NullString
		tokenExpiresAt pgtype.Timestamptz
		lastSync       pgtype.Timestamptz
	)
	if err := row.Scan(
		&account.ID,
		&account.Provider,
		&account.ExternalID,
		&account.Name,
		&account.Currency,
		&status,
		&cashValue,
		&totalValue,
		&buyingValue,
		&account.Token.Access,
		&account.Token.Refresh,
		&tokenExpiresAt,
		&lastSync,
		&account.ErrorCount,
		&account.LastError,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return schema.Account{}, err
	}
	account.Status = schema.AccountStatus(status)

	var err error
	if account.CashBalance, err = optionalDecimal(cashValue); err != nil {
		return schema.Account{}, err
	}
	if account.TotalValue, err = optionalDecimal(totalValue); err != nil {
		return schema.Account{}, err
	}
	if account.BuyingPower, err = optionalDecimal(buyingValue); err != nil {
		return schema.Account{}, err
	}
	if tokenExpiresAt.Valid {
		expires := tokenExpiresAt.Time
		account.Token.ExpiresAt = &expires
	}
	if lastSync.Valid {
		synced := lastSync.Time
		account.LastSync = &synced
	}
	return account, nil
}

func nullableTime(ptr *time.Time) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}
