// Package postgres implements the account persistence contracts on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/custos/internal/domain/accountstore"
	"github.com/coachpo/custos/internal/infra/persistence"
	"github.com/coachpo/custos/internal/schema"
)

// Store exposes PostgreSQL-backed repositories behind one transactional
// boundary.
type Store struct {
	*persistence.Store

	accounts     *AccountStore
	positions    *PositionStore
	transactions *TransactionStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:        persistence.NewStore(pool),
		accounts:     NewAccountStore(pool),
		positions:    NewPositionStore(pool),
		transactions: NewTransactionStore(pool),
	}
}

// Accounts returns the account repository.
func (s *Store) Accounts() accountstore.AccountRepository { return s.accounts }

// Positions returns the position repository.
func (s *Store) Positions() accountstore.PositionRepository { return s.positions }

// Transactions returns the transaction repository.
func (s *Store) Transactions() accountstore.TransactionRepository { return s.transactions }

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type syncTx struct {
	tx    pgx.Tx
	store *Store
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, accountstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("account store: transaction callback required")
	}
	pool := s.Pool()
	if pool == nil {
		return fmt.Errorf("account store: nil pool")
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("account store: begin tx: %w", err)
	}
	wrapped := &syncTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("account store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("account store: commit tx: %w", err)
	}
	return nil
}

func (t *syncTx) UpdateBalances(ctx context.Context, update accountstore.BalanceUpdate) error {
	if t == nil {
		return fmt.Errorf("account store: nil transaction")
	}
	return t.store.accounts.updateBalancesWith(ctx, t.tx, update)
}

func (t *syncTx) ReplacePositions(ctx context.Context, accountID uuid.UUID, positions []schema.Position) error {
	if t == nil {
		return fmt.Errorf("account store: nil transaction")
	}
	return t.store.positions.replacePositionsWith(ctx, t.tx, accountID, positions)
}

func (t *syncTx) InsertTransactions(ctx context.Context, accountID uuid.UUID, transactions []schema.Transaction) error {
	if t == nil {
		return fmt.Errorf("account store: nil transaction")
	}
	return t.store.transactions.insertTransactionsWith(ctx, t.tx, accountID, transactions)
}

func (t *syncTx) UpdateStatus(ctx context.Context, update accountstore.StatusUpdate) error {
	if t == nil {
		return fmt.Errorf("account store: nil transaction")
	}
	return t.store.accounts.updateStatusWith(ctx, t.tx, update)
}
