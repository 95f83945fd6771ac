// Package syncer drives account reconciliation against provider adapters.
package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/adapter"
	"github.com/coachpo/custos/internal/domain/accountstore"
	"github.com/coachpo/custos/internal/observability"
	"github.com/coachpo/custos/internal/schema"
)

// Settings tunes reconciliation behaviour.
type Settings struct {
	// MinInterval is the floor between unforced syncs of one account.
	MinInterval time.Duration
	// OverlapWindow is subtracted from last_sync when fetching transactions;
	// dedup makes the re-fetch harmless.
	OverlapWindow time.Duration
	// FetchTimeout bounds each individual provider call.
	FetchTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MinInterval < 0 {
		s.MinInterval = 0
	}
	if s.OverlapWindow <= 0 {
		s.OverlapWindow = 72 * time.Hour
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = 30 * time.Second
	}
	return s
}

// Option customises Service construction.
type Option func(*Service)

// WithClock overrides the time source, primarily for testing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service reconciles linked accounts against their providers. It owns the
// per-account exclusivity guard and the cache of constructed adapters.
type Service struct {
	registry  *adapter.Registry
	store     accountstore.Store
	providers map[string]map[string]any
	settings  Settings
	now       func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	adapterMu sync.Mutex
	adapters  map[uuid.UUID]adapter.ProviderAdapter
}

// New constructs a Service. providerConfigs carries per-provider base
// configuration (credentials, endpoints) keyed by canonical provider name,
// typically built from config.BuildProviderSpecs.
func New(registry *adapter.Registry, store accountstore.Store, providerConfigs map[string]map[string]any, settings Settings, opts ...Option) *Service {
	s := &Service{
		registry:  registry,
		store:     store,
		providers: providerConfigs,
		settings:  settings.withDefaults(),
		now:       time.Now,
		inflight:  make(map[uuid.UUID]struct{}),
		adapters:  make(map[uuid.UUID]adapter.ProviderAdapter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect links a new brokerage account: constructs the adapter, verifies the
// credential, fetches the provider profile, and persists the account row. An
// authentication failure leaves no account behind.
func (s *Service) Connect(ctx context.Context, providerName string, credentials map[string]any) (schema.Account, error) {
	ad, err := s.registry.Create(ctx, providerName, credentials)
	if err != nil {
		return schema.Account{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.FetchTimeout)
	defer cancel()

	if err := ad.Authenticate(callCtx); err != nil {
		closeAdapter(ad)
		return schema.Account{}, errs.AsE(ad.Name(), err)
	}
	info, err := ad.AccountInfo(callCtx)
	if err != nil {
		closeAdapter(ad)
		return schema.Account{}, errs.AsE(ad.Name(), err)
	}

	existing, found, err := s.store.Accounts().FindByProviderExternalID(ctx, ad.Name(), info.ExternalID)
	if err != nil {
		closeAdapter(ad)
		return schema.Account{}, err
	}
	if found {
		closeAdapter(ad)
		return existing, errs.New(ad.Name(), errs.CodeConflict,
			errs.WithMessage("account already linked"))
	}

	var token schema.Token
	if rotator, ok := ad.(adapter.TokenRotator); ok {
		token = rotator.Token()
	}

	now := s.now()
	account := schema.Account{
		ID:         uuid.New(),
		Provider:   ad.Name(),
		ExternalID: info.ExternalID,
		Name:       info.Name,
		Currency:   info.Currency,
		Status:     schema.AccountConnected,
		Token:      token,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Accounts().Create(ctx, account); err != nil {
		closeAdapter(ad)
		return schema.Account{}, err
	}

	s.adapterMu.Lock()
	s.adapters[account.ID] = ad
	s.adapterMu.Unlock()

	observability.Log().Info("account linked",
		observability.Field{Key: "provider", Value: account.Provider},
		observability.Field{Key: "account_id", Value: account.ID.String()})
	observability.Telemetry().IncCounter("custos_accounts_linked_total", 1,
		map[string]string{"provider": account.Provider})

	return account, nil
}

// Sync refreshes one account from its provider. At most one sync per account
// runs at a time; a concurrent call is rejected immediately with a conflict.
func (s *Service) Sync(ctx context.Context, accountID uuid.UUID, force bool) (schema.SyncReport, error) {
	report := schema.SyncReport{AccountID: accountID, StartedAt: s.now()}

	if !s.acquire(accountID) {
		return report, errs.New("syncer", errs.CodeConflict,
			errs.WithMessage("sync already in progress for account"))
	}
	defer s.release(accountID)

	account, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		report.FinishedAt = s.now()
		return report, err
	}
	if account.Status == schema.AccountDisconnected {
		report.FinishedAt = s.now()
		return report, errs.New(account.Provider, errs.CodeInvalid,
			errs.WithMessage("account is disconnected"))
	}

	now := s.now()
	if !force && account.LastSync != nil && now.Sub(*account.LastSync) < s.settings.MinInterval {
		observability.Log().Debug("sync skipped below minimum interval",
			observability.Field{Key: "account_id", Value: accountID.String()})
		report.FinishedAt = s.now()
		return report, nil
	}

	ad, err := s.adapterFor(ctx, account)
	if err != nil {
		e := errs.AsE(account.Provider, err)
		report.Errors = append(report.Errors, e)
		report.FinishedAt = s.now()
		s.recordFailure(ctx, account, e)
		return report, e
	}

	authCtx, cancel := context.WithTimeout(ctx, s.settings.FetchTimeout)
	authErr := ad.Authenticate(authCtx)
	cancel()
	if authErr != nil {
		e := errs.AsE(account.Provider, authErr)
		report.Errors = append(report.Errors, e)
		report.FinishedAt = s.now()
		s.recordFailure(ctx, account, e)
		s.evict(accountID)
		return report, e
	}
	s.persistRotatedToken(ctx, account, ad)

	var since time.Time
	if account.LastSync != nil {
		since = account.LastSync.Add(-s.settings.OverlapWindow)
	}

	var (
		balance   schema.Balance
		balErr    error
		positions []schema.Position
		posErr    error
		fetched   []schema.Transaction
		txErr     error
	)
	var wg conc.WaitGroup
	wg.Go(func() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.settings.FetchTimeout)
		defer cancel()
		balance, balErr = ad.Balance(fetchCtx)
	})
	wg.Go(func() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.settings.FetchTimeout)
		defer cancel()
		positions, posErr = ad.Portfolio(fetchCtx)
	})
	wg.Go(func() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.settings.FetchTimeout)
		defer cancel()
		fetched, txErr = ad.Transactions(fetchCtx, since, now)
	})
	wg.Wait()

	for _, branch := range []struct {
		op  string
		err error
	}{
		{"balance", balErr},
		{"portfolio", posErr},
		{"transactions", txErr},
	} {
		if branch.err == nil {
			continue
		}
		e := errs.AsE(account.Provider, branch.err)
		report.Errors = append(report.Errors, e)
		observability.Log().Warn("provider fetch failed",
			observability.Field{Key: "provider", Value: account.Provider},
			observability.Field{Key: "operation", Value: branch.op},
			observability.Field{Key: "error", Value: e.Error()})
		observability.Telemetry().IncCounter("custos_provider_fetch_errors_total", 1,
			map[string]string{"provider": account.Provider, "operation": branch.op, "error_type": string(e.Code)})
	}

	var newTransactions []schema.Transaction
	if txErr == nil {
		stored, idErr := s.store.Transactions().ExternalIDs(ctx, accountID)
		if idErr != nil {
			txErr = idErr
			report.Errors = append(report.Errors, errs.AsE(account.Provider, idErr))
		} else {
			newTransactions = dedupTransactions(fetched, stored)
		}
	}

	status := s.statusAfterSync(account, now, report)
	persistErr := s.store.WithTransaction(ctx, func(ctx context.Context, tx accountstore.Tx) error {
		if balErr == nil {
			update := accountstore.BalanceUpdate{
				AccountID:   accountID,
				Cash:        balance.Cash,
				Total:       balance.Total,
				BuyingPower: balance.BuyingPower,
			}
			if err := tx.UpdateBalances(ctx, update); err != nil {
				return err
			}
		}
		if posErr == nil {
			if err := tx.ReplacePositions(ctx, accountID, positions); err != nil {
				return err
			}
		}
		if txErr == nil && len(newTransactions) > 0 {
			if err := tx.InsertTransactions(ctx, accountID, newTransactions); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, status)
	})
	if persistErr != nil {
		e := errs.AsE(account.Provider, persistErr)
		report.Errors = append(report.Errors, e)
		report.FinishedAt = s.now()
		return report, e
	}

	if posErr == nil {
		report.PositionCount = len(positions)
	}
	report.NewTransactionCount = len(newTransactions)
	report.FinishedAt = s.now()

	result := "success"
	if report.Failed() {
		result = "partial"
	}
	labels := map[string]string{"provider": account.Provider, "result": result}
	observability.Telemetry().IncCounter("custos_sync_total", 1, labels)
	observability.Telemetry().ObserveHistogram("custos_sync_duration_ms",
		float64(report.FinishedAt.Sub(report.StartedAt).Milliseconds()), labels)
	observability.Telemetry().ObserveHistogram("custos_sync_new_transactions",
		float64(report.NewTransactionCount), map[string]string{"provider": account.Provider})
	observability.Log().Info("account synced",
		observability.Field{Key: "account_id", Value: accountID.String()},
		observability.Field{Key: "positions", Value: report.PositionCount},
		observability.Field{Key: "new_transactions", Value: report.NewTransactionCount},
		observability.Field{Key: "errors", Value: len(report.Errors)})

	return report, nil
}

// Portfolio reads the stored position snapshot for an account.
func (s *Service) Portfolio(ctx context.Context, accountID uuid.UUID) ([]schema.Position, error) {
	return s.store.Positions().ListByAccount(ctx, accountID)
}

// Transactions reads stored transactions for an account.
func (s *Service) Transactions(ctx context.Context, accountID uuid.UUID, filter schema.TransactionFilter) ([]schema.Transaction, error) {
	return s.store.Transactions().ListByAccount(ctx, accountID, filter)
}

// Disconnect soft-deletes the link: the account row is kept with status
// disconnected and the cached adapter is closed.
func (s *Service) Disconnect(ctx context.Context, accountID uuid.UUID) error {
	account, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	update := accountstore.StatusUpdate{
		AccountID:  accountID,
		Status:     schema.AccountDisconnected,
		ErrorCount: account.ErrorCount,
		LastError:  account.LastError,
	}
	if err := s.store.Accounts().UpdateStatus(ctx, update); err != nil {
		return err
	}
	s.evict(accountID)
	observability.Log().Info("account disconnected",
		observability.Field{Key: "account_id", Value: accountID.String()})
	return nil
}

// Close releases every cached adapter.
func (s *Service) Close() {
	s.adapterMu.Lock()
	adapters := s.adapters
	s.adapters = make(map[uuid.UUID]adapter.ProviderAdapter)
	s.adapterMu.Unlock()
	for _, ad := range adapters {
		closeAdapter(ad)
	}
}

func (s *Service) acquire(accountID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[accountID]; busy {
		return false
	}
	s.inflight[accountID] = struct{}{}
	return true
}

func (s *Service) release(accountID uuid.UUID) {
	s.mu.Lock()
	delete(s.inflight, accountID)
	s.mu.Unlock()
}

// adapterFor returns the cached adapter for the account, constructing one from
// the provider's configured base settings overlaid with the stored token.
func (s *Service) adapterFor(ctx context.Context, account schema.Account) (adapter.ProviderAdapter, error) {
	s.adapterMu.Lock()
	if ad, ok := s.adapters[account.ID]; ok {
		s.adapterMu.Unlock()
		return ad, nil
	}
	s.adapterMu.Unlock()

	config := make(map[string]any)
	for key, value := range s.providers[strings.ToLower(account.Provider)] {
		config[key] = value
	}
	if account.Token.Access != "" {
		config["access_token"] = account.Token.Access
	}
	if account.Token.Refresh != "" {
		config["refresh_token"] = account.Token.Refresh
	}

	ad, err := s.registry.Create(ctx, account.Provider, config)
	if err != nil {
		return nil, err
	}

	s.adapterMu.Lock()
	if cached, ok := s.adapters[account.ID]; ok {
		s.adapterMu.Unlock()
		closeAdapter(ad)
		return cached, nil
	}
	s.adapters[account.ID] = ad
	s.adapterMu.Unlock()
	return ad, nil
}

func (s *Service) evict(accountID uuid.UUID) {
	s.adapterMu.Lock()
	ad, ok := s.adapters[accountID]
	delete(s.adapters, accountID)
	s.adapterMu.Unlock()
	if ok {
		closeAdapter(ad)
	}
}

// recordFailure applies auth-failure bookkeeping: status error, error count
// incremented, last error recorded. No other writes happen in this cycle.
func (s *Service) recordFailure(ctx context.Context, account schema.Account, e *errs.E) {
	update := accountstore.StatusUpdate{
		AccountID:  account.ID,
		Status:     schema.AccountError,
		ErrorCount: account.ErrorCount + 1,
		LastError:  e.Error(),
	}
	if err := s.store.Accounts().UpdateStatus(ctx, update); err != nil {
		observability.Log().Error("status bookkeeping failed",
			observability.Field{Key: "account_id", Value: account.ID.String()},
			observability.Field{Key: "error", Value: err.Error()})
	}
	observability.Telemetry().IncCounter("custos_sync_total", 1,
		map[string]string{"provider": account.Provider, "result": "auth_failure"})
}

// statusAfterSync computes the step-5 bookkeeping: full success resets the
// error counters; partial failure keeps the account connected but records the
// first branch error.
func (s *Service) statusAfterSync(account schema.Account, now time.Time, report schema.SyncReport) accountstore.StatusUpdate {
	update := accountstore.StatusUpdate{
		AccountID: account.ID,
		Status:    schema.AccountConnected,
		LastSync:  &now,
	}
	if report.Failed() {
		update.ErrorCount = account.ErrorCount
		update.LastError = report.Errors[0].Error()
	}
	return update
}

func (s *Service) persistRotatedToken(ctx context.Context, account schema.Account, ad adapter.ProviderAdapter) {
	rotator, ok := ad.(adapter.TokenRotator)
	if !ok {
		return
	}
	token := rotator.Token()
	if token == account.Token || (token.Access == "" && token.Refresh == "") {
		return
	}
	if err := s.store.Accounts().UpdateToken(ctx, account.ID, token); err != nil {
		observability.Log().Warn("token rotation persist failed",
			observability.Field{Key: "account_id", Value: account.ID.String()},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// dedupTransactions returns the fetched rows whose external ids are neither
// stored nor repeated within the batch, preserving fetch order.
func dedupTransactions(fetched []schema.Transaction, stored map[string]struct{}) []schema.Transaction {
	if len(fetched) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fetched))
	out := make([]schema.Transaction, 0, len(fetched))
	for _, transaction := range fetched {
		id := transaction.ExternalID
		if id == "" {
			continue
		}
		if _, ok := stored[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, transaction)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func closeAdapter(ad adapter.ProviderAdapter) {
	if err := ad.Close(); err != nil {
		observability.Log().Debug("adapter close",
			observability.Field{Key: "provider", Value: ad.Name()},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
