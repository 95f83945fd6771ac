package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/adapter"
	"github.com/coachpo/custos/internal/domain/accountstore"
	"github.com/coachpo/custos/internal/schema"
)

type stubAdapter struct {
	mu sync.Mutex

	name         string
	info         schema.AccountInfo
	balance      schema.Balance
	positions    []schema.Position
	transactions []schema.Transaction

	authErr error
	balErr  error
	posErr  error
	txErr   error

	authGate    chan struct{}
	authStarted chan struct{}

	authCalls int
	balCalls  int
	posCalls  int
	txCalls   int
	closed    bool
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	s.authCalls++
	started := s.authStarted
	gate := s.authGate
	err := s.authErr
	s.mu.Unlock()
	if started != nil {
		close(started)
		s.mu.Lock()
		s.authStarted = nil
		s.mu.Unlock()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *stubAdapter) AccountInfo(context.Context) (schema.AccountInfo, error) {
	return s.info, nil
}

func (s *stubAdapter) Portfolio(context.Context) ([]schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posCalls++
	return s.positions, s.posErr
}

func (s *stubAdapter) Transactions(context.Context, time.Time, time.Time) ([]schema.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalls++
	return s.transactions, s.txErr
}

func (s *stubAdapter) Balance(context.Context) (schema.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balCalls++
	return s.balance, s.balErr
}

func (s *stubAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memStore is an in-memory accountstore.Store; WithTransaction applies
// mutations directly, which is atomic enough for single-threaded tests.
type memStore struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]schema.Account
	positions    map[uuid.UUID][]schema.Position
	transactions map[uuid.UUID][]schema.Transaction

	balanceWrites  int
	positionWrites int
	txWrites       int
}

func newMemStore() *memStore {
	return &memStore{
		accounts:     make(map[uuid.UUID]schema.Account),
		positions:    make(map[uuid.UUID][]schema.Position),
		transactions: make(map[uuid.UUID][]schema.Transaction),
	}
}

func (m *memStore) Accounts() accountstore.AccountRepository   { return m }
func (m *memStore) Positions() accountstore.PositionRepository { return (*memPositions)(m) }
func (m *memStore) Transactions() accountstore.TransactionRepository {
	return (*memTransactions)(m)
}

func (m *memStore) WithTransaction(ctx context.Context, fn func(context.Context, accountstore.Tx) error) error {
	return fn(ctx, m)
}

func (m *memStore) Create(_ context.Context, account schema.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (schema.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return schema.Account{}, errs.New("memstore", errs.CodeInvalid, errs.WithMessage("account not found"))
	}
	return account, nil
}

func (m *memStore) FindByProviderExternalID(_ context.Context, provider, externalID string) (schema.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.Provider == provider && account.ExternalID == externalID {
			return account, true, nil
		}
	}
	return schema.Account{}, false, nil
}

func (m *memStore) ListByStatus(_ context.Context, status schema.AccountStatus) ([]schema.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Account
	for _, account := range m.accounts {
		if account.Status == status {
			out = append(out, account)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, update accountstore.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[update.AccountID]
	if !ok {
		return errs.New("memstore", errs.CodeInvalid, errs.WithMessage("account not found"))
	}
	account.Status = update.Status
	if update.LastSync != nil {
		account.LastSync = update.LastSync
	}
	account.ErrorCount = update.ErrorCount
	account.LastError = update.LastError
	m.accounts[update.AccountID] = account
	return nil
}

func (m *memStore) UpdateToken(_ context.Context, id uuid.UUID, token schema.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return errs.New("memstore", errs.CodeInvalid, errs.WithMessage("account not found"))
	}
	account.Token = token
	m.accounts[id] = account
	return nil
}

type memPositions memStore

func (m *memPositions) ListByAccount(_ context.Context, accountID uuid.UUID) ([]schema.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.Position(nil), m.positions[accountID]...), nil
}

type memTransactions memStore

func (m *memTransactions) ListByAccount(_ context.Context, accountID uuid.UUID, _ schema.TransactionFilter) ([]schema.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.Transaction(nil), m.transactions[accountID]...), nil
}

func (m *memTransactions) ExternalIDs(_ context.Context, accountID uuid.UUID) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{})
	for _, transaction := range m.transactions[accountID] {
		ids[transaction.ExternalID] = struct{}{}
	}
	return ids, nil
}

func (m *memStore) UpdateBalances(_ context.Context, update accountstore.BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[update.AccountID]
	if !ok {
		return errs.New("memstore", errs.CodeInvalid, errs.WithMessage("account not found"))
	}
	account.CashBalance = update.Cash
	account.TotalValue = update.Total
	account.BuyingPower = update.BuyingPower
	m.accounts[update.AccountID] = account
	m.balanceWrites++
	return nil
}

func (m *memStore) ReplacePositions(_ context.Context, accountID uuid.UUID, positions []schema.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[accountID] = append([]schema.Position(nil), positions...)
	m.positionWrites++
	return nil
}

func (m *memStore) InsertTransactions(_ context.Context, accountID uuid.UUID, transactions []schema.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[accountID] = append(m.transactions[accountID], transactions...)
	m.txWrites++
	return nil
}

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	require.NoError(t, err)
	return parsed
}

func newFixture(t *testing.T, stub *stubAdapter, store *memStore, settings Settings) *Service {
	t.Helper()
	registry := adapter.NewRegistry()
	registry.Register(stub.name, adapter.Descriptor{
		Schema: adapter.ConfigSchema{AuthMethod: "token"},
		New: func(context.Context, map[string]any) (adapter.ProviderAdapter, error) {
			return stub, nil
		},
	})
	configs := map[string]map[string]any{stub.name: {}}
	return New(registry, store, configs, settings)
}

func seedAccount(store *memStore, provider string, lastSync *time.Time) schema.Account {
	account := schema.Account{
		ID:         uuid.New(),
		Provider:   provider,
		ExternalID: "ext-1",
		Status:     schema.AccountConnected,
		LastSync:   lastSync,
	}
	store.accounts[account.ID] = account
	return account
}

func TestConnectCreatesAccount(t *testing.T) {
	stub := &stubAdapter{
		name: "stub",
		info: schema.AccountInfo{ExternalID: "ext-1", Name: "Brokerage", Currency: "USD"},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})

	account, err := service.Connect(context.Background(), "stub", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "stub", account.Provider)
	require.Equal(t, "ext-1", account.ExternalID)
	require.Equal(t, schema.AccountConnected, account.Status)
	require.Len(t, store.accounts, 1)
}

func TestConnectAuthFailureLeavesNoAccount(t *testing.T) {
	stub := &stubAdapter{
		name:    "stub",
		authErr: errs.New("stub", errs.CodeAuth, errs.WithMessage("bad key")),
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})

	_, err := service.Connect(context.Background(), "stub", map[string]any{})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Empty(t, store.accounts)
	require.True(t, stub.closed)
}

func TestConnectDuplicateAccountConflicts(t *testing.T) {
	stub := &stubAdapter{
		name: "stub",
		info: schema.AccountInfo{ExternalID: "ext-1"},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})

	_, err := service.Connect(context.Background(), "stub", map[string]any{})
	require.NoError(t, err)
	_, err = service.Connect(context.Background(), "stub", map[string]any{})
	require.True(t, errs.Is(err, errs.CodeConflict))
	require.Len(t, store.accounts, 1)
}

func TestSyncPositionReplaceScenario(t *testing.T) {
	stub := &stubAdapter{
		name: "stub",
		positions: []schema.Position{
			{Symbol: "AAPL", Quantity: dec(t, "10"), AveragePrice: dec(t, "150")},
		},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)
	store.positions[account.ID] = []schema.Position{
		{Symbol: "AAPL", Quantity: dec(t, "8"), AveragePrice: dec(t, "140")},
	}

	report, err := service.Sync(context.Background(), account.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.PositionCount)

	stored := store.positions[account.ID]
	require.Len(t, stored, 1)
	require.Equal(t, "AAPL", stored[0].Symbol)
	require.True(t, stored[0].Quantity.Equal(dec(t, "10")))
	require.True(t, stored[0].AveragePrice.Equal(dec(t, "150")))
}

func TestSyncTransactionDedup(t *testing.T) {
	stub := &stubAdapter{
		name: "stub",
		transactions: []schema.Transaction{
			{ExternalID: "T1", Type: schema.TransactionBuy, Amount: dec(t, "-100"), Date: time.Now()},
			{ExternalID: "T2", Type: schema.TransactionSell, Amount: dec(t, "200"), Date: time.Now()},
		},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)
	store.transactions[account.ID] = []schema.Transaction{
		{ExternalID: "T1", Type: schema.TransactionBuy, Amount: dec(t, "-999"), Date: time.Now()},
	}

	report, err := service.Sync(context.Background(), account.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.NewTransactionCount)
	require.Len(t, store.transactions[account.ID], 2)

	// The stored T1 row is untouched even though the provider copy differed.
	require.True(t, store.transactions[account.ID][0].Amount.Equal(dec(t, "-999")))
}

func TestSyncIdempotence(t *testing.T) {
	stub := &stubAdapter{
		name: "stub",
		positions: []schema.Position{
			{Symbol: "MSFT", Quantity: dec(t, "3"), AveragePrice: dec(t, "310")},
		},
		transactions: []schema.Transaction{
			{ExternalID: "T1", Type: schema.TransactionBuy, Amount: dec(t, "-930"), Date: time.Now()},
		},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)

	first, err := service.Sync(context.Background(), account.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, first.NewTransactionCount)

	second, err := service.Sync(context.Background(), account.ID, true)
	require.NoError(t, err)
	require.Equal(t, 0, second.NewTransactionCount)
	require.Len(t, store.positions[account.ID], 1)
	require.Len(t, store.transactions[account.ID], 1)
}

func TestSyncMalformedBalanceTolerance(t *testing.T) {
	stub := &stubAdapter{
		name:   "stub",
		balErr: errs.New("stub", errs.CodeMalformed, errs.WithMessage("cash balance unparseable")),
		positions: []schema.Position{
			{Symbol: "AAPL", Quantity: dec(t, "1"), AveragePrice: dec(t, "100")},
		},
		transactions: []schema.Transaction{
			{ExternalID: "T9", Type: schema.TransactionDeposit, Amount: dec(t, "500"), Date: time.Now()},
		},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)

	report, err := service.Sync(context.Background(), account.ID, true)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.Equal(t, errs.CodeMalformed, report.Errors[0].Code)

	// Balance untouched, everything else committed, account still connected.
	require.Equal(t, 0, store.balanceWrites)
	require.Len(t, store.positions[account.ID], 1)
	require.Len(t, store.transactions[account.ID], 1)
	require.Equal(t, schema.AccountConnected, store.accounts[account.ID].Status)
	require.NotNil(t, store.accounts[account.ID].LastSync)
}

func TestSyncAuthFailureBookkeeping(t *testing.T) {
	stub := &stubAdapter{
		name:    "stub",
		authErr: errs.New("stub", errs.CodeAuth, errs.WithMessage("expired session")),
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)

	report, err := service.Sync(context.Background(), account.ID, true)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Len(t, report.Errors, 1)

	updated := store.accounts[account.ID]
	require.Equal(t, schema.AccountError, updated.Status)
	require.Equal(t, 1, updated.ErrorCount)
	require.NotEmpty(t, updated.LastError)
	require.Nil(t, updated.LastSync)

	// No downstream writes occur after an authentication failure.
	require.Equal(t, 0, store.balanceWrites)
	require.Equal(t, 0, store.positionWrites)
	require.Equal(t, 0, store.txWrites)
	require.Equal(t, 0, stub.balCalls+stub.posCalls+stub.txCalls)
}

func TestSyncExclusivity(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	stub := &stubAdapter{
		name:        "stub",
		authGate:    gate,
		authStarted: started,
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := service.Sync(context.Background(), account.ID, true)
		errCh <- err
	}()
	<-started

	_, err := service.Sync(context.Background(), account.ID, true)
	require.True(t, errs.Is(err, errs.CodeConflict))

	close(gate)
	require.NoError(t, <-errCh)
}

func TestSyncMinIntervalSkipAndForce(t *testing.T) {
	stub := &stubAdapter{name: "stub"}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{MinInterval: 5 * time.Minute})
	recent := time.Now().Add(-time.Minute)
	account := seedAccount(store, "stub", &recent)

	report, err := service.Sync(context.Background(), account.ID, false)
	require.NoError(t, err)
	require.Empty(t, report.Errors)
	require.Equal(t, 0, stub.authCalls)
	require.Equal(t, 0, store.positionWrites)

	_, err = service.Sync(context.Background(), account.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, stub.authCalls)
	require.Equal(t, 1, store.positionWrites)
}

func TestSyncDisconnectedAccountRejected(t *testing.T) {
	stub := &stubAdapter{name: "stub"}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})
	account := seedAccount(store, "stub", nil)
	record := store.accounts[account.ID]
	record.Status = schema.AccountDisconnected
	store.accounts[account.ID] = record

	_, err := service.Sync(context.Background(), account.ID, true)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Equal(t, 0, stub.authCalls)
}

func TestDisconnectSoftDeletesAndEvicts(t *testing.T) {
	stub := &stubAdapter{
		name: "stub",
		info: schema.AccountInfo{ExternalID: "ext-1"},
	}
	store := newMemStore()
	service := newFixture(t, stub, store, Settings{})

	account, err := service.Connect(context.Background(), "stub", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, service.Disconnect(context.Background(), account.ID))
	require.Equal(t, schema.AccountDisconnected, store.accounts[account.ID].Status)
	require.True(t, stub.closed)
}
