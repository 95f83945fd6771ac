// Package ibgw implements the provider adapter for the IB-style gateway,
// whose only transport is a persistent duplex socket carrying asynchronous,
// id-tagged frames.
package ibgw

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/adapter"
	"github.com/coachpo/custos/internal/duplex"
	"github.com/coachpo/custos/internal/schema"
)

const (
	// ProviderName is the canonical registry key for this adapter.
	ProviderName = "ibgw"

	defaultGatewayURL = "wss://gateway.ib.example.com/ws"

	methodLogin        = "session.login"
	methodProfile      = "account.profile"
	methodBalance      = "account.balance"
	methodPositions    = "positions.snapshot"
	methodTransactions = "activity.range"

	// The gateway caps control traffic per connection; pace writes the same
	// way provider stream subscriptions are paced.
	gatewayWriteRate  = 4.0
	gatewayWriteBurst = 4
)

// conn is the correlation surface the adapter issues requests through.
// *duplex.Conn satisfies it; tests substitute a scripted fake.
type conn interface {
	Call(ctx context.Context, method string, payload any) ([]byte, error)
	CallStream(ctx context.Context, method string, payload any) ([][]byte, error)
	Close() error
}

// Adapter integrates the gateway's socket protocol.
type Adapter struct {
	username string
	password string
	conn     conn

	mu    sync.Mutex
	token schema.Token
}

var (
	_ adapter.ProviderAdapter = (*Adapter)(nil)
	_ adapter.TokenRotator    = (*Adapter)(nil)
)

// Descriptor returns the registry descriptor for the gateway provider.
func Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Schema: adapter.ConfigSchema{
			AuthMethod: "session",
			Required: []adapter.Field{
				{Name: "username", Description: "gateway login"},
				{Name: "password", Description: "gateway password", Secret: true},
			},
			Optional: []adapter.Field{
				{Name: "gateway_url", Description: "websocket endpoint override"},
			},
		},
		New: New,
	}
}

// New constructs the adapter and establishes its persistent connection.
func New(ctx context.Context, config map[string]any) (adapter.ProviderAdapter, error) {
	username, _ := config["username"].(string)
	password, _ := config["password"].(string)
	gatewayURL := defaultGatewayURL
	if override, ok := config["gateway_url"].(string); ok && strings.TrimSpace(override) != "" {
		gatewayURL = strings.TrimSpace(override)
	}

	c := duplex.NewConn(ProviderName, duplex.WebsocketDialer(gatewayURL),
		duplex.WithWriteRate(gatewayWriteRate, gatewayWriteBurst))
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return newWithConn(username, password, c), nil
}

func newWithConn(username, password string, c conn) *Adapter {
	return &Adapter{
		username: strings.TrimSpace(username),
		password: strings.TrimSpace(password),
		conn:     c,
	}
}

// Name reports the canonical provider name.
func (a *Adapter) Name() string { return ProviderName }

// Close tears down the persistent connection.
func (a *Adapter) Close() error { return a.conn.Close() }

// Token returns the most recently rotated session token.
func (a *Adapter) Token() schema.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Authenticate performs the session login exchange and rotates the stored
// token from the reply.
func (a *Adapter) Authenticate(ctx context.Context) error {
	reply, err := a.conn.Call(ctx, methodLogin, loginRequest{
		Username: a.username,
		Password: a.password,
	})
	if err != nil {
		return err
	}
	var payload loginReply
	if err := json.Unmarshal(reply, &payload); err != nil {
		return errs.New(ProviderName, errs.CodeMalformed,
			errs.WithMessage("decode login reply"), errs.WithCause(err))
	}
	if strings.TrimSpace(payload.SessionToken) == "" {
		return errs.New(ProviderName, errs.CodeAuth, errs.WithMessage("login reply without session token"))
	}

	token := schema.Token{
		Access:    strings.TrimSpace(payload.SessionToken),
		Refresh:   strings.TrimSpace(payload.RefreshToken),
		ExpiresAt: schema.ParseTime(payload.ExpiresAt),
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return nil
}

// AccountInfo fetches the gateway account profile.
func (a *Adapter) AccountInfo(ctx context.Context) (schema.AccountInfo, error) {
	reply, err := a.conn.Call(ctx, methodProfile, nil)
	if err != nil {
		return schema.AccountInfo{}, err
	}
	var payload profileReply
	if err := json.Unmarshal(reply, &payload); err != nil {
		return schema.AccountInfo{}, errs.New(ProviderName, errs.CodeMalformed,
			errs.WithMessage("decode profile reply"), errs.WithCause(err))
	}
	return schema.AccountInfo{
		ExternalID: strings.TrimSpace(payload.AccountID),
		Name:       strings.TrimSpace(payload.Name),
		Currency:   strings.ToUpper(strings.TrimSpace(payload.Currency)),
		Kind:       strings.ToLower(strings.TrimSpace(payload.Kind)),
	}, nil
}

// Balance fetches the balance snapshot. Unparseable monetary fields degrade
// to nil and never abort the call.
func (a *Adapter) Balance(ctx context.Context) (schema.Balance, error) {
	reply, err := a.conn.Call(ctx, methodBalance, nil)
	if err != nil {
		return schema.Balance{}, err
	}
	var payload balanceReply
	if err := json.Unmarshal(reply, &payload); err != nil {
		return schema.Balance{}, errs.New(ProviderName, errs.CodeMalformed,
			errs.WithMessage("decode balance reply"), errs.WithCause(err))
	}
	return schema.Balance{
		Cash:        schema.ParseDecimal(payload.Cash),
		Total:       schema.ParseDecimal(payload.NetLiquidation),
		BuyingPower: schema.ParseDecimal(payload.BuyingPower),
	}, nil
}

// Portfolio fetches the position snapshot, which the gateway emits as one
// partial frame per holding followed by an end-of-stream frame.
func (a *Adapter) Portfolio(ctx context.Context) ([]schema.Position, error) {
	frames, err := a.conn.CallStream(ctx, methodPositions, nil)
	if err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(frames))
	for _, frame := range frames {
		var payload positionFrame
		if err := json.Unmarshal(frame, &payload); err != nil {
			// One undecodable frame degrades that holding, not the snapshot.
			continue
		}
		position, ok := payload.normalize()
		if !ok {
			continue
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// Transactions fetches account activity within [since, until].
func (a *Adapter) Transactions(ctx context.Context, since, until time.Time) ([]schema.Transaction, error) {
	reply, err := a.conn.Call(ctx, methodTransactions, activityRequest{
		From: since.UTC().Format(time.RFC3339),
		To:   until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	var payload activityReply
	if err := json.Unmarshal(reply, &payload); err != nil {
		return nil, errs.New(ProviderName, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("decode %s reply", methodTransactions)), errs.WithCause(err))
	}
	transactions := make([]schema.Transaction, 0, len(payload.Items))
	for _, item := range payload.Items {
		txn, ok := item.normalize()
		if !ok {
			continue
		}
		transactions = append(transactions, txn)
	}
	return transactions, nil
}
