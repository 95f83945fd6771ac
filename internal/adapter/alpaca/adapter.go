// Package alpaca implements the provider adapter for the Alpaca brokerage
// REST API.
package alpaca

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/adapter"
	"github.com/coachpo/custos/internal/schema"
)

const (
	// ProviderName is the canonical registry key for this adapter.
	ProviderName = "alpaca"

	defaultBaseURL     = "https://paper-api.alpaca.markets"
	defaultHTTPTimeout = 15 * time.Second
	activityPageSize   = 100
)

// Adapter talks to the Alpaca trading REST endpoints.
type Adapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)

// Descriptor returns the registry descriptor for the Alpaca provider.
func Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Schema: adapter.ConfigSchema{
			AuthMethod: "api_key",
			Required: []adapter.Field{
				{Name: "api_key", Description: "Alpaca API key ID", Secret: true},
				{Name: "api_secret", Description: "Alpaca API secret", Secret: true},
			},
			Optional: []adapter.Field{
				{Name: "base_url", Description: "API endpoint override (paper vs live)"},
			},
		},
		New: New,
	}
}

// New constructs an Alpaca adapter from a validated configuration map.
func New(_ context.Context, config map[string]any) (adapter.ProviderAdapter, error) {
	apiKey, _ := config["api_key"].(string)
	apiSecret, _ := config["api_secret"].(string)
	baseURL := defaultBaseURL
	if override, ok := config["base_url"].(string); ok && strings.TrimSpace(override) != "" {
		baseURL = strings.TrimRight(strings.TrimSpace(override), "/")
	}
	return &Adapter{
		apiKey:    strings.TrimSpace(apiKey),
		apiSecret: strings.TrimSpace(apiSecret),
		baseURL:   baseURL,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// Name reports the canonical provider name.
func (a *Adapter) Name() string { return ProviderName }

// Close releases transport resources. Alpaca uses stateless HTTP, so there is
// nothing to tear down.
func (a *Adapter) Close() error { return nil }

// Authenticate verifies the key pair by fetching the account profile.
// Alpaca keys are static, so there is no token rotation.
func (a *Adapter) Authenticate(ctx context.Context) error {
	var payload accountPayload
	return a.get(ctx, "/v2/account", nil, &payload)
}

// AccountInfo fetches the provider-side account profile.
func (a *Adapter) AccountInfo(ctx context.Context) (schema.AccountInfo, error) {
	var payload accountPayload
	if err := a.get(ctx, "/v2/account", nil, &payload); err != nil {
		return schema.AccountInfo{}, err
	}
	name := strings.TrimSpace(payload.AccountNumber)
	if name == "" {
		name = strings.TrimSpace(payload.ID)
	}
	return schema.AccountInfo{
		ExternalID: strings.TrimSpace(payload.ID),
		Name:       name,
		Currency:   strings.ToUpper(strings.TrimSpace(payload.Currency)),
		Kind:       "brokerage",
	}, nil
}

// Balance fetches the current balance snapshot. Individual unparseable
// fields degrade to nil; they never abort the call.
func (a *Adapter) Balance(ctx context.Context) (schema.Balance, error) {
	var payload accountPayload
	if err := a.get(ctx, "/v2/account", nil, &payload); err != nil {
		return schema.Balance{}, err
	}
	return schema.Balance{
		Cash:        schema.ParseDecimal(payload.Cash),
		Total:       schema.ParseDecimal(payload.Equity),
		BuyingPower: schema.ParseDecimal(payload.BuyingPower),
	}, nil
}

// Portfolio fetches the authoritative position snapshot.
func (a *Adapter) Portfolio(ctx context.Context) ([]schema.Position, error) {
	var payload []positionPayload
	if err := a.get(ctx, "/v2/positions", nil, &payload); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(payload))
	for _, row := range payload {
		position, ok := row.normalize()
		if !ok {
			// A row without symbol/quantity/avg price cannot be keyed or
			// valued; skip it rather than failing the snapshot.
			continue
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// Transactions fetches account activities within [since, until].
func (a *Adapter) Transactions(ctx context.Context, since, until time.Time) ([]schema.Transaction, error) {
	params := url.Values{}
	params.Set("after", since.UTC().Format(time.RFC3339))
	params.Set("until", until.UTC().Format(time.RFC3339))
	params.Set("page_size", fmt.Sprintf("%d", activityPageSize))

	var payload []activityPayload
	if err := a.get(ctx, "/v2/account/activities", params, &payload); err != nil {
		return nil, err
	}
	transactions := make([]schema.Transaction, 0, len(payload))
	for _, row := range payload {
		txn, ok := row.normalize()
		if !ok {
			continue
		}
		transactions = append(transactions, txn)
	}
	return transactions, nil
}

func (a *Adapter) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := a.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.New(ProviderName, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return errs.New(ProviderName, errs.CodeUnreachable,
			errs.WithMessage(fmt.Sprintf("request %s", path)), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New(ProviderName, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("decode %s response", path)), errs.WithCause(err))
	}
	return nil
}

func classifyStatus(status int, body string) *errs.E {
	code := errs.CodeUnreachable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status == http.StatusTooManyRequests:
		code = errs.CodeRateLimited
	case status >= 400 && status < 500:
		code = errs.CodeMalformed
	}
	return errs.New(ProviderName, code, errs.WithHTTP(status), errs.WithRawMessage(body))
}
