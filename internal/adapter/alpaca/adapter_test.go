package alpaca

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/schema"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	instance, err := New(context.Background(), map[string]any{
		"api_key":    "key",
		"api_secret": "secret",
		"base_url":   server.URL,
	})
	if err != nil {
		t.Fatalf("construct adapter: %v", err)
	}
	return instance.(*Adapter)
}

func TestAuthenticateSendsKeyHeaders(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("APCA-API-KEY-ID") != "key" || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"acct-1","status":"ACTIVE"}`))
	}))

	if err := adapter.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errs.Code
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: errs.CodeAuth},
		{name: "forbidden", status: http.StatusForbidden, want: errs.CodeAuth},
		{name: "throttled", status: http.StatusTooManyRequests, want: errs.CodeRateLimited},
		{name: "server error", status: http.StatusBadGateway, want: errs.CodeUnreachable},
		{name: "client error", status: http.StatusUnprocessableEntity, want: errs.CodeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			err := adapter.Authenticate(context.Background())
			if !errs.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestBalanceDegradesUnparseableFields(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"acct-1","cash":"N/A","equity":"25000.10","buying_power":""}`))
	}))

	balance, err := adapter.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cash != nil {
		t.Fatalf("unparseable cash must degrade to nil, got %s", balance.Cash)
	}
	if balance.Total == nil || balance.Total.String() != "25000.1" {
		t.Fatalf("expected equity 25000.1, got %v", balance.Total)
	}
	if balance.BuyingPower != nil {
		t.Fatalf("empty buying power must degrade to nil, got %s", balance.BuyingPower)
	}
}

func TestPortfolioSkipsUnkeyableRows(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"AAPL","qty":"10","avg_entry_price":"150.00","current_price":"155.25","market_value":"1552.50","unrealized_pl":"52.50","unrealized_plpc":"0.035"},
			{"symbol":"","qty":"5","avg_entry_price":"10"},
			{"symbol":"MSFT","qty":"bad","avg_entry_price":"300"},
			{"symbol":"NVDA","qty":"2","avg_entry_price":"900","current_price":"n/a"}
		]`))
	}))

	positions, err := adapter.Portfolio(context.Background())
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 usable rows, got %d", len(positions))
	}
	if positions[0].Symbol != "AAPL" || positions[0].Quantity.String() != "10" {
		t.Fatalf("unexpected first position %+v", positions[0])
	}
	if positions[0].MarketValue == nil || positions[0].MarketValue.String() != "1552.5" {
		t.Fatalf("expected market value 1552.5, got %v", positions[0].MarketValue)
	}
	if positions[1].Symbol != "NVDA" || positions[1].CurrentPrice != nil {
		t.Fatalf("bad current price should degrade to nil: %+v", positions[1])
	}
}

func TestTransactionsNormalization(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" || r.URL.Query().Get("until") == "" {
			t.Errorf("expected range parameters, got %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[
			{"id":"T1","activity_type":"FILL","side":"buy","symbol":"AAPL","qty":"10","price":"150","transaction_time":"2024-03-01T10:30:00Z"},
			{"id":"T2","activity_type":"DIV","symbol":"AAPL","net_amount":"2.40","date":"2024-03-02"},
			{"id":"T3","activity_type":"CSD","net_amount":"1000","date":"2024-03-03"},
			{"id":"","activity_type":"CSD","net_amount":"5","date":"2024-03-03"},
			{"id":"T4","activity_type":"OPTION_EXERCISE","date":"2024-03-03"}
		]`))
	}))

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	transactions, err := adapter.Transactions(context.Background(), since, until)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 3 {
		t.Fatalf("expected 3 normalized rows, got %d", len(transactions))
	}

	buy := transactions[0]
	if buy.Type != schema.TransactionBuy || buy.Symbol != "AAPL" {
		t.Fatalf("unexpected fill normalization %+v", buy)
	}
	if buy.Amount.String() != "-1500" {
		t.Fatalf("buy amount should be negative cost, got %s", buy.Amount)
	}

	dividend := transactions[1]
	if dividend.Type != schema.TransactionDividend || dividend.Amount.String() != "2.4" {
		t.Fatalf("unexpected dividend normalization %+v", dividend)
	}

	deposit := transactions[2]
	if deposit.Type != schema.TransactionDeposit || deposit.Symbol != "" {
		t.Fatalf("cash events carry no symbol: %+v", deposit)
	}
}

func TestMalformedBodyReportsMalformed(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<!doctype html>`))
	}))

	_, err := adapter.Balance(context.Background())
	if !errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected malformed_response, got %v", err)
	}
}
