package schema

import (
	"testing"
	"time"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
		nilOK bool
	}{
		{name: "plain string", value: "1523.75", want: "1523.75"},
		{name: "zero is valid", value: "0", want: "0"},
		{name: "negative", value: "-12.5", want: "-12.5"},
		{name: "padded", value: "  42.10 ", want: "42.1"},
		{name: "float", value: 3.5, want: "3.5"},
		{name: "int", value: 7, want: "7"},
		{name: "unparseable degrades to nil", value: "N/A", nilOK: true},
		{name: "empty string", value: "", nilOK: true},
		{name: "nil input", value: nil, nilOK: true},
		{name: "unsupported kind", value: []string{"x"}, nilOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDecimal(tt.value)
			if tt.nilOK {
				if got != nil {
					t.Fatalf("expected nil, got %s", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %s, got nil", tt.want)
			}
			if got.String() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseTimeOrderedLayouts(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
		nilOK bool
	}{
		{name: "rfc3339", value: "2024-03-01T10:30:00Z", want: "2024-03-01T10:30:00Z"},
		{name: "rfc3339 nano", value: "2024-03-01T10:30:00.123456789Z", want: "2024-03-01T10:30:00Z"},
		{name: "no zone", value: "2024-03-01T10:30:00", want: "2024-03-01T10:30:00Z"},
		{name: "space separated", value: "2024-03-01 10:30:00", want: "2024-03-01T10:30:00Z"},
		{name: "date only", value: "2024-03-01", want: "2024-03-01T00:00:00Z"},
		{name: "us style", value: "03/01/2024", want: "2024-03-01T00:00:00Z"},
		{name: "garbage degrades to nil", value: "yesterday", nilOK: true},
		{name: "empty", value: "  ", nilOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTime(tt.value)
			if tt.nilOK {
				if got != nil {
					t.Fatalf("expected nil, got %s", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %s, got nil", tt.want)
			}
			if got.Format(time.RFC3339) != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Format(time.RFC3339))
			}
		})
	}
}

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		raw  string
		want TransactionType
		ok   bool
	}{
		{raw: "BUY", want: TransactionBuy, ok: true},
		{raw: "fill_sell", want: TransactionSell, ok: true},
		{raw: "DIV", want: TransactionDividend, ok: true},
		{raw: "CSD", want: TransactionDeposit, ok: true},
		{raw: "acats", want: TransactionTransfer, ok: true},
		{raw: "margin_call", ok: false},
		{raw: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseTransactionType(tt.raw)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (Token{}).Expired(now) {
		t.Fatal("token without expiry never expires")
	}
	if !(Token{ExpiresAt: &past}).Expired(now) {
		t.Fatal("token with past expiry should be expired")
	}
	if (Token{ExpiresAt: &future}).Expired(now) {
		t.Fatal("token with future expiry should not be expired")
	}
}
