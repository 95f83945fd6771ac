package ibgw

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/custos/internal/schema"
)

var hundred = decimal.NewFromInt(100)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginReply struct {
	SessionToken string `json:"sessionToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

type profileReply struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	Currency  string `json:"currency"`
	Kind      string `json:"type"`
}

type balanceReply struct {
	Cash           string `json:"cash"`
	NetLiquidation string `json:"netLiquidation"`
	BuyingPower    string `json:"buyingPower"`
}

type positionFrame struct {
	Symbol       string `json:"symbol"`
	Quantity     string `json:"position"`
	AvgCost      string `json:"avgCost"`
	MarketPrice  string `json:"marketPrice"`
	MarketValue  string `json:"marketValue"`
	UnrealizedPL string `json:"unrealizedPnl"`
}

func (p positionFrame) normalize() (schema.Position, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	quantity := schema.ParseDecimal(p.Quantity)
	averagePrice := schema.ParseDecimal(p.AvgCost)
	if symbol == "" || quantity == nil || averagePrice == nil {
		return schema.Position{}, false
	}
	position := schema.Position{
		Symbol:        symbol,
		Quantity:      *quantity,
		AveragePrice:  *averagePrice,
		CurrentPrice:  schema.ParseDecimal(p.MarketPrice),
		MarketValue:   schema.ParseDecimal(p.MarketValue),
		UnrealizedPnl: schema.ParseDecimal(p.UnrealizedPL),
	}
	// The gateway reports no percent figure; derive it when the cost basis
	// is known and non-zero.
	if position.UnrealizedPnl != nil {
		basis := position.AveragePrice.Mul(position.Quantity)
		if !basis.IsZero() {
			pct := position.UnrealizedPnl.Div(basis).Mul(hundred)
			position.UnrealizedPnlPercent = &pct
		}
	}
	return position, true
}

type activityRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type activityReply struct {
	Items []activityItem `json:"items"`
}

type activityItem struct {
	RefID    string `json:"refId"`
	Kind     string `json:"kind"`
	Symbol   string `json:"symbol"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Amount   string `json:"amount"`
	Fees     string `json:"fees"`
	TradeAt  string `json:"tradeTime"`
}

func (p activityItem) normalize() (schema.Transaction, bool) {
	externalID := strings.TrimSpace(p.RefID)
	if externalID == "" {
		return schema.Transaction{}, false
	}
	txnType, ok := schema.ParseTransactionType(p.Kind)
	if !ok {
		return schema.Transaction{}, false
	}
	when := schema.ParseTime(p.TradeAt)
	if when == nil {
		return schema.Transaction{}, false
	}
	txn := schema.Transaction{
		ExternalID: externalID,
		Type:       txnType,
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Quantity:   schema.ParseDecimal(p.Quantity),
		Price:      schema.ParseDecimal(p.Price),
		Date:       *when,
	}
	if amount := schema.ParseDecimal(p.Amount); amount != nil {
		txn.Amount = *amount
	}
	if fees := schema.ParseDecimal(p.Fees); fees != nil {
		txn.Fees = *fees
	}
	return txn, true
}
