package alpaca

import (
	"strings"

	"github.com/coachpo/custos/internal/schema"
)

// accountPayload mirrors GET /v2/account. Monetary values arrive as strings.
type accountPayload struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	Cash          string `json:"cash"`
	Equity        string `json:"equity"`
	BuyingPower   string `json:"buying_power"`
}

// positionPayload mirrors one element of GET /v2/positions.
type positionPayload struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

// normalize maps the provider row into the canonical position. Symbol,
// quantity, and average price are the identity and cost basis of the holding;
// without them the row is unusable. Valuation fields degrade to nil.
func (p positionPayload) normalize() (schema.Position, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	quantity := schema.ParseDecimal(p.Qty)
	averagePrice := schema.ParseDecimal(p.AvgEntryPrice)
	if symbol == "" || quantity == nil || averagePrice == nil {
		return schema.Position{}, false
	}
	return schema.Position{
		Symbol:               symbol,
		Quantity:             *quantity,
		AveragePrice:         *averagePrice,
		CurrentPrice:         schema.ParseDecimal(p.CurrentPrice),
		MarketValue:          schema.ParseDecimal(p.MarketValue),
		UnrealizedPnl:        schema.ParseDecimal(p.UnrealizedPL),
		UnrealizedPnlPercent: schema.ParseDecimal(p.UnrealizedPLPC),
	}, true
}

// activityPayload mirrors one element of GET /v2/account/activities. Trade
// activities carry symbol/qty/price; cash activities carry net_amount only.
type activityPayload struct {
	ID              string `json:"id"`
	ActivityType    string `json:"activity_type"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Qty             string `json:"qty"`
	Price           string `json:"price"`
	NetAmount       string `json:"net_amount"`
	Fees            string `json:"fees"`
	TransactionTime string `json:"transaction_time"`
	Date            string `json:"date"`
}

func (p activityPayload) normalize() (schema.Transaction, bool) {
	externalID := strings.TrimSpace(p.ID)
	if externalID == "" {
		return schema.Transaction{}, false
	}

	label := p.ActivityType
	if strings.EqualFold(label, "FILL") {
		label = p.Side
	}
	txnType, ok := schema.ParseTransactionType(label)
	if !ok {
		return schema.Transaction{}, false
	}

	when := schema.ParseTime(p.TransactionTime)
	if when == nil {
		when = schema.ParseTime(p.Date)
	}
	if when == nil {
		return schema.Transaction{}, false
	}

	txn := schema.Transaction{
		ExternalID: externalID,
		Type:       txnType,
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Quantity:   schema.ParseDecimal(p.Qty),
		Price:      schema.ParseDecimal(p.Price),
		Date:       *when,
	}
	if amount := schema.ParseDecimal(p.NetAmount); amount != nil {
		txn.Amount = *amount
	} else if txn.Quantity != nil && txn.Price != nil {
		txn.Amount = txn.Quantity.Mul(*txn.Price)
		if txnType == schema.TransactionBuy {
			txn.Amount = txn.Amount.Neg()
		}
	}
	if fees := schema.ParseDecimal(p.Fees); fees != nil {
		txn.Fees = *fees
	}
	return txn, true
}
