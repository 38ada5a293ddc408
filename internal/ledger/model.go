package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/types"
)

// Account holds the virtual balance, denominated in the base settlement
// asset. Mutated only by committed trades.
type Account struct {
	ID        string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Position is the holding per (account, token). CostBasis is a running total
// in base units, never a per-unit average, so accumulation stays exact.
type Position struct {
	AccountID    string          `json:"account_id"`
	TokenAddress string          `json:"token_address"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Lot is one buy slice. Sells consume lots oldest-first; QuantityRemaining
// only ever decreases. Unit costs are fee-inclusive so that the sum of lot
// costs always equals the position's cost basis.
type Lot struct {
	ID                string
	AccountID         string
	TokenAddress      string
	QuantityRemaining decimal.Decimal
	UnitCostQuote     decimal.Decimal
	UnitCostBase      decimal.Decimal
	QuoteToBaseRate   decimal.Decimal
	CreatedAt         time.Time
}

// Trade is the immutable audit record of one executed fill, with amounts in
// both quote (USD) and base settlement terms at the frozen conversion rate.
type Trade struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	TokenAddress    string          `json:"token_address"`
	Side            types.TradeSide `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	GrossQuote      decimal.Decimal `json:"gross_quote"`
	FeeQuote        decimal.Decimal `json:"fee_quote"`
	NetQuote        decimal.Decimal `json:"net_quote"`
	GrossBase       decimal.Decimal `json:"gross_base"`
	FeeBase         decimal.Decimal `json:"fee_base"`
	NetBase         decimal.Decimal `json:"net_base"`
	QuoteToBaseRate decimal.Decimal `json:"quote_to_base_rate"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// RealizedPnL is written on sells only, frozen at sell time.
type RealizedPnL struct {
	ID              string
	TradeID         string
	AccountID       string
	TokenAddress    string
	PnLQuote        decimal.Decimal
	PnLBase         decimal.Decimal
	QuoteToBaseRate decimal.Decimal
	CreatedAt       time.Time
}
