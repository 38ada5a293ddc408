// Package notify defines the fire-and-forget collaborator contracts informed
// after a trade commits. Failures here never block or roll back a trade.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent describes one committed fill for downstream consumers.
type TradeEvent struct {
	TradeID      string
	AccountID    string
	TokenAddress string
	Side         string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	GrossQuote   decimal.Decimal
	ExecutedAt   time.Time
}

// Trades is the notification collaborator.
type Trades interface {
	TradeExecuted(ctx context.Context, evt TradeEvent)
}

// Rewards is the points collaborator; it only cares about notional value.
type Rewards interface {
	TradeNotional(ctx context.Context, accountID string, notionalQuote decimal.Decimal)
}

type NoopTrades struct{}

func (NoopTrades) TradeExecuted(context.Context, TradeEvent) {}

type NoopRewards struct{}

func (NoopRewards) TradeNotional(context.Context, string, decimal.Decimal) {}

// LogTrades records executions to the structured log, the default wiring when
// no real notification backend is configured.
type LogTrades struct {
	Logger *slog.Logger
}

func (l LogTrades) TradeExecuted(ctx context.Context, evt TradeEvent) {
	l.Logger.InfoContext(ctx, "trade executed",
		"trade_id", evt.TradeID,
		"account_id", evt.AccountID,
		"token", evt.TokenAddress,
		"side", evt.Side,
		"quantity", evt.Quantity,
		"price", evt.UnitPrice,
	)
}
