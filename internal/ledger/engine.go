package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/lease"
	"papertrade/internal/notify"
	"papertrade/internal/pricing"
	"papertrade/internal/types"
)

// PriceSource is the slice of the price aggregator the engine consumes.
type PriceSource interface {
	GetPrice(ctx context.Context, address string) (*pricing.Quote, error)
	Refresh(ctx context.Context, address string) (*pricing.Quote, error)
	GetPrices(ctx context.Context, addresses []string) (map[string]*pricing.Quote, error)
	GetBasePrice(ctx context.Context) decimal.Decimal
}

// Invalidator drops any cached read-side state for an account after a commit.
type Invalidator interface {
	Invalidate(accountID string)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

type EngineOptions struct {
	LeaseTTL   time.Duration
	StaleAfter time.Duration
	// Epsilon absorbs float rounding from upstream displays on sell
	// quantities. Shortfalls within it clamp to the available quantity.
	Epsilon decimal.Decimal
}

func (o *EngineOptions) setDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if !o.Epsilon.GreaterThan(decimal.Zero) {
		o.Epsilon = decimal.NewFromFloat(1e-4)
	}
}

// Engine executes trades: it validates the request, freezes a price and
// conversion rate, computes fees and cost-basis deltas, and commits one
// atomic state transition under a per-(account, token) lease.
type Engine struct {
	store       Store
	prices      PriceSource
	locks       lease.Locker
	fees        FeeSchedule
	trades      notify.Trades
	rewards     notify.Rewards
	invalidator Invalidator
	logger      *slog.Logger
	opts        EngineOptions
	now         func() time.Time
}

func NewEngine(store Store, prices PriceSource, locks lease.Locker, fees FeeSchedule, logger *slog.Logger, opts EngineOptions) *Engine {
	opts.setDefaults()
	return &Engine{
		store:       store,
		prices:      prices,
		locks:       locks,
		fees:        fees,
		trades:      notify.NoopTrades{},
		rewards:     notify.NoopRewards{},
		invalidator: noopInvalidator{},
		logger:      logger,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithCollaborators(trades notify.Trades, rewards notify.Rewards) *Engine {
	if trades != nil {
		e.trades = trades
	}
	if rewards != nil {
		e.rewards = rewards
	}
	return e
}

func (e *Engine) WithInvalidator(inv Invalidator) *Engine {
	if inv != nil {
		e.invalidator = inv
	}
	return e
}

type ExecuteTradeRequest struct {
	AccountID    string
	TokenAddress string
	Side         types.TradeSide
	Quantity     decimal.Decimal
}

type TradeResult struct {
	Trade    Trade    `json:"trade"`
	Position Position `json:"position"`
	// Totals is nil when the post-commit recompute failed. The trade itself
	// is already durable at that point.
	Totals *Totals `json:"totals,omitempty"`
}

// Totals is the account's aggregate view in base settlement units.
type Totals struct {
	Value         decimal.Decimal `json:"value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// tradeAmounts are all monetary figures of one fill at a frozen price and
// conversion rate.
type tradeAmounts struct {
	quantity   decimal.Decimal
	grossQuote decimal.Decimal
	feeQuote   decimal.Decimal
	netQuote   decimal.Decimal
	grossBase  decimal.Decimal
	feeBase    decimal.Decimal
	netBase    decimal.Decimal
}

func (e *Engine) computeAmounts(side types.TradeSide, quantity, price, rate decimal.Decimal) tradeAmounts {
	gross := quantity.Mul(price)
	fee := e.fees.TakerFee(gross)
	if side == types.TradeSideSell && fee.GreaterThan(gross) {
		fee = gross
	}
	var net decimal.Decimal
	if side == types.TradeSideBuy {
		net = gross.Add(fee)
	} else {
		net = gross.Sub(fee)
	}
	return tradeAmounts{
		quantity:   quantity,
		grossQuote: gross,
		feeQuote:   fee,
		netQuote:   net,
		grossBase:  gross.Div(rate),
		feeBase:    fee.Div(rate),
		netBase:    net.Div(rate),
	}
}

// ExecuteTrade runs the full trade algorithm. Validation failures come back
// as typed errors and are never retried here; the lease serializes all trades
// on the same (account, token) pair.
func (e *Engine) ExecuteTrade(ctx context.Context, req ExecuteTradeRequest) (*TradeResult, error) {
	if !req.Quantity.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidQuantity, req.Quantity)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("invalid trade side %q", req.Side)
	}
	if req.AccountID == "" || req.TokenAddress == "" {
		return nil, errors.New("missing account or token")
	}

	leaseKey := fmt.Sprintf("trade:%s:%s", req.AccountID, req.TokenAddress)
	grant, err := e.locks.Acquire(ctx, []string{leaseKey}, e.opts.LeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			return nil, fmt.Errorf("%w for %s", ErrConcurrentTrade, req.TokenAddress)
		}
		return nil, fmt.Errorf("acquire trade lease: %w", err)
	}
	defer func() {
		// Release failure is non-fatal: the lease expires on its own.
		if err := e.locks.Release(context.WithoutCancel(ctx), grant); err != nil {
			e.logger.Warn("trade lease release failed", "key", leaseKey, "error", err)
		}
	}()

	quote, err := e.prices.GetPrice(ctx, req.TokenAddress)
	if err != nil && req.Side == types.TradeSideSell {
		// Sell-side liquidity can reappear after the token was negative
		// cached; force one synchronous refresh before giving up.
		quote, err = e.prices.Refresh(ctx, req.TokenAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("%w for %s", ErrPriceUnavailable, req.TokenAddress)
	}
	if !quote.Price.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidPrice, quote.Price, quote.Source)
	}
	if age := quote.Age(e.now()); age > e.opts.StaleAfter {
		return nil, fmt.Errorf("%w: quote is %s old", ErrStalePrice, age.Round(time.Second))
	}

	// Freeze the conversion rate now; every downstream amount of this trade
	// uses it.
	rate := e.prices.GetBasePrice(ctx)
	if !rate.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("%w: base asset rate %s", ErrInvalidPrice, rate)
	}

	var committed Trade
	var position Position
	err = e.store.InTx(ctx, func(tx Tx) error {
		account, err := tx.AccountForUpdate(ctx, req.AccountID)
		if err != nil {
			return err
		}
		switch req.Side {
		case types.TradeSideBuy:
			committed, position, err = e.applyBuy(ctx, tx, account, req, quote.Price, rate)
		case types.TradeSideSell:
			committed, position, err = e.applySell(ctx, tx, account, req, quote.Price, rate)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.invalidator.Invalidate(req.AccountID)
	e.dispatchCollaborators(committed)

	result := &TradeResult{Trade: committed, Position: position}
	if totals, err := e.ComputeTotals(ctx, req.AccountID); err != nil {
		e.logger.Warn("totals recompute failed after trade", "account_id", req.AccountID, "error", err)
	} else {
		result.Totals = &totals
	}
	return result, nil
}

func (e *Engine) applyBuy(ctx context.Context, tx Tx, account *Account, req ExecuteTradeRequest, price, rate decimal.Decimal) (Trade, Position, error) {
	amounts := e.computeAmounts(types.TradeSideBuy, req.Quantity, price, rate)
	if account.Balance.LessThan(amounts.netBase) {
		return Trade{}, Position{}, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientBalance, amounts.netBase, account.Balance)
	}

	executedAt := e.now()
	trade := e.buildTrade(req, types.TradeSideBuy, amounts, price, rate, executedAt)
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return Trade{}, Position{}, err
	}

	lot := Lot{
		ID:                uuid.NewString(),
		AccountID:         req.AccountID,
		TokenAddress:      req.TokenAddress,
		QuantityRemaining: amounts.quantity,
		UnitCostQuote:     amounts.netQuote.Div(amounts.quantity),
		UnitCostBase:      amounts.netBase.Div(amounts.quantity),
		QuoteToBaseRate:   rate,
		CreatedAt:         executedAt,
	}
	if err := tx.InsertLot(ctx, &lot); err != nil {
		return Trade{}, Position{}, err
	}

	existing, err := tx.PositionForUpdate(ctx, req.AccountID, req.TokenAddress)
	if err != nil {
		return Trade{}, Position{}, err
	}
	position := Position{AccountID: req.AccountID, TokenAddress: req.TokenAddress}
	if existing != nil {
		position = *existing
	}
	// Weighted-average accumulation over totals: basis grows by the full net
	// cost, so repeated buys never accumulate per-unit rounding drift.
	position.Quantity = position.Quantity.Add(amounts.quantity)
	position.CostBasis = position.CostBasis.Add(amounts.netBase)
	position.UpdatedAt = executedAt
	if err := tx.UpsertPosition(ctx, &position); err != nil {
		return Trade{}, Position{}, err
	}

	if err := tx.SetBalance(ctx, req.AccountID, account.Balance.Sub(amounts.netBase)); err != nil {
		return Trade{}, Position{}, err
	}
	return trade, position, nil
}

func (e *Engine) applySell(ctx context.Context, tx Tx, account *Account, req ExecuteTradeRequest, price, rate decimal.Decimal) (Trade, Position, error) {
	existing, err := tx.PositionForUpdate(ctx, req.AccountID, req.TokenAddress)
	if err != nil {
		return Trade{}, Position{}, err
	}
	available := decimal.Zero
	if existing != nil {
		available = existing.Quantity
	}

	quantity := req.Quantity
	if quantity.GreaterThan(available) {
		if quantity.Sub(available).GreaterThan(e.opts.Epsilon) {
			return Trade{}, Position{}, fmt.Errorf("%w: required %s, available %s",
				ErrInsufficientHoldings, quantity, available)
		}
		quantity = available
	}
	if !quantity.GreaterThan(decimal.Zero) {
		return Trade{}, Position{}, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientHoldings, req.Quantity, available)
	}

	amounts := e.computeAmounts(types.TradeSideSell, quantity, price, rate)
	executedAt := e.now()
	sellUnitBase := price.Div(rate)

	lots, err := tx.LotsFIFO(ctx, req.AccountID, req.TokenAddress)
	if err != nil {
		return Trade{}, Position{}, err
	}

	remaining := quantity
	pnlQuote := decimal.Zero
	pnlBase := decimal.Zero
	consumedCostBase := decimal.Zero
	for _, lot := range lots {
		if !remaining.GreaterThan(decimal.Zero) {
			break
		}
		portion := decimal.Min(remaining, lot.QuantityRemaining)
		pnlQuote = pnlQuote.Add(price.Sub(lot.UnitCostQuote).Mul(portion))
		pnlBase = pnlBase.Add(sellUnitBase.Sub(lot.UnitCostBase).Mul(portion))
		consumedCostBase = consumedCostBase.Add(lot.UnitCostBase.Mul(portion))

		left := lot.QuantityRemaining.Sub(portion)
		if left.GreaterThan(decimal.Zero) {
			if err := tx.SetLotRemaining(ctx, lot.ID, left); err != nil {
				return Trade{}, Position{}, err
			}
		} else {
			if err := tx.DeleteLot(ctx, lot.ID); err != nil {
				return Trade{}, Position{}, err
			}
		}
		remaining = remaining.Sub(portion)
	}
	if remaining.GreaterThan(decimal.Zero) {
		// Lots must always cover the position quantity; a shortfall means the
		// ledger desynchronized and the transition has to abort.
		return Trade{}, Position{}, fmt.Errorf("%w: lots short by %s for %s",
			ErrCommitFailed, remaining, req.TokenAddress)
	}

	trade := e.buildTrade(req, types.TradeSideSell, amounts, price, rate, executedAt)
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return Trade{}, Position{}, err
	}
	entry := RealizedPnL{
		ID:              uuid.NewString(),
		TradeID:         trade.ID,
		AccountID:       req.AccountID,
		TokenAddress:    req.TokenAddress,
		PnLQuote:        pnlQuote,
		PnLBase:         pnlBase,
		QuoteToBaseRate: rate,
		CreatedAt:       executedAt,
	}
	if err := tx.InsertRealizedPnL(ctx, &entry); err != nil {
		return Trade{}, Position{}, err
	}

	position := *existing
	position.Quantity = position.Quantity.Sub(quantity)
	position.CostBasis = position.CostBasis.Sub(consumedCostBase)
	position.UpdatedAt = executedAt
	if position.CostBasis.IsNegative() {
		// Safety net only: basis is reduced by exact consumed-lot cost, so a
		// negative residual signals an upstream precision bug.
		e.logger.Warn("cost basis clamped to zero",
			"account_id", req.AccountID, "token", req.TokenAddress, "residual", position.CostBasis)
		position.CostBasis = decimal.Zero
	}
	if position.Quantity.IsZero() {
		position.CostBasis = decimal.Zero
		if err := tx.DeletePosition(ctx, req.AccountID, req.TokenAddress); err != nil {
			return Trade{}, Position{}, err
		}
	} else {
		if err := tx.UpsertPosition(ctx, &position); err != nil {
			return Trade{}, Position{}, err
		}
	}

	if err := tx.SetBalance(ctx, req.AccountID, account.Balance.Add(amounts.netBase)); err != nil {
		return Trade{}, Position{}, err
	}
	return trade, position, nil
}

func (e *Engine) buildTrade(req ExecuteTradeRequest, side types.TradeSide, amounts tradeAmounts, price, rate decimal.Decimal, executedAt time.Time) Trade {
	return Trade{
		ID:              uuid.NewString(),
		AccountID:       req.AccountID,
		TokenAddress:    req.TokenAddress,
		Side:            side,
		Quantity:        amounts.quantity,
		UnitPrice:       price,
		GrossQuote:      amounts.grossQuote,
		FeeQuote:        amounts.feeQuote,
		NetQuote:        amounts.netQuote,
		GrossBase:       amounts.grossBase,
		FeeBase:         amounts.feeBase,
		NetBase:         amounts.netBase,
		QuoteToBaseRate: rate,
		ExecutedAt:      executedAt,
	}
}

func (e *Engine) dispatchCollaborators(trade Trade) {
	evt := notify.TradeEvent{
		TradeID:      trade.ID,
		AccountID:    trade.AccountID,
		TokenAddress: trade.TokenAddress,
		Side:         string(trade.Side),
		Quantity:     trade.Quantity,
		UnitPrice:    trade.UnitPrice,
		GrossQuote:   trade.GrossQuote,
		ExecutedAt:   trade.ExecutedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.trades.TradeExecuted(ctx, evt)
		e.rewards.TradeNotional(ctx, evt.AccountID, evt.GrossQuote)
	}()
}

// ComputeTotals values every open position at current prices. A position
// whose price cannot be resolved is excluded rather than failing the whole
// view.
func (e *Engine) ComputeTotals(ctx context.Context, accountID string) (Totals, error) {
	positions, err := e.store.Positions(ctx, accountID)
	if err != nil {
		return Totals{}, err
	}
	_, realizedBase, err := e.store.RealizedPnLTotals(ctx, accountID)
	if err != nil {
		return Totals{}, err
	}

	totals := Totals{RealizedPnL: realizedBase}
	if len(positions) == 0 {
		return totals, nil
	}

	addresses := make([]string, 0, len(positions))
	for _, p := range positions {
		addresses = append(addresses, p.TokenAddress)
	}
	quotes, err := e.prices.GetPrices(ctx, addresses)
	if err != nil {
		return Totals{}, err
	}
	rate := e.prices.GetBasePrice(ctx)

	for _, p := range positions {
		quote := quotes[p.TokenAddress]
		if quote == nil {
			quote, _ = e.prices.GetPrice(ctx, p.TokenAddress)
		}
		if !quote.Usable() {
			continue
		}
		totals.Value = totals.Value.Add(p.Quantity.Mul(quote.Price).Div(rate))
		totals.CostBasis = totals.CostBasis.Add(p.CostBasis)
	}
	totals.UnrealizedPnL = totals.Value.Sub(totals.CostBasis)
	return totals, nil
}
