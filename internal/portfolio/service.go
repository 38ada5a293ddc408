// Package portfolio builds the read-side account view: balance, enriched
// positions and aggregate PnL, with coalescing so a burst of reads for the
// same account costs one computation.
package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"papertrade/internal/ledger"
)

// PositionView is one holding valued at the current price. Price is quoted
// in USD; Value and UnrealizedPnL are in base settlement units.
type PositionView struct {
	ledger.Position
	Price            decimal.Decimal `json:"price"`
	PriceSource      string          `json:"price_source,omitempty"`
	PriceUnavailable bool            `json:"price_unavailable,omitempty"`
	Value            decimal.Decimal `json:"value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
}

type View struct {
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	Positions   []PositionView  `json:"positions"`
	Totals      ledger.Totals   `json:"totals"`
	GeneratedAt time.Time       `json:"generated_at"`
}

type cached struct {
	view    *View
	storedAt time.Time
}

// Service serves portfolio views. Within Window, repeated reads for the same
// account return the same snapshot; concurrent cold reads collapse into one
// computation via singleflight.
type Service struct {
	store  ledger.Store
	prices ledger.PriceSource
	logger *slog.Logger
	window time.Duration

	flight singleflight.Group
	mu     sync.RWMutex
	views  map[string]cached
	now    func() time.Time
}

func New(store ledger.Store, prices ledger.PriceSource, logger *slog.Logger, window time.Duration) *Service {
	if window <= 0 {
		window = 3 * time.Second
	}
	s := &Service{
		store:  store,
		prices: prices,
		logger: logger,
		window: window,
		views:  make(map[string]cached),
		now:    func() time.Time { return time.Now().UTC() },
	}
	return s
}

// Get returns the account view, served from the per-account window cache
// when possible.
func (s *Service) Get(ctx context.Context, accountID string) (*View, error) {
	s.mu.RLock()
	entry, ok := s.views[accountID]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.storedAt) <= s.window {
		return entry.view, nil
	}

	v, err, _ := s.flight.Do(accountID, func() (any, error) {
		view, err := s.build(ctx, accountID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.views[accountID] = cached{view: view, storedAt: s.now()}
		s.mu.Unlock()
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*View), nil
}

// Invalidate drops the cached view so the next read reflects a fresh commit.
func (s *Service) Invalidate(accountID string) {
	s.mu.Lock()
	delete(s.views, accountID)
	s.mu.Unlock()
	s.flight.Forget(accountID)
}

func (s *Service) build(ctx context.Context, accountID string) (*View, error) {
	account, err := s.store.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.Positions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	_, realizedBase, err := s.store.RealizedPnLTotals(ctx, accountID)
	if err != nil {
		return nil, err
	}

	view := &View{
		AccountID:   accountID,
		Balance:     account.Balance,
		Positions:   make([]PositionView, 0, len(positions)),
		Totals:      ledger.Totals{RealizedPnL: realizedBase},
		GeneratedAt: s.now(),
	}
	if len(positions) == 0 {
		return view, nil
	}

	addresses := make([]string, 0, len(positions))
	for _, p := range positions {
		addresses = append(addresses, p.TokenAddress)
	}
	quotes, err := s.prices.GetPrices(ctx, addresses)
	if err != nil {
		return nil, err
	}
	rate := s.prices.GetBasePrice(ctx)

	for _, p := range positions {
		pv := PositionView{Position: p}
		quote := quotes[p.TokenAddress]
		if quote == nil {
			// Batch misses fall back to the full per-token chain, which can
			// still recover a durable snapshot.
			if q, err := s.prices.GetPrice(ctx, p.TokenAddress); err == nil {
				quote = q
			}
		}
		if quote.Usable() {
			pv.Price = quote.Price
			pv.PriceSource = quote.Source
			pv.Value = p.Quantity.Mul(quote.Price).Div(rate)
			pv.UnrealizedPnL = pv.Value.Sub(p.CostBasis)
			view.Totals.Value = view.Totals.Value.Add(pv.Value)
			view.Totals.CostBasis = view.Totals.CostBasis.Add(p.CostBasis)
		} else {
			pv.PriceUnavailable = true
			s.logger.Debug("position priced without quote", "account_id", accountID, "token", p.TokenAddress)
		}
		view.Positions = append(view.Positions, pv)
	}
	view.Totals.UnrealizedPnL = view.Totals.Value.Sub(view.Totals.CostBasis)
	return view, nil
}
