package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrade/internal/ledger"
	"papertrade/internal/pricing"
)

const (
	testAccount = "acc-1"
	tokenX      = "mint-xxxx"
	tokenY      = "mint-yyyy"
)

type stubStore struct {
	balance   decimal.Decimal
	positions []ledger.Position
	realized  decimal.Decimal
	reads     atomic.Int64
	delay     time.Duration
}

func (s *stubStore) InTx(context.Context, func(tx ledger.Tx) error) error { return nil }

func (s *stubStore) Account(_ context.Context, accountID string) (*ledger.Account, error) {
	s.reads.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if accountID != testAccount {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{ID: accountID, Balance: s.balance}, nil
}

func (s *stubStore) Positions(context.Context, string) ([]ledger.Position, error) {
	return s.positions, nil
}

func (s *stubStore) Position(context.Context, string, string) (*ledger.Position, error) {
	return nil, nil
}

func (s *stubStore) RealizedPnLTotals(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, s.realized, nil
}

func (s *stubStore) Trades(context.Context, string, int) ([]ledger.Trade, error) {
	return nil, nil
}

type stubPrices struct {
	quotes map[string]*pricing.Quote
	base   decimal.Decimal
}

func (p *stubPrices) GetPrice(_ context.Context, address string) (*pricing.Quote, error) {
	if q, ok := p.quotes[address]; ok {
		return q, nil
	}
	return nil, pricing.ErrUnavailable
}

func (p *stubPrices) Refresh(ctx context.Context, address string) (*pricing.Quote, error) {
	return p.GetPrice(ctx, address)
}

func (p *stubPrices) GetPrices(_ context.Context, addresses []string) (map[string]*pricing.Quote, error) {
	out := make(map[string]*pricing.Quote)
	for _, a := range addresses {
		if q, ok := p.quotes[a]; ok {
			out[a] = q
		}
	}
	return out, nil
}

func (p *stubPrices) GetBasePrice(context.Context) decimal.Decimal { return p.base }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position(token, qty, basis string) ledger.Position {
	return ledger.Position{
		AccountID:    testAccount,
		TokenAddress: token,
		Quantity:     dec(qty),
		CostBasis:    dec(basis),
	}
}

func quoteFor(token string, price string) *pricing.Quote {
	return &pricing.Quote{
		Address:   token,
		Price:     dec(price),
		Source:    "jupiter",
		FetchedAt: time.Now().UTC(),
	}
}

func newService(store *stubStore, prices *stubPrices, window time.Duration) *Service {
	return New(store, prices, slog.New(slog.DiscardHandler), window)
}

func TestGetBuildsView(t *testing.T) {
	store := &stubStore{
		balance: dec("400"),
		positions: []ledger.Position{
			position(tokenX, "10", "50"),
			position(tokenY, "2", "30"),
		},
		realized: dec("12"),
	}
	prices := &stubPrices{
		quotes: map[string]*pricing.Quote{
			tokenX: quoteFor(tokenX, "10"),
			tokenY: quoteFor(tokenY, "5"),
		},
		base: dec("2"),
	}
	svc := newService(store, prices, time.Second)

	view, err := svc.Get(context.Background(), testAccount)
	require.NoError(t, err)
	require.True(t, view.Balance.Equal(dec("400")))
	require.Len(t, view.Positions, 2)

	// tokenX: 10 units * $10 / rate 2 = 50 base; basis 50 so flat.
	require.True(t, view.Positions[0].Value.Equal(dec("50")))
	require.True(t, view.Positions[0].UnrealizedPnL.IsZero())
	// tokenY: 2 * $5 / 2 = 5 base against basis 30.
	require.True(t, view.Positions[1].Value.Equal(dec("5")))
	require.True(t, view.Positions[1].UnrealizedPnL.Equal(dec("-25")))

	require.True(t, view.Totals.Value.Equal(dec("55")))
	require.True(t, view.Totals.CostBasis.Equal(dec("80")))
	require.True(t, view.Totals.UnrealizedPnL.Equal(dec("-25")))
	require.True(t, view.Totals.RealizedPnL.Equal(dec("12")))
}

func TestGetFlagsUnpricedPositions(t *testing.T) {
	store := &stubStore{
		balance:   dec("100"),
		positions: []ledger.Position{position(tokenX, "10", "50")},
	}
	prices := &stubPrices{quotes: map[string]*pricing.Quote{}, base: dec("1")}
	svc := newService(store, prices, time.Second)

	view, err := svc.Get(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, view.Positions, 1)
	require.True(t, view.Positions[0].PriceUnavailable)
	require.True(t, view.Positions[0].Value.IsZero())
	// Unpriced positions are reported but excluded from totals.
	require.True(t, view.Totals.CostBasis.IsZero())
	require.True(t, view.Totals.Value.IsZero())
	require.True(t, view.Totals.UnrealizedPnL.IsZero())
}

func TestGetExcludesUnpricedBasisFromTotals(t *testing.T) {
	store := &stubStore{
		balance: dec("100"),
		positions: []ledger.Position{
			position(tokenX, "10", "50"),
			position(tokenY, "2", "30"),
		},
	}
	prices := &stubPrices{
		quotes: map[string]*pricing.Quote{tokenX: quoteFor(tokenX, "10")},
		base:   dec("1"),
	}
	svc := newService(store, prices, time.Second)

	view, err := svc.Get(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, view.Positions, 2)
	require.True(t, view.Positions[1].PriceUnavailable)

	// tokenY has no quote from any source, so its basis of 30 stays out.
	require.True(t, view.Totals.Value.Equal(dec("100")))
	require.True(t, view.Totals.CostBasis.Equal(dec("50")))
	require.True(t, view.Totals.UnrealizedPnL.Equal(dec("50")))
}

func TestGetServesFromWindowCache(t *testing.T) {
	store := &stubStore{balance: dec("100")}
	prices := &stubPrices{base: dec("1")}
	svc := newService(store, prices, time.Minute)

	ctx := context.Background()
	_, err := svc.Get(ctx, testAccount)
	require.NoError(t, err)
	_, err = svc.Get(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, int64(1), store.reads.Load())
}

func TestInvalidateForcesRebuild(t *testing.T) {
	store := &stubStore{balance: dec("100")}
	prices := &stubPrices{base: dec("1")}
	svc := newService(store, prices, time.Minute)

	ctx := context.Background()
	_, err := svc.Get(ctx, testAccount)
	require.NoError(t, err)

	svc.Invalidate(testAccount)
	store.balance = dec("75")

	view, err := svc.Get(ctx, testAccount)
	require.NoError(t, err)
	require.True(t, view.Balance.Equal(dec("75")))
	require.Equal(t, int64(2), store.reads.Load())
}

func TestGetCoalescesConcurrentReads(t *testing.T) {
	store := &stubStore{balance: dec("100"), delay: 50 * time.Millisecond}
	prices := &stubPrices{base: dec("1")}
	svc := newService(store, prices, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := svc.Get(context.Background(), testAccount)
			require.NoError(t, err)
			require.True(t, view.Balance.Equal(dec("100")))
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), store.reads.Load(), "concurrent reads should share one build")
}

func TestGetUnknownAccount(t *testing.T) {
	store := &stubStore{balance: dec("100")}
	prices := &stubPrices{base: dec("1")}
	svc := newService(store, prices, time.Minute)

	_, err := svc.Get(context.Background(), "acc-unknown")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
