package pricing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	tokenA = "token-aaaa"
	tokenB = "token-bbbb"
	tokenC = "token-cccc"
)

type memTier struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newMemTier() *memTier {
	return &memTier{entries: make(map[string]*cacheEntry)}
}

func (t *memTier) Get(_ context.Context, address string) (*cacheEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[address], nil
}

func (t *memTier) Set(_ context.Context, address string, entry *cacheEntry, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[address] = entry
	return nil
}

type stubAdapter struct {
	name   string
	quotes map[string]*Quote
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) FetchPrice(ctx context.Context, address string) (*Quote, error) {
	quotes, err := a.FetchPrices(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return quotes[address], nil
}

func (a *stubAdapter) FetchPrices(_ context.Context, addresses []string) (map[string]*Quote, error) {
	a.calls.Add(1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return nil, a.err
	}
	out := make(map[string]*Quote)
	for _, addr := range addresses {
		if q, ok := a.quotes[addr]; ok {
			out[addr] = q
		}
	}
	return out, nil
}

type memSnapshots struct {
	mu      sync.Mutex
	byAddr  map[string]*Quote
	upserts int
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{byAddr: make(map[string]*Quote)}
}

func (s *memSnapshots) Latest(_ context.Context, address string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAddr[address], nil
}

func (s *memSnapshots) Upsert(_ context.Context, quote *Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddr[quote.Address] = quote
	s.upserts++
	return nil
}

type aggFixture struct {
	agg       *Aggregator
	local     *memTier
	shared    *memTier
	snapshots *memSnapshots
}

func newFixture(t *testing.T, adapters []SourceAdapter, opts Options) *aggFixture {
	t.Helper()
	f := &aggFixture{
		local:     newMemTier(),
		shared:    newMemTier(),
		snapshots: newMemSnapshots(),
	}
	logger := slog.New(slog.DiscardHandler)
	f.agg = NewAggregator(f.local, f.shared, adapters, f.snapshots, NewBus(), logger, opts)
	return f
}

func stubQuote(address string, price float64, source string) *Quote {
	return &Quote{
		Address:   address,
		Price:     decimal.NewFromFloat(price),
		Source:    source,
		FetchedAt: time.Now().UTC(),
	}
}

func TestGetPriceFallbackOrder(t *testing.T) {
	broken := &stubAdapter{name: "a", err: errors.New("boom")}
	working := &stubAdapter{name: "b", quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 1.5, "b")}}
	f := newFixture(t, []SourceAdapter{broken, working}, Options{})

	quote, err := f.agg.GetPrice(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, "b", quote.Source)
	require.True(t, quote.Price.Equal(decimal.NewFromFloat(1.5)))

	// The resolved quote lands in both tiers and the durable snapshot.
	require.NotNil(t, f.local.entries[tokenA])
	require.NotNil(t, f.shared.entries[tokenA])
	require.Equal(t, 1, f.snapshots.upserts)
}

func TestGetPriceServedFromLocalTier(t *testing.T) {
	adapter := &stubAdapter{name: "a", quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 2, "a")}}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	f.local.entries[tokenA] = &cacheEntry{Quote: stubQuote(tokenA, 3, "cached"), StoredAt: time.Now().UTC()}

	quote, err := f.agg.GetPrice(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, "cached", quote.Source)
	require.Zero(t, adapter.calls.Load())
}

func TestGetPricePromotesSharedToLocal(t *testing.T) {
	adapter := &stubAdapter{name: "a"}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	f.shared.entries[tokenA] = &cacheEntry{Quote: stubQuote(tokenA, 4, "shared"), StoredAt: time.Now().UTC()}

	quote, err := f.agg.GetPrice(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, "shared", quote.Source)
	require.NotNil(t, f.local.entries[tokenA], "shared hit should backfill local")
	require.Zero(t, adapter.calls.Load())
}

func TestGetPriceExpiredLocalEntryIgnored(t *testing.T) {
	adapter := &stubAdapter{name: "a", quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 2, "a")}}
	f := newFixture(t, []SourceAdapter{adapter}, Options{LocalTTL: 10 * time.Second})

	f.local.entries[tokenA] = &cacheEntry{
		Quote:    stubQuote(tokenA, 3, "cached"),
		StoredAt: time.Now().UTC().Add(-30 * time.Second),
	}

	quote, err := f.agg.GetPrice(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, "a", quote.Source)
	require.Equal(t, int64(1), adapter.calls.Load())
}

func TestGetPriceNegativeCaching(t *testing.T) {
	adapter := &stubAdapter{name: "a"}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	_, err := f.agg.GetPrice(context.Background(), tokenA)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int64(1), adapter.calls.Load())
	require.True(t, f.local.entries[tokenA].Negative)
	require.True(t, f.shared.entries[tokenA].Negative)

	// The negative entry short-circuits the next lookup.
	_, err = f.agg.GetPrice(context.Background(), tokenA)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int64(1), adapter.calls.Load())
}

func TestNegativeEntryOutlivesTierTTL(t *testing.T) {
	adapter := &stubAdapter{name: "a"}
	f := newFixture(t, []SourceAdapter{adapter}, Options{
		LocalTTL:    10 * time.Second,
		NegativeTTL: time.Minute,
	})

	// Older than the positive tier TTL but inside the negative TTL.
	f.local.entries[tokenA] = &cacheEntry{
		Negative: true,
		StoredAt: time.Now().UTC().Add(-20 * time.Second),
	}

	_, err := f.agg.GetPrice(context.Background(), tokenA)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, adapter.calls.Load())
}

func TestRefreshBypassesCachesAndNegative(t *testing.T) {
	adapter := &stubAdapter{name: "a", quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 7, "a")}}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	f.local.entries[tokenA] = &cacheEntry{Negative: true, StoredAt: time.Now().UTC()}
	f.shared.entries[tokenA] = &cacheEntry{Negative: true, StoredAt: time.Now().UTC()}

	quote, err := f.agg.Refresh(context.Background(), tokenA)
	require.NoError(t, err)
	require.True(t, quote.Price.Equal(decimal.NewFromFloat(7)))
	// Success overwrites the negative markers.
	require.False(t, f.local.entries[tokenA].Negative)
}

func TestGetPriceSnapshotFallback(t *testing.T) {
	adapter := &stubAdapter{name: "a"}
	f := newFixture(t, []SourceAdapter{adapter}, Options{SnapshotMaxAge: 5 * time.Minute})

	snap := stubQuote(tokenA, 9, "jupiter")
	snap.FetchedAt = time.Now().UTC().Add(-time.Minute)
	f.snapshots.byAddr[tokenA] = snap

	quote, err := f.agg.GetPrice(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, "snapshot", quote.Source)
	require.True(t, quote.Price.Equal(decimal.NewFromFloat(9)))
}

func TestGetPriceSnapshotTooOld(t *testing.T) {
	adapter := &stubAdapter{name: "a"}
	f := newFixture(t, []SourceAdapter{adapter}, Options{SnapshotMaxAge: 5 * time.Minute})

	snap := stubQuote(tokenA, 9, "jupiter")
	snap.FetchedAt = time.Now().UTC().Add(-time.Hour)
	f.snapshots.byAddr[tokenA] = snap

	_, err := f.agg.GetPrice(context.Background(), tokenA)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestGetPriceRejectsNonPositive(t *testing.T) {
	zero := &stubAdapter{name: "a", quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 0, "a")}}
	f := newFixture(t, []SourceAdapter{zero}, Options{})

	_, err := f.agg.GetPrice(context.Background(), tokenA)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestGetBasePriceFloor(t *testing.T) {
	adapter := &stubAdapter{name: "a"}
	f := newFixture(t, []SourceAdapter{adapter}, Options{
		BaseAssetAddress: tokenA,
		BasePriceFloor:   decimal.NewFromInt(100),
	})

	price := f.agg.GetBasePrice(context.Background())
	require.True(t, price.Equal(decimal.NewFromInt(100)))

	// With a live source the real price wins.
	adapter.quotes = map[string]*Quote{tokenA: stubQuote(tokenA, 150, "a")}
	f.local.entries = map[string]*cacheEntry{}
	f.shared.entries = map[string]*cacheEntry{}
	price = f.agg.GetBasePrice(context.Background())
	require.True(t, price.Equal(decimal.NewFromInt(150)))
}

func TestGetPriceCoalescesConcurrentMisses(t *testing.T) {
	adapter := &stubAdapter{
		name:   "a",
		quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 5, "a")},
		delay:  50 * time.Millisecond,
	}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			quote, err := f.agg.GetPrice(context.Background(), tokenA)
			require.NoError(t, err)
			require.True(t, quote.Price.Equal(decimal.NewFromFloat(5)))
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), adapter.calls.Load(), "concurrent misses should share one fetch")
}

func TestGetPricesPartitionsCachedAndMissing(t *testing.T) {
	adapter := &stubAdapter{name: "a", quotes: map[string]*Quote{
		tokenB: stubQuote(tokenB, 2, "a"),
	}}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	f.local.entries[tokenA] = &cacheEntry{Quote: stubQuote(tokenA, 1, "cached"), StoredAt: time.Now().UTC()}

	out, err := f.agg.GetPrices(context.Background(), []string{tokenA, tokenA, tokenB, tokenC, ""})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "cached", out[tokenA].Source)
	require.Equal(t, "a", out[tokenB].Source)
	require.NotContains(t, out, tokenC)

	// The batch-resolved quote is cached for later singles.
	require.NotNil(t, f.local.entries[tokenB])
	// Batch misses are not negative-cached.
	require.Nil(t, f.local.entries[tokenC])
}

func TestGetPricesSkipsNegativeCached(t *testing.T) {
	adapter := &stubAdapter{name: "a", quotes: map[string]*Quote{tokenC: stubQuote(tokenC, 3, "a")}}
	f := newFixture(t, []SourceAdapter{adapter}, Options{})

	f.local.entries[tokenC] = &cacheEntry{Negative: true, StoredAt: time.Now().UTC()}

	out, err := f.agg.GetPrices(context.Background(), []string{tokenC})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Zero(t, adapter.calls.Load())
}

func TestGetPricesSecondAdapterCoversLeftovers(t *testing.T) {
	first := &stubAdapter{name: "a", quotes: map[string]*Quote{tokenA: stubQuote(tokenA, 1, "a")}}
	second := &stubAdapter{name: "b", quotes: map[string]*Quote{tokenB: stubQuote(tokenB, 2, "b")}}
	f := newFixture(t, []SourceAdapter{first, second}, Options{})

	out, err := f.agg.GetPrices(context.Background(), []string{tokenA, tokenB})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[tokenA].Source)
	require.Equal(t, "b", out[tokenB].Source)
}

func TestChunk(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	chunks := chunk(items, 2)
	require.Len(t, chunks, 3)
	require.Equal(t, []string{"a", "b"}, chunks[0])
	require.Equal(t, []string{"e"}, chunks[2])

	require.Len(t, chunk(items, 10), 1)
	require.Empty(t, chunk(nil, 2))
}
