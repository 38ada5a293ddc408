package pricing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable means the whole fallback chain produced no usable quote.
var ErrUnavailable = errors.New("no price available")

type Options struct {
	LocalTTL         time.Duration
	SharedTTL        time.Duration
	NegativeTTL      time.Duration
	SnapshotMaxAge   time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	BatchWorkers     int
	BaseAssetAddress string
	BasePriceFloor   decimal.Decimal
}

func (o *Options) setDefaults() {
	if o.LocalTTL <= 0 {
		o.LocalTTL = 10 * time.Second
	}
	if o.SharedTTL <= 0 {
		o.SharedTTL = 30 * time.Second
	}
	if o.NegativeTTL <= 0 {
		o.NegativeTTL = time.Minute
	}
	if o.SnapshotMaxAge <= 0 {
		o.SnapshotMaxAge = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BatchWorkers <= 0 {
		o.BatchWorkers = 4
	}
	if !o.BasePriceFloor.GreaterThan(decimal.Zero) {
		o.BasePriceFloor = decimal.NewFromInt(100)
	}
}

// Aggregator merges the source adapters into one fallback chain:
// local cache, shared cache, adapters in order, then the durable last known
// good snapshot. Concurrent misses for the same address share one fetch.
type Aggregator struct {
	local     CacheTier
	shared    CacheTier
	adapters  []SourceAdapter
	snapshots SnapshotStore
	bus       *Bus
	logger    *slog.Logger
	opts      Options

	flight singleflight.Group
	now    func() time.Time
}

func NewAggregator(local, shared CacheTier, adapters []SourceAdapter, snapshots SnapshotStore, bus *Bus, logger *slog.Logger, opts Options) *Aggregator {
	opts.setDefaults()
	return &Aggregator{
		local:     local,
		shared:    shared,
		adapters:  adapters,
		snapshots: snapshots,
		bus:       bus,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetPrice resolves one quote through the fallback chain. A negative cache
// entry short-circuits to ErrUnavailable without touching external sources.
func (a *Aggregator) GetPrice(ctx context.Context, address string) (*Quote, error) {
	return a.lookup(ctx, address, false)
}

// Refresh bypasses both cache tiers and the negative cache and fetches
// synchronously. Sell paths use it: liquidity can reappear after a token was
// marked unavailable.
func (a *Aggregator) Refresh(ctx context.Context, address string) (*Quote, error) {
	return a.lookup(ctx, address, true)
}

// GetBasePrice returns the settlement asset's own USD price. It can never
// fail: when the chain exhausts, a conservative configured floor is returned
// so downstream conversions never divide by zero.
func (a *Aggregator) GetBasePrice(ctx context.Context) decimal.Decimal {
	quote, err := a.GetPrice(ctx, a.opts.BaseAssetAddress)
	if err != nil || !quote.Usable() {
		a.logger.Warn("base asset price unavailable, using floor",
			"address", a.opts.BaseAssetAddress, "floor", a.opts.BasePriceFloor)
		return a.opts.BasePriceFloor
	}
	return quote.Price
}

func (a *Aggregator) lookup(ctx context.Context, address string, force bool) (*Quote, error) {
	if address == "" {
		return nil, ErrUnavailable
	}
	now := a.now()

	if !force {
		if entry, err := a.local.Get(ctx, address); err == nil && a.entryFresh(entry, now, a.opts.LocalTTL) {
			if entry.Negative {
				return nil, ErrUnavailable
			}
			if entry.Quote.Usable() {
				return entry.Quote, nil
			}
		}
		if entry, err := a.shared.Get(ctx, address); err == nil && a.entryFresh(entry, now, a.opts.SharedTTL) {
			if entry.Negative {
				return nil, ErrUnavailable
			}
			if entry.Quote.Usable() {
				a.setTier(ctx, a.local, address, entry, a.opts.LocalTTL)
				return entry.Quote, nil
			}
		}
	}

	v, err, _ := a.flight.Do(address, func() (any, error) {
		return a.fetchChain(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Quote), nil
}

// fetchChain walks the external adapters in order, falling back to the
// durable snapshot. Exhaustion writes a negative entry to both tiers.
func (a *Aggregator) fetchChain(ctx context.Context, address string) (*Quote, error) {
	for _, adapter := range a.adapters {
		quote, err := adapter.FetchPrice(ctx, address)
		if err != nil {
			a.logger.Warn("price source failed", "source", adapter.Name(), "address", address, "error", err)
			continue
		}
		if quote.Usable() {
			a.storeQuote(ctx, quote)
			return quote, nil
		}
	}

	if snap, err := a.snapshots.Latest(ctx, address); err != nil {
		a.logger.Warn("price snapshot lookup failed", "address", address, "error", err)
	} else if snap.Usable() && snap.Age(a.now()) <= a.opts.SnapshotMaxAge {
		snap.Source = "snapshot"
		a.setTier(ctx, a.local, address, &cacheEntry{Quote: snap, StoredAt: a.now()}, a.opts.LocalTTL)
		return snap, nil
	}

	a.storeNegative(ctx, address)
	return nil, ErrUnavailable
}

// GetPrices serves cached addresses immediately, then resolves the rest in
// bounded concurrent chunks with a stagger between chunks to respect source
// rate limits. Every resolved price lands in both cache tiers.
func (a *Aggregator) GetPrices(ctx context.Context, addresses []string) (map[string]*Quote, error) {
	now := a.now()
	out := make(map[string]*Quote, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	var missing []string

	for _, address := range addresses {
		if address == "" {
			continue
		}
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}

		if entry, err := a.local.Get(ctx, address); err == nil && a.entryFresh(entry, now, a.opts.LocalTTL) {
			if entry.Negative {
				continue
			}
			if entry.Quote.Usable() {
				out[address] = entry.Quote
				continue
			}
		}
		if entry, err := a.shared.Get(ctx, address); err == nil && a.entryFresh(entry, now, a.opts.SharedTTL) {
			if entry.Negative {
				continue
			}
			if entry.Quote.Usable() {
				a.setTier(ctx, a.local, address, entry, a.opts.LocalTTL)
				out[address] = entry.Quote
				continue
			}
		}
		missing = append(missing, address)
	}

	if len(missing) == 0 {
		return out, nil
	}

	chunks := chunk(missing, a.opts.BatchSize)
	workers := a.opts.BatchWorkers
	if workers > len(chunks) {
		workers = len(chunks)
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(workers)
	for i, addrs := range chunks {
		delay := time.Duration(i) * a.opts.BatchDelay
		p.Go(func() {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			resolved := a.fetchBatch(ctx, addrs)
			mu.Lock()
			for addr, quote := range resolved {
				out[addr] = quote
			}
			mu.Unlock()
		})
	}
	p.Wait()

	return out, ctx.Err()
}

// fetchBatch runs one chunk through the adapter chain, each adapter seeing
// only the addresses the previous ones left unresolved. Batch misses are not
// negative-cached: the per-address chain decides that on its own evidence.
func (a *Aggregator) fetchBatch(ctx context.Context, addresses []string) map[string]*Quote {
	resolved := make(map[string]*Quote, len(addresses))
	remaining := addresses

	for _, adapter := range a.adapters {
		if len(remaining) == 0 {
			break
		}
		quotes, err := adapter.FetchPrices(ctx, remaining)
		if err != nil {
			a.logger.Warn("batch price source failed", "source", adapter.Name(), "count", len(remaining), "error", err)
			continue
		}
		var next []string
		for _, address := range remaining {
			if quote := quotes[address]; quote.Usable() {
				resolved[address] = quote
				a.storeQuote(ctx, quote)
			} else {
				next = append(next, address)
			}
		}
		remaining = next
	}
	return resolved
}

func (a *Aggregator) storeQuote(ctx context.Context, quote *Quote) {
	entry := &cacheEntry{Quote: quote, StoredAt: a.now()}
	a.setTier(ctx, a.local, quote.Address, entry, a.opts.LocalTTL)
	a.setTier(ctx, a.shared, quote.Address, entry, a.opts.SharedTTL)
	if err := a.snapshots.Upsert(ctx, quote); err != nil {
		a.logger.Warn("price snapshot upsert failed", "address", quote.Address, "error", err)
	}
	if a.bus != nil {
		a.bus.Publish(Event{Type: "quote", Data: quote})
	}
}

func (a *Aggregator) storeNegative(ctx context.Context, address string) {
	entry := &cacheEntry{Negative: true, StoredAt: a.now()}
	a.setTier(ctx, a.local, address, entry, a.opts.NegativeTTL)
	a.setTier(ctx, a.shared, address, entry, a.opts.NegativeTTL)
}

// entryFresh judges an entry against its own lifetime: negatives live for the
// negative TTL regardless of which tier they sit in.
func (a *Aggregator) entryFresh(entry *cacheEntry, now time.Time, tierTTL time.Duration) bool {
	if entry == nil {
		return false
	}
	if entry.Negative {
		return entry.fresh(now, a.opts.NegativeTTL)
	}
	return entry.fresh(now, tierTTL)
}

func (a *Aggregator) setTier(ctx context.Context, tier CacheTier, address string, entry *cacheEntry, ttl time.Duration) {
	if err := tier.Set(ctx, address, entry, ttl); err != nil {
		a.logger.Warn("cache tier write failed", "address", address, "error", err)
	}
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		return [][]string{items}
	}
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
