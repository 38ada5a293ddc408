// Package pricing aggregates token quotes from external sources behind a
// two-tier cache with stampede protection and negative caching.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one observed price for a token, in USD terms.
type Quote struct {
	Address   string          `json:"address"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h,omitempty"`
	Volume24h decimal.Decimal `json:"volume_24h,omitempty"`
	MarketCap decimal.Decimal `json:"market_cap,omitempty"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Usable reports whether the quote can back a trade or valuation.
func (q *Quote) Usable() bool {
	return q != nil && q.Price.GreaterThan(decimal.Zero)
}

func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// cacheEntry wraps either a quote or a negative "no quote available" marker.
type cacheEntry struct {
	Quote    *Quote    `json:"quote,omitempty"`
	Negative bool      `json:"negative,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

func (e *cacheEntry) fresh(now time.Time, ttl time.Duration) bool {
	return e != nil && now.Sub(e.StoredAt) <= ttl
}
