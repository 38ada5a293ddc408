package pricing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// DexScreenerAdapter reads the DexScreener token-pairs API. A token can trade
// on several pools; the pool with the highest 24h volume wins.
type DexScreenerAdapter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retry   RetryPolicy
}

func NewDexScreenerAdapter(baseURL string, timeout time.Duration, retry RetryPolicy) *DexScreenerAdapter {
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}
	return &DexScreenerAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		retry:   retry,
	}
}

func (a *DexScreenerAdapter) Name() string { return "dexscreener" }

type dexScreenerPair struct {
	BaseToken struct {
		Address string `json:"address"`
	} `json:"baseToken"`
	PriceUSD string `json:"priceUsd"`
	Volume   struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	MarketCap float64 `json:"marketCap"`
}

type dexScreenerResponse struct {
	Pairs []dexScreenerPair `json:"pairs"`
}

func (a *DexScreenerAdapter) FetchPrice(ctx context.Context, address string) (*Quote, error) {
	quotes, err := a.FetchPrices(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return quotes[address], nil
}

func (a *DexScreenerAdapter) FetchPrices(ctx context.Context, addresses []string) (map[string]*Quote, error) {
	if len(addresses) == 0 {
		return map[string]*Quote{}, nil
	}
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", a.baseURL, strings.Join(addresses, ","))

	var body []byte
	err := a.retry.run(ctx, func() error {
		var ferr error
		body, ferr = httpFetch(ctx, a.client, a.timeout, url)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("dexscreener fetch: %w", err)
	}
	if body == nil {
		return map[string]*Quote{}, nil
	}

	var parsed dexScreenerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("dexscreener decode: %w", err)
	}

	now := time.Now().UTC()
	best := make(map[string]dexScreenerPair, len(addresses))
	for _, pair := range parsed.Pairs {
		addr := pair.BaseToken.Address
		if addr == "" || pair.PriceUSD == "" {
			continue
		}
		if cur, ok := best[addr]; !ok || pair.Volume.H24 > cur.Volume.H24 {
			best[addr] = pair
		}
	}

	out := make(map[string]*Quote, len(best))
	for addr, pair := range best {
		price, err := decimal.NewFromString(pair.PriceUSD)
		if err != nil || !price.GreaterThan(decimal.Zero) {
			continue
		}
		out[addr] = &Quote{
			Address:   addr,
			Price:     price,
			Change24h: decimal.NewFromFloat(pair.PriceChange.H24),
			Volume24h: decimal.NewFromFloat(pair.Volume.H24),
			MarketCap: decimal.NewFromFloat(pair.MarketCap),
			Source:    a.Name(),
			FetchedAt: now,
		}
	}
	return out, nil
}
