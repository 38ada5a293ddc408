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

// CoinGeckoAdapter reads the CoinGecko simple token-price API for the solana
// platform. Slowest of the chain, so it sits last before the durable fallback.
type CoinGeckoAdapter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retry   RetryPolicy
}

func NewCoinGeckoAdapter(baseURL string, timeout time.Duration, retry RetryPolicy) *CoinGeckoAdapter {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	return &CoinGeckoAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		retry:   retry,
	}
}

func (a *CoinGeckoAdapter) Name() string { return "coingecko" }

type coinGeckoEntry struct {
	USD          float64 `json:"usd"`
	USD24hChange float64 `json:"usd_24h_change"`
	USD24hVolume float64 `json:"usd_24h_vol"`
	USDMarketCap float64 `json:"usd_market_cap"`
}

func (a *CoinGeckoAdapter) FetchPrice(ctx context.Context, address string) (*Quote, error) {
	quotes, err := a.FetchPrices(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return quotes[address], nil
}

func (a *CoinGeckoAdapter) FetchPrices(ctx context.Context, addresses []string) (map[string]*Quote, error) {
	if len(addresses) == 0 {
		return map[string]*Quote{}, nil
	}
	url := fmt.Sprintf(
		"%s/api/v3/simple/token_price/solana?contract_addresses=%s&vs_currencies=usd&include_24hr_change=true&include_24hr_vol=true&include_market_cap=true",
		a.baseURL, strings.Join(addresses, ","),
	)

	var body []byte
	err := a.retry.run(ctx, func() error {
		var ferr error
		body, ferr = httpFetch(ctx, a.client, a.timeout, url)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("coingecko fetch: %w", err)
	}
	if body == nil {
		return map[string]*Quote{}, nil
	}

	var parsed map[string]coinGeckoEntry
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("coingecko decode: %w", err)
	}

	now := time.Now().UTC()
	out := make(map[string]*Quote, len(parsed))
	for addr, entry := range parsed {
		price := decimal.NewFromFloat(entry.USD)
		if !price.GreaterThan(decimal.Zero) {
			continue
		}
		out[addr] = &Quote{
			Address:   addr,
			Price:     price,
			Change24h: decimal.NewFromFloat(entry.USD24hChange),
			Volume24h: decimal.NewFromFloat(entry.USD24hVolume),
			MarketCap: decimal.NewFromFloat(entry.USDMarketCap),
			Source:    a.Name(),
			FetchedAt: now,
		}
	}
	return out, nil
}
