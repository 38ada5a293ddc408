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

// JupiterAdapter reads the Jupiter price API (price/v2). Prices come back as
// decimal strings keyed by mint address.
type JupiterAdapter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retry   RetryPolicy
}

func NewJupiterAdapter(baseURL string, timeout time.Duration, retry RetryPolicy) *JupiterAdapter {
	if baseURL == "" {
		baseURL = "https://api.jup.ag"
	}
	return &JupiterAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		retry:   retry,
	}
}

func (a *JupiterAdapter) Name() string { return "jupiter" }

type jupiterResponse struct {
	Data map[string]*struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"data"`
}

func (a *JupiterAdapter) FetchPrice(ctx context.Context, address string) (*Quote, error) {
	quotes, err := a.FetchPrices(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return quotes[address], nil
}

func (a *JupiterAdapter) FetchPrices(ctx context.Context, addresses []string) (map[string]*Quote, error) {
	if len(addresses) == 0 {
		return map[string]*Quote{}, nil
	}
	url := fmt.Sprintf("%s/price/v2?ids=%s", a.baseURL, strings.Join(addresses, ","))

	var body []byte
	err := a.retry.run(ctx, func() error {
		var ferr error
		body, ferr = httpFetch(ctx, a.client, a.timeout, url)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter fetch: %w", err)
	}
	if body == nil {
		return map[string]*Quote{}, nil
	}

	var parsed jupiterResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("jupiter decode: %w", err)
	}

	now := time.Now().UTC()
	out := make(map[string]*Quote, len(parsed.Data))
	for addr, entry := range parsed.Data {
		if entry == nil || entry.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(entry.Price)
		if err != nil || !price.GreaterThan(decimal.Zero) {
			continue
		}
		out[addr] = &Quote{
			Address:   addr,
			Price:     price,
			Source:    a.Name(),
			FetchedAt: now,
		}
	}
	return out, nil
}
