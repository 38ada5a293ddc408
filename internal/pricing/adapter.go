package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// SourceAdapter is one external quote provider. FetchPrice returns (nil, nil)
// when the source answered but knows nothing about the token; an error means
// the source itself failed and the fallback chain should move on.
type SourceAdapter interface {
	Name() string
	FetchPrice(ctx context.Context, address string) (*Quote, error)
	FetchPrices(ctx context.Context, addresses []string) (map[string]*Quote, error)
}

// RetryPolicy is the bounded retry applied to each adapter request.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Multiplier: 2.0}
}

func (p RetryPolicy) run(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		bo.InitialInterval = p.BaseDelay
	}
	if p.Multiplier > 1 {
		bo.Multiplier = p.Multiplier
	}
	bo.Reset()

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return err
}

// httpFetch issues one GET bounded by the adapter timeout and returns the body
// for 200 responses. A 404 yields (nil, nil) so callers can report "unknown
// token" without consuming a retry.
func httpFetch(ctx context.Context, client *http.Client, timeout time.Duration, url string) ([]byte, error) {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
