// Package lease provides time-bounded mutual exclusion keyed by arbitrary
// strings. Trades hold one lease per (account, token) pair.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBusy means another holder owns at least one of the requested keys.
// Callers surface it as "trade in progress, try again".
var ErrBusy = errors.New("lease busy")

// Lease is a granted exclusion. It expires on its own after the TTL, so a
// crashed holder blocks others for at most one TTL.
type Lease struct {
	Keys  []string
	Token string
}

// Locker grants and releases leases. Acquire fails fast: it never blocks
// waiting for a busy key.
type Locker interface {
	Acquire(ctx context.Context, keys []string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// RedisLocker implements Locker on Redis SET NX with a random ownership token
// and a compare-and-delete release script.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lease:"}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *RedisLocker) Acquire(ctx context.Context, keys []string, ttl time.Duration) (*Lease, error) {
	if len(keys) == 0 {
		return nil, errors.New("no lease keys")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	// Sorted acquisition order keeps multi-key callers deadlock-free.
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	for _, key := range sorted {
		ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
		if err != nil {
			l.unwind(ctx, held, token)
			return nil, fmt.Errorf("lease setnx %s: %w", key, err)
		}
		if !ok {
			l.unwind(ctx, held, token)
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		held = append(held, key)
	}
	return &Lease{Keys: sorted, Token: token}, nil
}

// Release is idempotent and safe after expiry: the script deletes a key only
// while this lease still owns it.
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	var firstErr error
	for _, key := range lease.Keys {
		if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, lease.Token).Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lease release %s: %w", key, err)
		}
	}
	return firstErr
}

func (l *RedisLocker) unwind(ctx context.Context, held []string, token string) {
	for _, key := range held {
		_ = releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
