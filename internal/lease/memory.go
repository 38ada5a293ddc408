package lease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLocker is a single-process Locker for tests and local runs. Same
// semantics as the Redis implementation: fail-fast acquire, TTL expiry,
// token-checked release.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryGrant
	clock func() time.Time
}

type memoryGrant struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryGrant),
		clock: time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, keys []string, ttl time.Duration) (*Lease, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no lease keys")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range sorted {
		if grant, ok := l.held[key]; ok && grant.expiresAt.After(now) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
	}
	for _, key := range sorted {
		l.held[key] = memoryGrant{token: token, expiresAt: now.Add(ttl)}
	}
	return &Lease{Keys: sorted, Token: token}, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range lease.Keys {
		if grant, ok := l.held[key]; ok && grant.token == lease.Token {
			delete(l.held, key)
		}
	}
	return nil
}
