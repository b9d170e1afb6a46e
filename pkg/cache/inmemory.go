package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/docker/agent-session-engine/pkg/concurrent"
)

type entry struct {
	value   []byte
	expires time.Time
}

// InMemoryCache is a single-process Cache used by tests that want real
// locking semantics without a Redis server. It is never the authoritative
// store in production; SessionService always talks to RedisCache there.
type InMemoryCache struct {
	values *concurrent.Map[string, entry]

	mu    sync.Mutex
	locks map[string]string

	setsMu sync.Mutex
	sets   map[string]map[string]struct{}
}

func NewInMemory() *InMemoryCache {
	return &InMemoryCache{
		values: concurrent.NewMap[string, entry](),
		locks:  make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.values.Load(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.values.Store(key, entry{value: value, expires: exp})
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.values.Store(key, entry{expires: time.Unix(1, 0)})
	return nil
}

func (c *InMemoryCache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok, err := c.Get(ctx, key); err == nil && ok {
			out[key] = v
		}
	}
	return out, nil
}

func (c *InMemoryCache) AddMember(_ context.Context, key, member string) error {
	c.setsMu.Lock()
	defer c.setsMu.Unlock()
	members, ok := c.sets[key]
	if !ok {
		members = make(map[string]struct{})
		c.sets[key] = members
	}
	members[member] = struct{}{}
	return nil
}

func (c *InMemoryCache) RemoveMember(_ context.Context, key, member string) error {
	c.setsMu.Lock()
	defer c.setsMu.Unlock()
	if members, ok := c.sets[key]; ok {
		delete(members, member)
	}
	return nil
}

func (c *InMemoryCache) Members(_ context.Context, key string) ([]string, error) {
	c.setsMu.Lock()
	defer c.setsMu.Unlock()
	members := c.sets[key]
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out, nil
}

func (c *InMemoryCache) ScanKeys(_ context.Context, pattern string, maxKeys int) ([]string, error) {
	if literalPrefix(pattern) == "" {
		return nil, ErrUnboundedScan
	}

	var out []string
	c.values.Range(func(key string, e entry) bool {
		if !e.expires.IsZero() && time.Now().After(e.expires) {
			return true
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
		return len(out) < maxKeys
	})
	if len(out) > maxKeys {
		out = out[:maxKeys]
	}
	return out, nil
}

func (c *InMemoryCache) AcquireLock(ctx context.Context, key string, ttl, deadline time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}

	backoff := 10 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	deadlineAt := time.Now().Add(deadline)

	for {
		if c.tryLock(key, token) {
			return token, nil
		}
		if time.Now().After(deadlineAt) {
			return "", ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
		_ = ttl // in-memory lock has no TTL expiry, a stuck test would hang instead of silently passing
	}
}

func (c *InMemoryCache) tryLock(key, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[key]; held {
		return false
	}
	c.locks[key] = token
	return true
}

func (c *InMemoryCache) ReleaseLock(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] == token {
		delete(c.locks, key)
	}
	return nil
}
