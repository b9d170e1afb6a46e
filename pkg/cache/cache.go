// Package cache provides the distributed, fast-path store that sits in
// front of the durable session repository: the session-state cache, the
// active-session lock, and the interrupt marker all live here (spec §4.3).
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by AcquireLock when the lock is already held by
// another owner and the caller's deadline has elapsed.
var ErrLockHeld = errors.New("cache: lock held by another owner")

// ErrUnboundedScan is returned by ScanKeys when pattern has no literal
// prefix, which would force a full-keyspace sweep.
var ErrUnboundedScan = errors.New("cache: scan pattern must carry a literal prefix")

// Cache is the narrow surface SessionService, InterruptBus, and the
// tenant-scoped index keepers (mcpconfig.Resolver, webhook.Registry)
// depend on. A Redis-backed implementation is the only one meant to run
// in production; InMemoryCache exists purely so unit tests can exercise
// locking and set semantics without a live server.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// GetMany reads multiple keys in a single round trip. Keys with no
	// value are simply absent from the result, not an error.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// AddMember and RemoveMember maintain an unordered set under key
	// atomically, so concurrent callers building an index (owner ->
	// session ids, tenant -> mcp server names, owner -> webhook names)
	// can never lose a sibling's write the way a Get-modify-Set blob
	// update can. Members lists the current contents.
	AddMember(ctx context.Context, key, member string) error
	RemoveMember(ctx context.Context, key, member string) error
	Members(ctx context.Context, key string) ([]string, error)

	// ScanKeys lists up to maxKeys keys matching pattern. pattern must
	// carry a non-wildcard literal prefix (ErrUnboundedScan otherwise),
	// so a single call can never be used to walk the whole keyspace.
	ScanKeys(ctx context.Context, pattern string, maxKeys int) ([]string, error)

	// AcquireLock blocks with exponential backoff until it holds the
	// lock, the deadline elapses (returning ErrLockHeld), or ctx is
	// cancelled. The returned token must be passed to ReleaseLock.
	AcquireLock(ctx context.Context, key string, ttl, deadline time.Duration) (token string, err error)
	// ReleaseLock releases the lock only if token still matches the
	// current holder, so a caller can never release a lock it doesn't
	// own (e.g. after its own TTL already expired and someone else
	// acquired it).
	ReleaseLock(ctx context.Context, key, token string) error
}

// literalPrefix returns the portion of pattern before its first glob
// metacharacter. A pattern with no literal prefix (e.g. "*" or "?foo")
// would force ScanKeys to walk the entire keyspace.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// RedisCache implements Cache against a real Redis deployment. Locking
// uses SETNX for acquisition and a compare-and-delete Lua script for
// release, the same "only the owner can clear its own lock" pattern the
// pack's session stores use for atomic multi-key mutations.
type RedisCache struct {
	rdb *redis.Client
}

// New dials Redis using spec §6's cache_url/cache_max_connections/
// cache_socket_timeout settings.
func New(addr string, maxConns int, socketTimeout time.Duration) *RedisCache {
	return &RedisCache{rdb: redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     maxConns,
		DialTimeout:  socketTimeout,
		ReadTimeout:  socketTimeout,
		WriteTimeout: socketTimeout,
	})}
}

// NewFromClient wraps an already-constructed client, e.g. one built from
// a full redis URL via redis.ParseURL.
func NewFromClient(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Close() error { return c.rdb.Close() }

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *RedisCache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

func (c *RedisCache) AddMember(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

func (c *RedisCache) RemoveMember(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

func (c *RedisCache) Members(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (c *RedisCache) ScanKeys(ctx context.Context, pattern string, maxKeys int) ([]string, error) {
	if literalPrefix(pattern) == "" {
		return nil, ErrUnboundedScan
	}

	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, int64(maxKeys)).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if len(out) >= maxKeys {
			return out[:maxKeys], nil
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// releaseScript deletes a key only if its value still equals the token
// the caller acquired it with, so a stale or already-superseded lock
// holder can never clobber someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl, deadline time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}

	backoff := 10 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	deadlineAt := time.Now().Add(deadline)

	for {
		ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
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
	}
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, c.rdb, []string{key}, token).Err()
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
