package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheGetSet(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryCacheExpiry(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireLockSerializesConcurrentHolders(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	token1, err := c.AcquireLock(ctx, "session:1", time.Minute, time.Second)
	require.NoError(t, err)

	// a second acquirer must fail fast once its deadline elapses, rather
	// than being handed the lock while the first holder still has it.
	_, err = c.AcquireLock(ctx, "session:1", time.Minute, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, c.ReleaseLock(ctx, "session:1", token1))

	token2, err := c.AcquireLock(ctx, "session:1", time.Minute, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, token1, token2)
}

func TestGetManyReturnsOnlyPresentKeys(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))

	out, err := c.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "c": []byte("3")}, out)
}

func TestMemberSetIsAtomicUnderConcurrentAdds(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.AddMember(ctx, "owner:a", fmt.Sprintf("session-%d", i))
		}(i)
	}
	wg.Wait()

	members, err := c.Members(ctx, "owner:a")
	require.NoError(t, err)
	assert.Len(t, members, 20)
}

func TestRemoveMember(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	require.NoError(t, c.AddMember(ctx, "k", "a"))
	require.NoError(t, c.AddMember(ctx, "k", "b"))
	require.NoError(t, c.RemoveMember(ctx, "k", "a"))

	members, err := c.Members(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestScanKeysRejectsUnboundedPattern(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	_, err := c.ScanKeys(ctx, "*", 100)
	assert.ErrorIs(t, err, ErrUnboundedScan)

	_, err = c.ScanKeys(ctx, "?oo", 100)
	assert.ErrorIs(t, err, ErrUnboundedScan)
}

func TestScanKeysMatchesBoundedPattern(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "session:1", []byte("x"), time.Minute))
	require.NoError(t, c.Set(ctx, "session:2", []byte("x"), time.Minute))
	require.NoError(t, c.Set(ctx, "owner:1", []byte("x"), time.Minute))

	keys, err := c.ScanKeys(ctx, "session:*", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:1", "session:2"}, keys)
}

func TestReleaseLockRequiresMatchingToken(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	token, err := c.AcquireLock(ctx, "session:1", time.Minute, time.Second)
	require.NoError(t, err)

	// releasing with a stale/foreign token must not clear the lock.
	require.NoError(t, c.ReleaseLock(ctx, "session:1", "not-the-real-token"))

	_, err = c.AcquireLock(ctx, "session:1", time.Minute, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, c.ReleaseLock(ctx, "session:1", token))
	_, err = c.AcquireLock(ctx, "session:1", time.Minute, time.Second)
	assert.NoError(t, err)
}
