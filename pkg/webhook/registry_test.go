package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/session"
)

func TestRegistryPutAndList(t *testing.T) {
	reg := NewRegistry(cache.NewInMemory())
	owner := session.HashOwner("key-a")

	require.NoError(t, reg.Put(context.Background(), owner, "audit", Registration{URL: "https://example.com/audit"}))
	require.NoError(t, reg.Put(context.Background(), owner, "guard", Registration{URL: "https://example.com/guard", Matcher: "shell.*"}))

	regs, err := reg.ListRegistrations(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, regs, 2)
}

func TestRegistryListIsOwnerScoped(t *testing.T) {
	reg := NewRegistry(cache.NewInMemory())
	a := session.HashOwner("key-a")
	b := session.HashOwner("key-b")

	require.NoError(t, reg.Put(context.Background(), a, "audit", Registration{URL: "https://example.com/audit"}))

	regs, err := reg.ListRegistrations(context.Background(), b)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestRegistryDeleteRemovesFromIndex(t *testing.T) {
	reg := NewRegistry(cache.NewInMemory())
	owner := session.HashOwner("key-a")

	require.NoError(t, reg.Put(context.Background(), owner, "audit", Registration{URL: "https://example.com/audit"}))
	require.NoError(t, reg.Delete(context.Background(), owner, "audit"))

	regs, err := reg.ListRegistrations(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestRegistryPutIsIdempotentInIndex(t *testing.T) {
	reg := NewRegistry(cache.NewInMemory())
	owner := session.HashOwner("key-a")

	require.NoError(t, reg.Put(context.Background(), owner, "audit", Registration{URL: "https://example.com/audit"}))
	require.NoError(t, reg.Put(context.Background(), owner, "audit", Registration{URL: "https://example.com/audit-v2"}))

	regs, err := reg.ListRegistrations(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "https://example.com/audit-v2", regs[0].URL)
}
