package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/session"
)

// Registry stores one tenant's webhook registrations in the shared
// cache, the same index-plus-records shape mcpconfig.Resolver uses for
// its tenant tier: a list of names per owner, one record per name.
type Registry struct {
	cache cache.Cache
}

func NewRegistry(c cache.Cache) *Registry {
	return &Registry{cache: c}
}

func registrationKey(owner session.OwnerHash, name string) string {
	return fmt.Sprintf("webhook:%s:%s", owner.String(), name)
}

func registrationIndexKey(owner session.OwnerHash) string {
	return "webhook_index:" + owner.String()
}

// Put registers or replaces a named webhook for owner.
func (r *Registry) Put(ctx context.Context, owner session.OwnerHash, name string, reg Registration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := r.cache.Set(ctx, registrationKey(owner, name), raw, 0); err != nil {
		return err
	}
	return r.addToIndex(ctx, owner, name)
}

// Delete removes a named webhook registration, if present.
func (r *Registry) Delete(ctx context.Context, owner session.OwnerHash, name string) error {
	if err := r.cache.Delete(ctx, registrationKey(owner, name)); err != nil {
		return err
	}
	return r.removeFromIndex(ctx, owner, name)
}

// ListRegistrations returns every registration owner has active. It
// satisfies agentrunner.WebhookRegistry.
func (r *Registry) ListRegistrations(ctx context.Context, owner session.OwnerHash) ([]Registration, error) {
	names, err := r.names(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := make([]Registration, 0, len(names))
	for _, name := range names {
		raw, ok, err := r.cache.Get(ctx, registrationKey(owner, name))
		if err != nil || !ok {
			continue
		}
		var reg Registration
		if err := json.Unmarshal(raw, &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

func (r *Registry) names(ctx context.Context, owner session.OwnerHash) ([]string, error) {
	return r.cache.Members(ctx, registrationIndexKey(owner))
}

func (r *Registry) addToIndex(ctx context.Context, owner session.OwnerHash, name string) error {
	return r.cache.AddMember(ctx, registrationIndexKey(owner), name)
}

func (r *Registry) removeFromIndex(ctx context.Context, owner session.OwnerHash, name string) error {
	return r.cache.RemoveMember(ctx, registrationIndexKey(owner), name)
}
