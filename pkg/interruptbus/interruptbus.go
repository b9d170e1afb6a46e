// Package interruptbus signals and observes cross-instance session
// interrupts (spec §4.9). The cache marker is the sole guaranteed
// mechanism (polled at every pre-tool boundary and stream tick); an
// optional Redis pub/sub publish is wired only as a latency shortcut,
// grounded on the pack's RedisEventBus cross-pod distribution pattern —
// never load-bearing, since a dropped subscriber must never break the
// ≤1s observation bound the cache poll already satisfies on its own.
package interruptbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docker/agent-session-engine/pkg/cache"
)

const markerTTL = 30 * time.Second

func markerKey(sessionID string) string { return "interrupted:" + sessionID }

// Bus is the interrupt signal/observe surface.
type Bus struct {
	cache   cache.Cache
	rdb     *redis.Client // optional; nil disables the pub/sub shortcut
	channel string
	log     *slog.Logger
}

func New(c cache.Cache, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{cache: c, channel: "interrupts", log: log}
}

// WithPubSub enables the optional low-latency notification path on top
// of the authoritative cache marker.
func (b *Bus) WithPubSub(rdb *redis.Client) *Bus {
	b.rdb = rdb
	return b
}

// SignalInterrupt writes the marker any instance can observe, and
// best-effort publishes a notification for instances that subscribe.
func (b *Bus) SignalInterrupt(ctx context.Context, sessionID string) error {
	if err := b.cache.Set(ctx, markerKey(sessionID), []byte("1"), markerTTL); err != nil {
		return fmt.Errorf("interruptbus: writing marker: %w", err)
	}

	if b.rdb != nil {
		if err := b.rdb.Publish(ctx, b.channel, sessionID).Err(); err != nil {
			b.log.Warn("interruptbus: pub/sub publish failed, cache marker still authoritative", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// Observe reads the marker. Callers poll this at each pre-tool boundary
// and stream tick; worst case latency to observation is bounded by that
// polling interval, per spec §4.9.
func (b *Bus) Observe(ctx context.Context, sessionID string) (bool, error) {
	_, ok, err := b.cache.Get(ctx, markerKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("interruptbus: reading marker: %w", err)
	}
	return ok, nil
}

// Clear removes the marker once an interrupt has been acted on.
func (b *Bus) Clear(ctx context.Context, sessionID string) error {
	return b.cache.Delete(ctx, markerKey(sessionID))
}

// Subscribe returns a channel of session ids signalled via pub/sub, for
// an instance that wants to shortcut its next poll instead of waiting
// out the tick interval. Returns nil if pub/sub was never configured.
func (b *Bus) Subscribe(ctx context.Context) <-chan string {
	if b.rdb == nil {
		return nil
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
