// Package ratelimit gives SessionControlAPI a per-tenant token-bucket
// contract. The spec treats the numeric policy as an operator choice
// (Non-goals §1); only the RATE_LIMITED contract itself is implemented
// here, over golang.org/x/time/rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/docker/agent-session-engine/pkg/session"
)

// Limiter enforces one token bucket per tenant.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[session.OwnerHash]*rate.Limiter
}

func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		buckets: make(map[session.OwnerHash]*rate.Limiter),
	}
}

// Allow reports whether the tenant identified by owner may proceed now.
func (l *Limiter) Allow(owner session.OwnerHash) bool {
	return l.bucketFor(owner).Allow()
}

func (l *Limiter) bucketFor(owner session.OwnerHash) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[owner]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[owner] = b
	}
	return b
}
