// Package sessionsvc is the single layer session mutations go through
// (spec §4.3): ownership enforcement, distributed locking, and the
// dual-write between the durable repository and the hot cache.
package sessionsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/session"
)

var (
	// ErrNotFound is returned both for a genuinely missing session and
	// for an ownership mismatch, so a caller can never distinguish
	// "wrong owner" from "doesn't exist" and enumerate valid IDs.
	ErrNotFound    = errors.New("sessionsvc: session not found")
	ErrLockTimeout = errors.New("sessionsvc: could not acquire session lock before deadline")
)

const (
	lockTTL      = 10 * time.Second
	lockDeadline = 5 * time.Second
)

func sessionKey(id string) string              { return "session:" + id }
func ownerIndexKey(h session.OwnerHash) string { return "owner_sessions:" + h.String() }
func lockKey(id string) string                 { return "session_lock:" + id }

// Service implements the SessionService contract: every mutation is
// routed through here rather than touching Repository or Cache directly.
type Service struct {
	repo  session.Repository
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

func New(repo session.Repository, c cache.Cache, cacheTTL time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cache: c, ttl: cacheTTL, log: log}
}

// CreateSession writes to the repository first (authoritative); a
// subsequent cache-population failure is logged, never fatal.
func (s *Service) CreateSession(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.populateCache(ctx, sess)
	s.addToOwnerIndex(ctx, sess)
	return sess, nil
}

// GetSession is cache-aside: read cache, fall back to the repository on
// miss and repopulate. Ownership is enforced after retrieval, and any
// mismatch is reported identically to a missing session.
func (s *Service) GetSession(ctx context.Context, id string, owner session.OwnerHash) (*session.Session, error) {
	sess, err := s.readThrough(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.enforceOwner(sess, owner)
}

func (s *Service) readThrough(ctx context.Context, id string) (*session.Session, error) {
	if raw, ok, err := s.cache.Get(ctx, sessionKey(id)); err != nil {
		s.log.Warn("session cache read failed, falling back to repository", "session_id", id, "error", err)
	} else if ok {
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err == nil {
			return &sess, nil
		}
		s.log.Warn("session cache entry malformed, falling back to repository", "session_id", id)
	}

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.populateCache(ctx, sess)
	return sess, nil
}

// enforceOwner hashes-compares constant-time and maps any mismatch to
// ErrNotFound rather than a distinguishable "unauthorized", so a
// presented credential can never be used to enumerate other tenants'
// session ids.
func (s *Service) enforceOwner(sess *session.Session, owner session.OwnerHash) (*session.Session, error) {
	if !sess.OwnerHash.Equal(owner) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListSessions prefers the owner's cached id index (one bulk mget) and
// only falls back to the repository when that index is empty, never a
// keyspace scan.
func (s *Service) ListSessions(ctx context.Context, owner session.OwnerHash, offset, limit int) ([]*session.Session, int, error) {
	ids, err := s.ownerIndexIDs(ctx, owner)
	if err != nil {
		s.log.Warn("owner index read failed, falling back to repository", "error", err)
		ids = nil
	}

	if len(ids) == 0 {
		return s.repo.ListByOwner(ctx, owner, offset, limit)
	}

	sessions, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	total := len(sessions)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return sessions[offset:end], total, nil
}

// UpdateSession runs the mutator under the session's distributed lock:
// acquire with backoff bounded by a 5s deadline, read a fresh copy,
// apply the mutator, dual-write repo-then-cache, release under defer.
func (s *Service) UpdateSession(ctx context.Context, id string, owner session.OwnerHash, mutate func(*session.Session) error) (*session.Session, error) {
	token, err := s.cache.AcquireLock(ctx, lockKey(id), lockTTL, lockDeadline)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("acquiring session lock: %w", err)
	}
	defer func() {
		if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey(id), token); err != nil {
			s.log.Warn("releasing session lock failed", "session_id", id, "error", err)
		}
	}()

	sess, err := s.readThrough(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.enforceOwner(sess, owner); err != nil {
		return nil, err
	}

	prevStatus := sess.Status
	if err := mutate(sess); err != nil {
		return nil, err
	}

	if sess.Status != prevStatus {
		prev := &session.Session{Status: prevStatus}
		if !prev.CanTransitionTo(sess.Status) {
			return nil, fmt.Errorf("invalid transition %s -> %s", prevStatus, sess.Status)
		}
		updated, err := s.repo.UpdateStatus(ctx, sess.ID, sess.Status, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("updating session status: %w", err)
		}
		sess.Status = updated.Status
		sess.UpdatedAt = updated.UpdatedAt
	}
	s.populateCache(ctx, sess)
	return sess, nil
}

func (s *Service) populateCache(ctx context.Context, sess *session.Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		s.log.Warn("marshaling session for cache failed", "session_id", sess.ID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, sessionKey(sess.ID), raw, s.ttl); err != nil {
		s.log.Warn("session cache write failed", "session_id", sess.ID, "error", err)
	}
}

// addToOwnerIndex adds sess.ID to the owner's index via an atomic set
// member add, so two sessions created for the same owner concurrently
// can never clobber each other's entry the way a Get-append-Set blob
// update would.
func (s *Service) addToOwnerIndex(ctx context.Context, sess *session.Session) {
	if err := s.cache.AddMember(ctx, ownerIndexKey(sess.OwnerHash), sess.ID); err != nil {
		s.log.Warn("owner index update failed", "owner", sess.OwnerHash.String(), "error", err)
	}
}

func (s *Service) ownerIndexIDs(ctx context.Context, owner session.OwnerHash) ([]string, error) {
	return s.cache.Members(ctx, ownerIndexKey(owner))
}

// getMany reads every id in one bulk cache round trip, falling back to
// readThrough (and its own repository-plus-repopulate path) only for the
// ids that missed the cache.
func (s *Service) getMany(ctx context.Context, ids []string) ([]*session.Session, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	cached, err := s.cache.GetMany(ctx, keys)
	if err != nil {
		s.log.Warn("bulk session cache read failed, falling back to individual reads", "error", err)
		cached = nil
	}

	out := make([]*session.Session, 0, len(ids))
	for i, id := range ids {
		if raw, ok := cached[keys[i]]; ok {
			var sess session.Session
			if err := json.Unmarshal(raw, &sess); err == nil {
				out = append(out, &sess)
				continue
			}
			s.log.Warn("session cache entry malformed, falling back to repository", "session_id", id)
		}

		sess, err := s.readThrough(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading session %d/%d: %w", i+1, len(ids), err)
		}
		out = append(out, sess)
	}
	return out, nil
}

// RecordMessage appends one turn to a session's durable audit log (spec
// §4.6: user prompt, assistant reply, and tool-result turns). A failure
// is logged, not propagated — losing the audit trail must never abort
// an in-flight agent turn.
func (s *Service) RecordMessage(ctx context.Context, sessionID string, kind session.MessageKind, content []byte) {
	if _, err := s.repo.AddMessage(ctx, sessionID, kind, content); err != nil {
		s.log.Warn("recording session message failed", "session_id", sessionID, "kind", kind, "error", err)
	}
}

// Messages returns a session's full turn history in order, enforcing
// ownership the same way GetSession does. AgentRunner uses this to seed
// a resumed invocation with prior conversation context.
func (s *Service) Messages(ctx context.Context, id string, owner session.OwnerHash) ([]*session.Message, error) {
	sess, err := s.readThrough(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.enforceOwner(sess, owner); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, id)
}
