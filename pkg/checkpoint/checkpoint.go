// Package checkpoint tracks file-state snapshot anchors and validates
// rewind targets (spec §4.7).
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/session"
)

// ErrCrossSession is returned when a rewind target's checkpoint belongs
// to a different session than the one it was requested against.
var ErrCrossSession = errors.New("checkpoint: target belongs to a different session")

// Service composes the session repository's checkpoint methods with the
// agent runtime's rewind RPC.
type Service struct {
	repo    session.Repository
	runtime agentruntime.Runtime
}

func New(repo session.Repository, runtime agentruntime.Runtime) *Service {
	return &Service{repo: repo, runtime: runtime}
}

// Record is idempotent by user-message UUID: a duplicate call for an
// already-recorded UUID returns the original record rather than erroring.
func (s *Service) Record(ctx context.Context, sessionID, userMessageUUID string, filesModified []string) (*session.Checkpoint, error) {
	return s.repo.AddCheckpoint(ctx, sessionID, userMessageUUID, filesModified)
}

func (s *Service) List(ctx context.Context, sessionID string) ([]*session.Checkpoint, error) {
	return s.repo.ListCheckpoints(ctx, sessionID)
}

// ValidateRewindTarget rejects a target checkpoint that belongs to a
// different session, per spec §8 scenario 6.
func (s *Service) ValidateRewindTarget(ctx context.Context, sessionID, targetUserMessageUUID string) (*session.Checkpoint, error) {
	checkpoints, err := s.repo.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing checkpoints: %w", err)
	}
	for _, cp := range checkpoints {
		if cp.UserMessageUUID == targetUserMessageUUID {
			return cp, nil
		}
	}
	return nil, ErrCrossSession
}

// ApplyRewind validates the target belongs to sessionID, then delegates
// the actual file-state rewind to the agent runtime.
func (s *Service) ApplyRewind(ctx context.Context, sessionID, targetUserMessageUUID string) error {
	if _, err := s.ValidateRewindTarget(ctx, sessionID, targetUserMessageUUID); err != nil {
		return err
	}
	return s.runtime.Rewind(ctx, sessionID, targetUserMessageUUID)
}
