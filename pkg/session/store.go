package session

import (
	"context"
	"time"
)

// Repository is the durable persistence contract for sessions, messages,
// and checkpoints (spec §4.2). Owner filtering is mandatory on every list
// operation; an unscoped call is a programming error, not a query option.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	UpdateStatus(ctx context.Context, id string, next Status, updatedAt time.Time) (*Session, error)
	ListByOwner(ctx context.Context, owner OwnerHash, offset, limit int) ([]*Session, int, error)

	AddMessage(ctx context.Context, sessionID string, kind MessageKind, content []byte) (*Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)

	AddCheckpoint(ctx context.Context, sessionID, userMessageUUID string, filesModified []string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
}
