// Package session holds the durable conversation record (Session),
// its append-only message log, and file-rewind checkpoints, plus the
// repository that persists them.
package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyID  = errors.New("session ID cannot be empty")
	ErrNotFound = errors.New("session not found")
)

// Status is the lifecycle state of a Session. Transitions only ever go
// Active -> Completed or Active -> Error; never the reverse.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// OwnerHash is the SHA-256 of the API key that created a session. The
// core never stores the plaintext key.
type OwnerHash [sha256.Size]byte

// HashOwner derives an OwnerHash from a presented API key.
func HashOwner(apiKey string) OwnerHash {
	return sha256.Sum256([]byte(apiKey))
}

// Equal performs a constant-time comparison, so that timing does not leak
// whether a presented credential is a near-miss.
func (h OwnerHash) Equal(other OwnerHash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

func (h OwnerHash) String() string { return hex.EncodeToString(h[:]) }

// Session is the durable record of one conversation.
type Session struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	Model           string         `json:"model"`
	WorkingDir      string         `json:"working_dir"`
	TotalTurns      int            `json:"total_turns"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	OwnerHash       OwnerHash      `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// New creates a fresh, active session owned by the given credential hash.
func New(model, workingDir string, owner OwnerHash, parentSessionID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:              uuid.NewString(),
		Status:          StatusActive,
		Model:           model,
		WorkingDir:      workingDir,
		ParentSessionID: parentSessionID,
		OwnerHash:       owner,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        map[string]any{},
	}
}

// CanTransitionTo reports whether the status change is allowed by the
// one-way lifecycle invariant in spec §3.
func (s *Session) CanTransitionTo(next Status) bool {
	if s.Status == next {
		return true
	}
	return s.Status == StatusActive && (next == StatusCompleted || next == StatusError)
}

// MessageKind discriminates the SessionMessage audit log.
type MessageKind string

const (
	MessageKindUser      MessageKind = "user"
	MessageKindAssistant MessageKind = "assistant"
	MessageKindSystem    MessageKind = "system"
	MessageKindResult    MessageKind = "result"
)

// Message is one append-only audit entry in a session's log.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      MessageKind     `json:"kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// Checkpoint anchors a file-state snapshot to the agent's own
// user-message UUID, so the client can later request a rewind.
type Checkpoint struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	UserMessageUUID string    `json:"user_message_uuid"`
	FilesModified   []string  `json:"files_modified"`
	CreatedAt       time.Time `json:"created_at"`
}
