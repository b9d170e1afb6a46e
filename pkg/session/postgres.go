package session

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRepository implements Repository against the schema in spec §6
// (uuid primary keys, jsonb metadata, RETURNING for atomic transitions).
// It keeps the teacher's SQLiteSessionStore idiom of hand-written SQL
// against *sql.DB, with RETURNING used for atomic state transitions
// instead of a separate read-modify-write.
type PostgresRepository struct {
	db *sql.DB
}

// OpenPostgresRepository opens the database and configures pool limits
// from spec §6's db_pool_size/db_max_overflow.
func OpenPostgresRepository(databaseURL string, poolSize, maxOverflow int) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(poolSize + maxOverflow)
	db.SetMaxIdleConns(poolSize)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return ErrEmptyID
	}

	metadataJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	var parentID any
	if s.ParentSessionID != "" {
		parentID = s.ParentSessionID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, model, cwd, total_turns, total_cost_usd, parent_session_id, owner_api_key_hash, created_at, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, string(s.Status), s.Model, s.WorkingDir, s.TotalTurns, s.TotalCostUSD, parentID, s.OwnerHash.String(), s.CreatedAt, s.UpdatedAt, metadataJSON)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, status, model, cwd, total_turns, total_cost_usd, parent_session_id, owner_api_key_hash, created_at, updated_at, metadata
		FROM sessions WHERE id = $1`, id))
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var parentID sql.NullString
	var ownerHex string
	var metadataJSON []byte
	var statusStr string

	err := row.Scan(&s.ID, &statusStr, &s.Model, &s.WorkingDir, &s.TotalTurns, &s.TotalCostUSD, &parentID, &ownerHex, &s.CreatedAt, &s.UpdatedAt, &metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.Status = Status(statusStr)
	s.ParentSessionID = parentID.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	owner, err := ownerHashFromHex(ownerHex)
	if err != nil {
		return nil, err
	}
	s.OwnerHash = owner

	return &s, nil
}

// UpdateStatus performs the one atomic UPDATE ... RETURNING transition
// required by spec §5 to avoid a read-modify-write race outside the
// session lock. It does not itself enforce the one-way lifecycle
// invariant — SessionService checks CanTransitionTo before calling this.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, next Status, updatedAt time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3
		RETURNING id, status, model, cwd, total_turns, total_cost_usd, parent_session_id, owner_api_key_hash, created_at, updated_at, metadata`,
		string(next), updatedAt, id)
	return scanSession(row)
}

// ListByOwner is the sole listing path; it always filters by owner hash,
// matching spec §4.2's "owner filter is mandatory" invariant.
func (r *PostgresRepository) ListByOwner(ctx context.Context, owner OwnerHash, offset, limit int) ([]*Session, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions WHERE owner_api_key_hash = $1`, owner.String()).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, model, cwd, total_turns, total_cost_usd, parent_session_id, owner_api_key_hash, created_at, updated_at, metadata
		FROM sessions WHERE owner_api_key_hash = $1 ORDER BY updated_at DESC OFFSET $2 LIMIT $3`,
		owner.String(), offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		var parentID sql.NullString
		var ownerHex string
		var metadataJSON []byte
		var statusStr string
		if err := rows.Scan(&s.ID, &statusStr, &s.Model, &s.WorkingDir, &s.TotalTurns, &s.TotalCostUSD, &parentID, &ownerHex, &s.CreatedAt, &s.UpdatedAt, &metadataJSON); err != nil {
			return nil, 0, err
		}
		s.Status = Status(statusStr)
		s.ParentSessionID = parentID.String
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
				return nil, 0, err
			}
		}
		ownerHash, err := ownerHashFromHex(ownerHex)
		if err != nil {
			return nil, 0, err
		}
		s.OwnerHash = ownerHash
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepository) AddMessage(ctx context.Context, sessionID string, kind MessageKind, content []byte) (*Message, error) {
	if sessionID == "" {
		return nil, ErrEmptyID
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, kind, content, created_at)
		SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $2)`,
		msg.ID, msg.SessionID, string(msg.Kind), []byte(msg.Content), msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, kind, content, created_at FROM session_messages
		WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var kindStr string
		var content []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &kindStr, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MessageKind(kindStr)
		m.Content = content
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AddCheckpoint(ctx context.Context, sessionID, userMessageUUID string, filesModified []string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		UserMessageUUID: userMessageUUID,
		FilesModified:   filesModified,
		CreatedAt:       time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, user_message_uuid, files_modified, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_message_uuid) DO NOTHING`,
		cp.ID, cp.SessionID, cp.UserMessageUUID, pq.StringArray(filesModified), cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	// idempotent by user-message UUID: re-read so a duplicate record()
	// call returns the originally recorded checkpoint.
	return r.checkpointByUserMessageUUID(ctx, userMessageUUID)
}

func (r *PostgresRepository) checkpointByUserMessageUUID(ctx context.Context, userMessageUUID string) (*Checkpoint, error) {
	var cp Checkpoint
	var files pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_message_uuid, files_modified, created_at
		FROM checkpoints WHERE user_message_uuid = $1`, userMessageUUID).
		Scan(&cp.ID, &cp.SessionID, &cp.UserMessageUUID, &files, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cp.FilesModified = files
	return &cp, nil
}

func (r *PostgresRepository) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, user_message_uuid, files_modified, created_at
		FROM checkpoints WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var files pq.StringArray
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.UserMessageUUID, &files, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.FilesModified = files
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	var files pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_message_uuid, files_modified, created_at
		FROM checkpoints WHERE id = $1`, id).
		Scan(&cp.ID, &cp.SessionID, &cp.UserMessageUUID, &files, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cp.FilesModified = files
	return &cp, nil
}

func ownerHashFromHex(s string) (OwnerHash, error) {
	var h OwnerHash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], decoded)
	return h, nil
}
