// Package api defines the wire-level request/response shapes for the
// HTTP surface (spec §6) and the offset/limit pagination helper shared
// by every listing endpoint.
package api

import (
	"time"

	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/mcpconfig"
	"github.com/docker/agent-session-engine/pkg/session"
)

// QueryRequest is the body of POST /api/v1/query and /api/v1/query/single.
//
// McpServers is a pointer so a handler can distinguish an absent field
// (merge application/tenant tiers as usual) from an explicit `{}` body,
// which mcpconfig.Resolver treats as a full opt-out (spec §4.5).
type QueryRequest struct {
	SessionID      string                              `json:"session_id,omitempty"`
	Prompt         string                              `json:"prompt"`
	Model          string                              `json:"model,omitempty"`
	WorkingDir     string                              `json:"working_dir,omitempty"`
	Env            map[string]string                   `json:"env,omitempty"`
	PermissionMode string                              `json:"permission_mode,omitempty"`
	McpServers     *map[string]mcpconfig.ServerConfig  `json:"mcp_servers,omitempty"`
	AllowedTools   []string                            `json:"allowed_tools,omitempty"`
	DeniedTools    []string                            `json:"denied_tools,omitempty"`
	Checkpointing  bool                                `json:"checkpointing,omitempty"`
}

// SessionResponse is the public shape of a Session.
type SessionResponse struct {
	ID              string         `json:"id"`
	Status          session.Status `json:"status"`
	Model           string         `json:"model"`
	WorkingDir      string         `json:"working_dir"`
	TotalTurns      int            `json:"total_turns"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func NewSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		Status:          s.Status,
		Model:           s.Model,
		WorkingDir:      s.WorkingDir,
		TotalTurns:      s.TotalTurns,
		TotalCostUSD:    s.TotalCostUSD,
		ParentSessionID: s.ParentSessionID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// SessionListResponse is the body of GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions   []SessionResponse  `json:"sessions"`
	Pagination PaginationMetadata `json:"pagination"`
}

// ResumeRequest is the body of POST /api/v1/sessions/{id}/resume.
type ResumeRequest struct {
	Prompt string `json:"prompt"`
}

// ForkRequest is the body of POST /api/v1/sessions/{id}/fork. The child
// session is created with its own model/working_dir (defaulting to the
// parent's) and immediately starts streaming from prompt.
type ForkRequest struct {
	Prompt     string `json:"prompt"`
	Model      string `json:"model,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// AnswerRequest is the body of POST /api/v1/sessions/{id}/answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// RewindRequest is the body of POST /api/v1/sessions/{id}/rewind.
type RewindRequest struct {
	UserMessageUUID string `json:"user_message_uuid"`
}

// CheckpointResponse is the public shape of a Checkpoint.
type CheckpointResponse struct {
	ID              string    `json:"id"`
	UserMessageUUID string    `json:"user_message_uuid"`
	FilesModified   []string  `json:"files_modified"`
	CreatedAt       time.Time `json:"created_at"`
}

func NewCheckpointResponse(c *session.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		ID:              c.ID,
		UserMessageUUID: c.UserMessageUUID,
		FilesModified:   c.FilesModified,
		CreatedAt:       c.CreatedAt,
	}
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

// PermissionMode re-exports the value type so request handlers don't
// need to import agentruntime just to reference the constant names in
// error messages.
type PermissionMode = agentruntime.PermissionMode

// SingleQueryResponse is the body of a successful POST
// /api/v1/query/single: the whole SSE stream aggregated into one JSON
// object once the terminal `done` event arrives.
type SingleQueryResponse struct {
	SessionID string                        `json:"session_id"`
	Messages  []agentruntime.MessagePayload `json:"messages"`
	Result    *agentruntime.ResultPayload   `json:"result,omitempty"`
	Error     *agentruntime.ErrorPayload    `json:"error,omitempty"`
	Reason    string                        `json:"reason"`
}
