// Package agentruntime defines the boundary to the external agent
// process: AgentRunner drives a session by calling Runtime, never a
// concrete LLM provider client. The runtime itself is out of scope for
// this module (spec §1) — it is invoked as an opaque streaming RPC, so
// no implementation of this interface ships here, only the contract and
// the canonical upstream event shapes AgentRunner maps downstream.
package agentruntime

import (
	"context"
	"encoding/json"
)

// EventKind discriminates the tagged union of events a Runtime stream
// yields, matching the upstream shapes named in spec §6.
type EventKind string

const (
	EventInit     EventKind = "init"
	EventMessage  EventKind = "message"
	EventPartial  EventKind = "partial"
	EventQuestion EventKind = "question"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
)

// Event is one upstream occurrence. Payload carries the event-specific
// JSON object; callers type-switch on Kind before unmarshaling it into
// the matching struct in this package.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// InitPayload is the session-initialization event fired once per
// invocation, before any message events.
type InitPayload struct {
	SessionID  string           `json:"session_id"`
	Model      string           `json:"model"`
	Tools      []string         `json:"tools"`
	McpServers []McpServerState `json:"mcp_servers"`
	Plugins    []string         `json:"plugins,omitempty"`
	Commands   []string         `json:"commands,omitempty"`
}

// McpServerState reports one injected MCP server's handshake outcome.
type McpServerState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ContentBlockKind discriminates MessagePayload.Content entries.
type ContentBlockKind string

const (
	ContentText       ContentBlockKind = "text"
	ContentThinking   ContentBlockKind = "thinking"
	ContentToolUse    ContentBlockKind = "tool_use"
	ContentToolResult ContentBlockKind = "tool_result"
)

// ContentBlock is one piece of a message's content, keeping the
// discriminator explicit on the wire rather than collapsing to `any`
// (spec §9's guidance on Any-typed payloads).
type ContentBlock struct {
	Type ContentBlockKind `json:"type"`

	Text string `json:"text,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// MessageRole is the speaker of a MessagePayload.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type MessagePayload struct {
	Type            MessageRole    `json:"type"`
	Content         []ContentBlock `json:"content"`
	Model           string         `json:"model,omitempty"`
	UUID            string         `json:"uuid,omitempty"`
	Usage           *Usage         `json:"usage,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type QuestionPayload struct {
	QuestionID string   `json:"question_id"`
	Text       string   `json:"text"`
	Options    []string `json:"options,omitempty"`
}

type ResultPayload struct {
	SessionID        string          `json:"session_id"`
	IsError          bool            `json:"is_error"`
	DurationMS       int64           `json:"duration_ms"`
	NumTurns         int             `json:"num_turns"`
	TotalCostUSD     *float64        `json:"total_cost_usd,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	Result           string          `json:"result,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	StopReason       string          `json:"stop_reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PermissionMode is a small value type rather than a mutable global:
// requestenricher normalizes it and it reaches the runtime through
// InvocationOptions. Nothing in this module stores it on the runner,
// reads it during hook dispatch, or changes it mid-invocation.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept_edits"
	PermissionBypass      PermissionMode = "bypass"
	PermissionPlan        PermissionMode = "plan"
)

// HistoryTurn is one prior turn from a session's durable message log,
// replayed into a resumed invocation so the runtime can reconstruct
// conversational context beyond whatever it keeps server-side under
// ResumeSessionID alone.
type HistoryTurn struct {
	Role    MessageRole     `json:"role"`
	Content json.RawMessage `json:"content"`
}

// PreToolUseDecision is the verdict PreToolUseHandler returns for one
// tool_use block, before the runtime executes it.
type PreToolUseDecision struct {
	// Proceed must be false to stop the runtime from executing the
	// tool at all; Reason is then folded into the synthesized denial
	// result instead of a real tool invocation.
	Proceed bool
	// ModifiedInput, when non-nil, replaces the tool's input before
	// execution.
	ModifiedInput json.RawMessage
	Reason        string
}

// PreToolUseHandler is called synchronously by the runtime for every
// tool_use block, before it is executed. This is the only channel by
// which a deny decision can keep a tool from running at all — unlike a
// downstream event, which necessarily arrives after the runtime has
// already acted on the block.
type PreToolUseHandler func(ctx context.Context, sessionID, toolName string, toolInput json.RawMessage) PreToolUseDecision

// InvocationOptions is everything AgentRunner assembles from the
// enriched request before opening the stream (spec §4.6 step 4).
type InvocationOptions struct {
	SessionID       string
	Prompt          string
	Model           string
	WorkingDir      string
	Env             map[string]string
	SystemPrompt    string
	AllowedTools    []string
	DeniedTools     []string
	McpServers      map[string]json.RawMessage
	PermissionMode  PermissionMode
	Checkpointing   bool
	OutputSchema    json.RawMessage
	// ResumeSessionID, when set, asks the runtime to continue the named
	// prior invocation rather than start a fresh one.
	ResumeSessionID string
	// History replays prior turns for a resumed invocation; empty for a
	// fresh session.
	History []HistoryTurn
	// PreToolUse, when non-nil, must be invoked by the runtime before
	// executing each tool_use block in a message it emits.
	PreToolUse PreToolUseHandler
}

// Stream is a cancellable iterator over upstream events. Next blocks
// until the next event is available, the stream ends (ok=false), or ctx
// is cancelled (err set). Close releases the underlying RPC resources.
type Stream interface {
	Next(ctx context.Context) (ev Event, ok bool, err error)
	Close() error
}

// Runtime is the external agent process boundary. No implementation
// ships in this module — AgentRunner is tested against a fake.
type Runtime interface {
	// Invoke opens a new streaming invocation and returns its event
	// stream. A conforming implementation calls opts.PreToolUse (if set)
	// before executing each tool_use block and honors Proceed=false by
	// skipping execution entirely.
	Invoke(ctx context.Context, opts InvocationOptions) (Stream, error)
	// Interrupt requests cooperative cancellation of an in-flight
	// invocation for the given session.
	Interrupt(ctx context.Context, sessionID string) error
	// Rewind delegates a file-state rewind to the target checkpoint's
	// user-message UUID.
	Rewind(ctx context.Context, sessionID, targetUserMessageUUID string) error
	// Answer delivers a client's response to an outstanding `question`
	// event.
	Answer(ctx context.Context, sessionID, questionID, answer string) error
}
