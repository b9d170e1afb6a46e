// Package agentrunner is the per-request orchestrator that ties the
// session service, webhook dispatcher, MCP-aware request enricher,
// interrupt bus, and the opaque agent runtime together into the single
// streaming flow described in spec §4.6. It owns the
// IDLE -> STARTING -> STREAMING -> {COMPLETED|ERRORED|INTERRUPTED|CLIENT_GONE}
// lifecycle of one invocation; StreamPublisher (pkg/streampublisher) is a
// separate, independent consumer of the Queue this package produces.
package agentrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/checkpoint"
	"github.com/docker/agent-session-engine/pkg/interruptbus"
	"github.com/docker/agent-session-engine/pkg/mcpconfig"
	"github.com/docker/agent-session-engine/pkg/requestenricher"
	"github.com/docker/agent-session-engine/pkg/session"
	"github.com/docker/agent-session-engine/pkg/sessionsvc"
	"github.com/docker/agent-session-engine/pkg/streampublisher"
	"github.com/docker/agent-session-engine/pkg/webhook"
)

// State names the lifecycle stage an invocation is in, for logging and
// tests; it is never persisted on its own, only reflected into
// session.Status at the terminal states.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateStreaming   State = "streaming"
	StateCompleted   State = "completed"
	StateErrored     State = "errored"
	StateInterrupted State = "interrupted"
	StateClientGone  State = "client_gone"
)

// ErrSessionBusy is returned when a session already has an invocation in
// flight on some instance; the active marker is a mutual-exclusion lock,
// not just an advisory flag, so this fails fast rather than double
// dispatching to the runtime.
var ErrSessionBusy = errors.New("agentrunner: session already has an invocation in progress")

// activeTTL bounds how long the active marker survives if an instance
// crashes mid-invocation without releasing it.
const activeTTL = 5 * time.Minute

func activeKey(sessionID string) string { return "active_session:" + sessionID }

// WebhookRegistry resolves a tenant's registered hook endpoints. It is a
// narrow seam so agentrunner never depends on however registrations end
// up stored (admin API, config file, database row).
type WebhookRegistry interface {
	ListRegistrations(ctx context.Context, owner session.OwnerHash) ([]webhook.Registration, error)
}

// Runner drives invocations for one process; all its dependencies are
// already safe for concurrent use across many simultaneous sessions.
type Runner struct {
	sessions    *sessionsvc.Service
	runtime     agentruntime.Runtime
	cache       cache.Cache
	webhooks    *webhook.Client
	regs        WebhookRegistry
	interrupts  *interruptbus.Bus
	checkpoints *checkpoint.Service
	enricher    *requestenricher.Enricher
	log         *slog.Logger
	asks        *askWaiters
}

// askWaiters tracks PreToolUse Ask decisions awaiting a client's
// response, so Runner.Answer can resolve one without round-tripping
// through the opaque runtime.
type askWaiters struct {
	mu      sync.Mutex
	waiters map[string]chan bool
}

func newAskWaiters() *askWaiters { return &askWaiters{waiters: make(map[string]chan bool)} }

func (a *askWaiters) register(id string) chan bool {
	ch := make(chan bool, 1)
	a.mu.Lock()
	a.waiters[id] = ch
	a.mu.Unlock()
	return ch
}

func (a *askWaiters) clear(id string) {
	a.mu.Lock()
	delete(a.waiters, id)
	a.mu.Unlock()
}

// resolve reports whether id was a pending ask; if so it delivers
// approved and returns true.
func (a *askWaiters) resolve(id string, approved bool) bool {
	a.mu.Lock()
	ch, ok := a.waiters[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- approved:
	default:
	}
	return true
}

func New(
	sessions *sessionsvc.Service,
	runtime agentruntime.Runtime,
	c cache.Cache,
	webhooks *webhook.Client,
	regs WebhookRegistry,
	interrupts *interruptbus.Bus,
	checkpoints *checkpoint.Service,
	enricher *requestenricher.Enricher,
	log *slog.Logger,
) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		sessions:    sessions,
		runtime:     runtime,
		cache:       c,
		webhooks:    webhooks,
		regs:        regs,
		interrupts:  interrupts,
		checkpoints: checkpoints,
		enricher:    enricher,
		log:         log,
		asks:        newAskWaiters(),
	}
}

// Start resolves or creates the target session, registers the
// active-invocation marker, enriches the request, and launches the
// streaming loop in the background. The returned Queue is ready for a
// transport publisher to drain immediately; Start itself never blocks on
// the runtime.
func (r *Runner) Start(ctx context.Context, req requestenricher.Request, owner session.OwnerHash, sessionID string) (*streampublisher.Queue, string, error) {
	r.log.Info("agentrunner: starting invocation", "state", StateStarting, "session_id", sessionID)

	sess, resumed, err := r.resolveSession(ctx, sessionID, owner, req)
	if err != nil {
		return nil, "", err
	}

	// Fail-fast, no fallback: if another instance already owns this
	// session's active marker, or the cache itself is unreachable, the
	// invocation must not proceed — there is no degraded mode that can
	// safely dispatch a second concurrent stream to the same session.
	token, err := r.cache.AcquireLock(ctx, activeKey(sess.ID), activeTTL, 0)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, "", ErrSessionBusy
		}
		return nil, "", fmt.Errorf("agentrunner: registering active marker: %w", err)
	}

	enriched, err := r.enricher.Enrich(ctx, req, owner)
	if err != nil {
		if relErr := r.cache.ReleaseLock(context.WithoutCancel(ctx), activeKey(sess.ID), token); relErr != nil {
			r.log.Warn("agentrunner: releasing active marker after enrich failure failed", "session_id", sess.ID, "error", relErr)
		}
		return nil, "", err
	}

	queue := streampublisher.NewQueue()
	go r.stream(ctx, sess, resumed, enriched, token, queue)
	return queue, sess.ID, nil
}

// resolveSession creates a fresh session when sessionID is empty, or
// loads an existing one (reporting resumed=true) when it isn't. stream
// uses resumed to decide whether to feed prior turns back into the
// runtime via ResumeSessionID/History.
func (r *Runner) resolveSession(ctx context.Context, sessionID string, owner session.OwnerHash, req requestenricher.Request) (sess *session.Session, resumed bool, err error) {
	if sessionID == "" {
		sess, err = r.sessions.CreateSession(ctx, session.New(req.Model, req.WorkingDir, owner, ""))
		return sess, false, err
	}
	sess, err = r.sessions.GetSession(ctx, sessionID, owner)
	return sess, true, err
}

// Fork creates a new child session pinned to parentID, after confirming
// the caller owns the parent (spec §6's /sessions/{id}/fork).
func (r *Runner) Fork(ctx context.Context, parentID string, owner session.OwnerHash, model, workingDir string) (*session.Session, error) {
	if _, err := r.sessions.GetSession(ctx, parentID, owner); err != nil {
		return nil, err
	}
	return r.sessions.CreateSession(ctx, session.New(model, workingDir, owner, parentID))
}

// Interrupt signals a running invocation to stop at its next checked
// boundary; observation latency is bounded by the stream loop's poll,
// not by this call.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) error {
	return r.interrupts.SignalInterrupt(ctx, sessionID)
}

// Answer delivers a client's response to an outstanding question. A
// PreToolUse Ask is resolved locally against the waiting handler; any
// other question event is the runtime's own and is forwarded straight
// through, since agentrunner does not buffer those itself.
func (r *Runner) Answer(ctx context.Context, sessionID, questionID, answer string) error {
	if r.asks.resolve(questionID, strings.EqualFold(answer, "allow")) {
		return nil
	}
	return r.runtime.Answer(ctx, sessionID, questionID, answer)
}

// stream is the background loop: invoke the runtime, map its events onto
// the downstream queue, broker PreToolUse decisions through the webhook
// client via a callback the runtime consults before executing each tool,
// persist every turn to the durable audit log, and persist the terminal
// status once the stream ends.
func (r *Runner) stream(ctx context.Context, sess *session.Session, resumed bool, enriched *requestenricher.Enriched, activeToken string, queue *streampublisher.Queue) {
	defer queue.Close()
	defer func() {
		if err := r.cache.ReleaseLock(context.WithoutCancel(ctx), activeKey(sess.ID), activeToken); err != nil {
			r.log.Warn("agentrunner: releasing active marker failed", "session_id", sess.ID, "error", err)
		}
	}()
	defer func() {
		if err := r.interrupts.Clear(context.WithoutCancel(ctx), sess.ID); err != nil {
			r.log.Warn("agentrunner: clearing interrupt marker failed", "session_id", sess.ID, "error", err)
		}
	}()

	regs, err := r.regs.ListRegistrations(ctx, enriched.Owner)
	if err != nil {
		r.log.Warn("agentrunner: listing webhook registrations failed, continuing without hooks", "session_id", sess.ID, "error", err)
		regs = nil
	}

	opts := agentruntime.InvocationOptions{
		SessionID:      sess.ID,
		Prompt:         enriched.Prompt,
		Model:          enriched.Model,
		WorkingDir:     enriched.WorkingDir,
		Env:            enriched.Env,
		PermissionMode: enriched.PermissionMode,
		McpServers:     encodeServers(enriched.McpServers),
		AllowedTools:   enriched.AllowedTools,
		DeniedTools:    enriched.DeniedTools,
		Checkpointing:  enriched.Checkpointing,
		PreToolUse:     r.preToolUse(sess.ID, regs, queue),
	}

	// A resumed session feeds its prior turns back in two ways: the
	// runtime's own ResumeSessionID continuation (if it tracks
	// server-side state under that id) and History, assembled from our
	// own durable audit log, so resume works even against a runtime
	// instance that has no memory of the original invocation.
	if resumed {
		opts.ResumeSessionID = sess.ID
		if history, err := r.loadHistory(ctx, sess.ID, enriched.Owner); err != nil {
			r.log.Warn("agentrunner: loading session history failed, resuming without prior turns", "session_id", sess.ID, "error", err)
		} else {
			opts.History = history
		}
	}

	r.sessions.RecordMessage(ctx, sess.ID, session.MessageKindUser, promptMessage(enriched.Prompt))

	upstream, err := r.runtime.Invoke(ctx, opts)
	if err != nil {
		r.log.Error("agentrunner: invoking runtime failed", "state", StateErrored, "session_id", sess.ID, "error", err)
		queue.Push(streampublisher.Event{Name: streampublisher.EventError, Data: agentruntime.ErrorPayload{
			Code: "invoke_failed", Message: err.Error(),
		}})
		r.finish(ctx, sess, enriched.Owner, session.StatusError, nil)
		queue.Push(streampublisher.Event{Name: streampublisher.EventDone, Data: streampublisher.DoneData{Reason: streampublisher.DoneError}})
		return
	}
	defer upstream.Close()

	r.log.Info("agentrunner: streaming", "state", StateStreaming, "session_id", sess.ID)

	var lastResult *agentruntime.ResultPayload
	finalStatus := session.StatusCompleted
	reason := streampublisher.DoneCompleted

loop:
	for {
		if interrupted, obsErr := r.interrupts.Observe(ctx, sess.ID); obsErr == nil && interrupted {
			reason = streampublisher.DoneInterrupted
			if err := r.runtime.Interrupt(ctx, sess.ID); err != nil {
				r.log.Warn("agentrunner: runtime interrupt call failed", "session_id", sess.ID, "error", err)
			}
			break loop
		}

		ev, ok, err := upstream.Next(ctx)
		if err != nil {
			r.log.Warn("agentrunner: stream read failed", "session_id", sess.ID, "error", err)
			queue.Push(streampublisher.Event{Name: streampublisher.EventError, Data: agentruntime.ErrorPayload{
				Code: "stream_failed", Message: err.Error(),
			}})
			finalStatus = session.StatusError
			reason = streampublisher.DoneError
			break loop
		}
		if !ok {
			break loop
		}

		switch ev.Kind {
		case agentruntime.EventInit:
			var payload agentruntime.InitPayload
			if err := json.Unmarshal(ev.Payload, &payload); err == nil {
				queue.Push(streampublisher.Event{Name: streampublisher.EventInit, Data: payload})
			}

		case agentruntime.EventMessage:
			var payload agentruntime.MessagePayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				r.log.Warn("agentrunner: malformed message event", "session_id", sess.ID, "error", err)
				continue
			}
			r.recordMessage(ctx, sess.ID, payload)
			if enriched.Checkpointing && payload.Type == agentruntime.RoleUser && payload.UUID != "" {
				if _, err := r.checkpoints.Record(ctx, sess.ID, payload.UUID, nil); err != nil {
					r.log.Warn("agentrunner: recording checkpoint failed", "session_id", sess.ID, "error", err)
				}
			}
			queue.Push(streampublisher.Event{Name: streampublisher.EventMessage, Data: payload})

		case agentruntime.EventPartial:
			var payload agentruntime.MessagePayload
			if err := json.Unmarshal(ev.Payload, &payload); err == nil {
				queue.Push(streampublisher.Event{Name: streampublisher.EventPartial, Data: payload})
			}

		case agentruntime.EventQuestion:
			var payload agentruntime.QuestionPayload
			if err := json.Unmarshal(ev.Payload, &payload); err == nil {
				queue.Push(streampublisher.Event{Name: streampublisher.EventQuestion, Data: payload})
			}

		case agentruntime.EventResult:
			var payload agentruntime.ResultPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				r.log.Warn("agentrunner: malformed result event", "session_id", sess.ID, "error", err)
				continue
			}
			lastResult = &payload
			if payload.IsError {
				finalStatus = session.StatusError
				reason = streampublisher.DoneError
			}
			r.sessions.RecordMessage(ctx, sess.ID, session.MessageKindResult, ev.Payload)
			queue.Push(streampublisher.Event{Name: streampublisher.EventResult, Data: payload})

		case agentruntime.EventError:
			var payload agentruntime.ErrorPayload
			if err := json.Unmarshal(ev.Payload, &payload); err == nil {
				queue.Push(streampublisher.Event{Name: streampublisher.EventError, Data: payload})
			}
			finalStatus = session.StatusError
			reason = streampublisher.DoneError
		}
	}

	r.finish(ctx, sess, enriched.Owner, finalStatus, lastResult)
	done := streampublisher.DoneData{Reason: reason, Dropped: queue.Dropped()}
	queue.Push(streampublisher.Event{Name: streampublisher.EventDone, Data: done})
}

// preToolUse returns the callback the runtime must consult, per
// agentruntime.InvocationOptions.PreToolUse, before executing each
// tool_use block (spec §4.6 step 5). Unlike a post-hoc annotation, this
// runs before the tool call so a deny genuinely keeps it from
// executing. An Ask decision surfaces a `question` event on the
// downstream queue and blocks for the client's answer (delivered
// through Runner.Answer) before letting the runtime proceed.
func (r *Runner) preToolUse(sessionID string, regs []webhook.Registration, queue *streampublisher.Queue) agentruntime.PreToolUseHandler {
	return func(ctx context.Context, _, toolName string, toolInput json.RawMessage) agentruntime.PreToolUseDecision {
		if ok, err := r.interrupts.Observe(ctx, sessionID); err == nil && ok {
			return agentruntime.PreToolUseDecision{Reason: "interrupted"}
		}

		result := r.webhooks.Dispatch(ctx, regs, webhook.Payload{
			Event:     webhook.EventPreToolUse,
			SessionID: sessionID,
			ToolName:  toolName,
			ToolInput: toolInputMap(toolInput),
		})

		switch result.Decision {
		case webhook.DecisionDeny:
			return agentruntime.PreToolUseDecision{Reason: result.Reason}

		case webhook.DecisionAsk:
			questionID := uuid.NewString()
			answer := r.asks.register(questionID)
			defer r.asks.clear(questionID)

			queue.Push(streampublisher.Event{Name: streampublisher.EventQuestion, Data: agentruntime.QuestionPayload{
				QuestionID: questionID,
				Text:       fmt.Sprintf("allow tool %q?", toolName),
				Options:    []string{"allow", "deny"},
			}})

			select {
			case approved := <-answer:
				if !approved {
					return agentruntime.PreToolUseDecision{Reason: "denied by operator"}
				}
			case <-ctx.Done():
				return agentruntime.PreToolUseDecision{Reason: "session ended while awaiting approval"}
			}
			return agentruntime.PreToolUseDecision{Proceed: true, ModifiedInput: modifiedInput(toolInput, result)}

		default:
			return agentruntime.PreToolUseDecision{Proceed: true, ModifiedInput: modifiedInput(toolInput, result)}
		}
	}
}

func modifiedInput(original json.RawMessage, result webhook.Result) json.RawMessage {
	if len(result.ModifiedInput) == 0 {
		return original
	}
	modified, err := json.Marshal(result.ModifiedInput)
	if err != nil {
		return original
	}
	return modified
}

// recordMessage persists one upstream message turn to the durable audit
// log under the kind matching its speaker.
func (r *Runner) recordMessage(ctx context.Context, sessionID string, payload agentruntime.MessagePayload) {
	kind := session.MessageKindAssistant
	switch payload.Type {
	case agentruntime.RoleUser:
		kind = session.MessageKindUser
	case agentruntime.RoleSystem:
		kind = session.MessageKindSystem
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("agentrunner: marshaling message for persistence failed", "session_id", sessionID, "error", err)
		return
	}
	r.sessions.RecordMessage(ctx, sessionID, kind, raw)
}

// promptMessage wraps a bare prompt string in the same MessagePayload
// shape upstream messages use, so the audit log and History replay stay
// uniform regardless of who produced a given turn.
func promptMessage(prompt string) json.RawMessage {
	raw, err := json.Marshal(agentruntime.MessagePayload{
		Type:    agentruntime.RoleUser,
		Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: prompt}},
	})
	if err != nil {
		return nil
	}
	return raw
}

// loadHistory turns a resumed session's stored turns into replayable
// InvocationOptions.History entries, skipping audit-only kinds (like a
// terminal result record) that aren't a conversational turn.
func (r *Runner) loadHistory(ctx context.Context, sessionID string, owner session.OwnerHash) ([]agentruntime.HistoryTurn, error) {
	msgs, err := r.sessions.Messages(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}

	history := make([]agentruntime.HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		role, ok := messageKindToRole(m.Kind)
		if !ok {
			continue
		}
		history = append(history, agentruntime.HistoryTurn{Role: role, Content: m.Content})
	}
	return history, nil
}

func messageKindToRole(kind session.MessageKind) (agentruntime.MessageRole, bool) {
	switch kind {
	case session.MessageKindUser:
		return agentruntime.RoleUser, true
	case session.MessageKindAssistant:
		return agentruntime.RoleAssistant, true
	case session.MessageKindSystem:
		return agentruntime.RoleSystem, true
	default:
		return "", false
	}
}

// finish persists the terminal status through sessionsvc's locked
// update path, folding in the final turn/cost counters when a result
// payload was observed.
func (r *Runner) finish(ctx context.Context, sess *session.Session, owner session.OwnerHash, status session.Status, result *agentruntime.ResultPayload) {
	ctx = context.WithoutCancel(ctx)
	_, err := r.sessions.UpdateSession(ctx, sess.ID, owner, func(s *session.Session) error {
		s.Status = status
		s.TotalTurns++
		if result != nil {
			if result.TotalCostUSD != nil {
				s.TotalCostUSD += *result.TotalCostUSD
			}
			if result.NumTurns > 0 {
				s.TotalTurns = result.NumTurns
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("agentrunner: persisting terminal status failed", "session_id", sess.ID, "status", status, "error", err)
	}
}

func encodeServers(servers map[string]mcpconfig.ServerConfig) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(servers))
	for name, cfg := range servers {
		raw, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		out[name] = raw
	}
	return out
}

func toolInputMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
