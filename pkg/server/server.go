// Package server exposes the HTTP surface from spec §6: JSON endpoints
// for session control plus SSE and WebSocket streaming, all behind a
// thin API-key extraction middleware (the real authentication decision
// is an external collaborator; this layer only derives the tenant hash
// from whatever credential the caller presents and passes it downstream,
// per spec §4.8). Grounded on the teacher's echo wiring and Serve(ctx,
// ln) shape in the original pkg/server/server.go.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/docker/agent-session-engine/pkg/agentrunner"
	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/api"
	"github.com/docker/agent-session-engine/pkg/checkpoint"
	"github.com/docker/agent-session-engine/pkg/requestenricher"
	"github.com/docker/agent-session-engine/pkg/session"
	"github.com/docker/agent-session-engine/pkg/sessionsvc"
	"github.com/docker/agent-session-engine/pkg/streampublisher"

	internalratelimit "github.com/docker/agent-session-engine/internal/ratelimit"
)

const ownerContextKey = "owner"

// Server wires the HTTP surface to the session, checkpoint, and
// agent-invocation services.
type Server struct {
	e           *echo.Echo
	runner      *agentrunner.Runner
	sessions    *sessionsvc.Service
	checkpoints *checkpoint.Service
	limiter     *internalratelimit.Limiter
	heartbeat   time.Duration
	log         *slog.Logger
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func New(
	runner *agentrunner.Runner,
	sessions *sessionsvc.Service,
	checkpoints *checkpoint.Service,
	limiter *internalratelimit.Limiter,
	corsOrigins []string,
	heartbeat time.Duration,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: corsOrigins}))

	s := &Server{
		e:           e,
		runner:      runner,
		sessions:    sessions,
		checkpoints: checkpoints,
		limiter:     limiter,
		heartbeat:   heartbeat,
		log:         log,
	}

	e.GET("/api/v1/health", s.health)

	group := e.Group("/api/v1", s.authenticate)
	group.POST("/query", s.query)
	group.POST("/query/single", s.querySingle)
	group.GET("/query/ws", s.queryWS)
	group.GET("/sessions", s.listSessions)
	group.GET("/sessions/:id", s.getSession)
	group.POST("/sessions/:id/resume", s.resumeSession)
	group.POST("/sessions/:id/fork", s.forkSession)
	group.POST("/sessions/:id/interrupt", s.interruptSession)
	group.POST("/sessions/:id/answer", s.answerSession)
	group.GET("/sessions/:id/checkpoints", s.listCheckpoints)
	group.POST("/sessions/:id/rewind", s.rewindSession)

	return s
}

func (s *Server) Serve(_ context.Context, ln net.Listener) error {
	srv := http.Server{Handler: s.e}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("server: failed to serve", "error", err)
		return err
	}
	return nil
}

// authenticate extracts the caller's API key and derives the tenant
// hash every downstream call is scoped by. It never validates the key
// against a registry — that is the external middleware's job (spec
// §4.8) — it only rejects an altogether-missing credential and applies
// the per-tenant rate limit.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := extractAPIKey(c.Request())
		if key == "" {
			return writeError(c, http.StatusUnauthorized, api.ErrInvalidAPIKey, "missing API key")
		}

		owner := session.HashOwner(key)
		c.Set(ownerContextKey, owner)

		if s.limiter != nil && !s.limiter.Allow(owner) {
			return writeError(c, http.StatusTooManyRequests, api.ErrRateLimited, "rate limit exceeded")
		}

		return next(c)
	}
}

func extractAPIKey(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return ""
}

func ownerFromContext(c echo.Context) session.OwnerHash {
	owner, _ := c.Get(ownerContextKey).(session.OwnerHash)
	return owner
}

func writeError(c echo.Context, status int, code api.ErrorCode, msg string) error {
	return c.JSON(status, api.NewErrorResponse(code, msg))
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func toEnricherRequest(req api.QueryRequest) requestenricher.Request {
	out := requestenricher.Request{
		Prompt:         req.Prompt,
		Model:          req.Model,
		WorkingDir:     req.WorkingDir,
		Env:            req.Env,
		PermissionMode: req.PermissionMode,
		AllowedTools:   req.AllowedTools,
		DeniedTools:    req.DeniedTools,
		Checkpointing:  req.Checkpointing,
	}
	if req.McpServers != nil {
		out.McpServers = *req.McpServers
		out.McpServersPresent = true
	}
	return out
}

// mapStartErr classifies agentrunner.Start/Fork failures onto the
// stable error-code taxonomy (spec §6). Anything neither a lock
// conflict nor a not-found originates from request enrichment, which
// only ever fails on caller input.
func mapStartErr(err error) (int, api.ErrorCode) {
	switch {
	case errors.Is(err, agentrunner.ErrSessionBusy), errors.Is(err, sessionsvc.ErrLockTimeout):
		return http.StatusConflict, api.ErrSessionLocked
	case errors.Is(err, sessionsvc.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, api.ErrSessionNotFound
	default:
		return http.StatusBadRequest, api.ErrValidation
	}
}

func (s *Server) query(c echo.Context) error {
	owner := ownerFromContext(c)

	var req api.QueryRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, "invalid request body")
	}

	queue, _, err := s.runner.Start(c.Request().Context(), toEnricherRequest(req), owner, req.SessionID)
	if err != nil {
		status, code := mapStartErr(err)
		return writeError(c, status, code, err.Error())
	}

	return s.streamSSE(c, queue)
}

func (s *Server) querySingle(c echo.Context) error {
	owner := ownerFromContext(c)

	var req api.QueryRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, "invalid request body")
	}

	queue, sessionID, err := s.runner.Start(c.Request().Context(), toEnricherRequest(req), owner, req.SessionID)
	if err != nil {
		status, code := mapStartErr(err)
		return writeError(c, status, code, err.Error())
	}

	resp := aggregate(c.Request().Context(), sessionID, queue)
	return c.JSON(http.StatusOK, resp)
}

// aggregate drains queue to completion, folding its events into a
// single response body for callers that don't want the SSE transport.
func aggregate(ctx context.Context, sessionID string, queue *streampublisher.Queue) api.SingleQueryResponse {
	resp := api.SingleQueryResponse{SessionID: sessionID}

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(done)
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		ev, ok := queue.Pop(done)
		if !ok {
			return resp
		}
		switch ev.Name {
		case streampublisher.EventMessage:
			if mp, ok := ev.Data.(agentruntime.MessagePayload); ok {
				resp.Messages = append(resp.Messages, mp)
			}
		case streampublisher.EventResult:
			if rp, ok := ev.Data.(agentruntime.ResultPayload); ok {
				resp.Result = &rp
			}
		case streampublisher.EventError:
			if ep, ok := ev.Data.(agentruntime.ErrorPayload); ok {
				resp.Error = &ep
			}
		case streampublisher.EventDone:
			if dd, ok := ev.Data.(streampublisher.DoneData); ok {
				resp.Reason = string(dd.Reason)
			}
			return resp
		}
	}
}

func (s *Server) streamSSE(c echo.Context, queue *streampublisher.Queue) error {
	pub, err := streampublisher.NewSSE(c.Response(), s.heartbeat, s.log)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, api.ErrInternal, err.Error())
	}
	pub.Run(c.Request().Context(), queue)
	return nil
}

func (s *Server) listSessions(c echo.Context) error {
	owner := ownerFromContext(c)

	params, err := api.ParsePaginationParams(c.QueryParam("offset"), c.QueryParam("limit"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, err.Error())
	}

	sessions, total, err := s.sessions.ListSessions(c.Request().Context(), owner, params.Offset, params.Limit)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, api.ErrInternal, "failed to list sessions")
	}

	responses := make([]api.SessionResponse, len(sessions))
	for i, sess := range sessions {
		responses[i] = api.NewSessionResponse(sess)
	}

	return c.JSON(http.StatusOK, api.SessionListResponse{
		Sessions:   responses,
		Pagination: api.NewPaginationMetadata(params, len(responses), total),
	})
}

func (s *Server) getSession(c echo.Context) error {
	owner := ownerFromContext(c)

	sess, err := s.sessions.GetSession(c.Request().Context(), c.Param("id"), owner)
	if err != nil {
		return writeError(c, http.StatusNotFound, api.ErrSessionNotFound, "session not found")
	}

	return c.JSON(http.StatusOK, api.NewSessionResponse(sess))
}

func (s *Server) resumeSession(c echo.Context) error {
	owner := ownerFromContext(c)
	sessionID := c.Param("id")

	var req api.ResumeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, "invalid request body")
	}

	queue, _, err := s.runner.Start(c.Request().Context(), requestenricher.Request{Prompt: req.Prompt}, owner, sessionID)
	if err != nil {
		status, code := mapStartErr(err)
		return writeError(c, status, code, err.Error())
	}

	return s.streamSSE(c, queue)
}

func (s *Server) forkSession(c echo.Context) error {
	owner := ownerFromContext(c)
	parentID := c.Param("id")

	var req api.ForkRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, "invalid request body")
	}

	parent, err := s.sessions.GetSession(c.Request().Context(), parentID, owner)
	if err != nil {
		return writeError(c, http.StatusNotFound, api.ErrSessionNotFound, "session not found")
	}

	model := req.Model
	if model == "" {
		model = parent.Model
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = parent.WorkingDir
	}

	child, err := s.runner.Fork(c.Request().Context(), parentID, owner, model, workingDir)
	if err != nil {
		status, code := mapStartErr(err)
		return writeError(c, status, code, err.Error())
	}

	queue, _, err := s.runner.Start(c.Request().Context(), requestenricher.Request{
		Prompt:     req.Prompt,
		Model:      model,
		WorkingDir: workingDir,
	}, owner, child.ID)
	if err != nil {
		status, code := mapStartErr(err)
		return writeError(c, status, code, err.Error())
	}

	return s.streamSSE(c, queue)
}

func (s *Server) interruptSession(c echo.Context) error {
	owner := ownerFromContext(c)
	sessionID := c.Param("id")

	if _, err := s.sessions.GetSession(c.Request().Context(), sessionID, owner); err != nil {
		return writeError(c, http.StatusNotFound, api.ErrSessionNotFound, "session not found")
	}

	if err := s.runner.Interrupt(c.Request().Context(), sessionID); err != nil {
		return writeError(c, http.StatusInternalServerError, api.ErrInternal, "failed to signal interrupt")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) answerSession(c echo.Context) error {
	owner := ownerFromContext(c)
	sessionID := c.Param("id")

	if _, err := s.sessions.GetSession(c.Request().Context(), sessionID, owner); err != nil {
		return writeError(c, http.StatusNotFound, api.ErrSessionNotFound, "session not found")
	}

	var req api.AnswerRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, "invalid request body")
	}

	if err := s.runner.Answer(c.Request().Context(), sessionID, req.QuestionID, req.Answer); err != nil {
		return writeError(c, http.StatusInternalServerError, api.ErrUpstreamUnavail, "failed to deliver answer")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "answered"})
}

func (s *Server) listCheckpoints(c echo.Context) error {
	owner := ownerFromContext(c)
	sessionID := c.Param("id")

	if _, err := s.sessions.GetSession(c.Request().Context(), sessionID, owner); err != nil {
		return writeError(c, http.StatusNotFound, api.ErrSessionNotFound, "session not found")
	}

	checkpoints, err := s.checkpoints.List(c.Request().Context(), sessionID)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, api.ErrInternal, "failed to list checkpoints")
	}

	responses := make([]api.CheckpointResponse, len(checkpoints))
	for i, cp := range checkpoints {
		responses[i] = api.NewCheckpointResponse(cp)
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) rewindSession(c echo.Context) error {
	owner := ownerFromContext(c)
	sessionID := c.Param("id")

	if _, err := s.sessions.GetSession(c.Request().Context(), sessionID, owner); err != nil {
		return writeError(c, http.StatusNotFound, api.ErrSessionNotFound, "session not found")
	}

	var req api.RewindRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, api.ErrValidation, "invalid request body")
	}

	if err := s.checkpoints.ApplyRewind(c.Request().Context(), sessionID, req.UserMessageUUID); err != nil {
		if errors.Is(err, checkpoint.ErrCrossSession) {
			return writeError(c, http.StatusBadRequest, api.ErrValidation, "checkpoint belongs to a different session")
		}
		return writeError(c, http.StatusInternalServerError, api.ErrUpstreamUnavail, "failed to rewind")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "rewound"})
}

// queryWS is the bidirectional counterpart to query/query-single/resume:
// one connection may carry a sequence of prompts, interrupts, and
// answers, all scoped to whatever session the client names (spec §6).
func (s *Server) queryWS(c echo.Context) error {
	owner := ownerFromContext(c)

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("server: websocket upgrade failed: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	pub := streampublisher.NewWS(conn, s.heartbeat, s.log)

	pub.ReadLoop(ctx, func(msg streampublisher.ClientMessage) {
		switch msg.Type {
		case "prompt":
			queue, _, err := s.runner.Start(ctx, requestenricher.Request{Prompt: msg.Prompt}, owner, msg.SessionID)
			if err != nil {
				s.log.Warn("server: ws start failed", "error", err)
				return
			}
			go pub.Run(ctx, queue)
		case "interrupt":
			if err := s.runner.Interrupt(ctx, msg.SessionID); err != nil {
				s.log.Warn("server: ws interrupt failed", "session_id", msg.SessionID, "error", err)
			}
		case "answer":
			if err := s.runner.Answer(ctx, msg.SessionID, msg.Question, msg.Answer); err != nil {
				s.log.Warn("server: ws answer failed", "session_id", msg.SessionID, "error", err)
			}
		}
	})

	return nil
}
