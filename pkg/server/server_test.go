package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agent-session-engine/pkg/agentrunner"
	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/api"
	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/checkpoint"
	"github.com/docker/agent-session-engine/pkg/interruptbus"
	"github.com/docker/agent-session-engine/pkg/mcpconfig"
	"github.com/docker/agent-session-engine/pkg/requestenricher"
	"github.com/docker/agent-session-engine/pkg/session"
	"github.com/docker/agent-session-engine/pkg/sessionsvc"
	"github.com/docker/agent-session-engine/pkg/webhook"

	internalratelimit "github.com/docker/agent-session-engine/internal/ratelimit"
)

// fakeRepo mirrors pkg/agentrunner's test double, kept independent
// since each package's tests must stand alone.
type fakeRepo struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	checkpoints map[string][]*session.Checkpoint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: map[string]*session.Session{}, checkpoints: map[string][]*session.Checkpoint{}}
}

func (f *fakeRepo) Create(ctx context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id string, next session.Status, updatedAt time.Time) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	s.Status = next
	s.UpdatedAt = updatedAt
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ListByOwner(ctx context.Context, owner session.OwnerHash, offset, limit int) ([]*session.Session, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for _, s := range f.sessions {
		if s.OwnerHash == owner {
			cp := *s
			out = append(out, &cp)
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (f *fakeRepo) AddMessage(ctx context.Context, sessionID string, kind session.MessageKind, content []byte) (*session.Message, error) {
	return &session.Message{SessionID: sessionID, Kind: kind, Content: content}, nil
}

func (f *fakeRepo) ListMessages(ctx context.Context, sessionID string) ([]*session.Message, error) {
	return nil, nil
}

func (f *fakeRepo) AddCheckpoint(ctx context.Context, sessionID, userMessageUUID string, filesModified []string) (*session.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := &session.Checkpoint{SessionID: sessionID, UserMessageUUID: userMessageUUID, FilesModified: filesModified}
	f.checkpoints[sessionID] = append(f.checkpoints[sessionID], cp)
	return cp, nil
}

func (f *fakeRepo) ListCheckpoints(ctx context.Context, sessionID string) ([]*session.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[sessionID], nil
}

func (f *fakeRepo) GetCheckpoint(ctx context.Context, id string) (*session.Checkpoint, error) {
	return nil, session.ErrNotFound
}

type fakeRuntime struct{ events []agentruntime.Event }

type fakeStream struct {
	events []agentruntime.Event
	idx    int
}

func (s *fakeStream) Next(ctx context.Context) (agentruntime.Event, bool, error) {
	if s.idx >= len(s.events) {
		return agentruntime.Event{}, false, nil
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, true, nil
}

func (s *fakeStream) Close() error { return nil }

func (r *fakeRuntime) Invoke(ctx context.Context, opts agentruntime.InvocationOptions) (agentruntime.Stream, error) {
	return &fakeStream{events: r.events}, nil
}
func (r *fakeRuntime) Interrupt(ctx context.Context, sessionID string) error { return nil }
func (r *fakeRuntime) Rewind(ctx context.Context, sessionID, target string) error {
	return nil
}
func (r *fakeRuntime) Answer(ctx context.Context, sessionID, questionID, answer string) error {
	return nil
}

type noRegs struct{}

func (noRegs) ListRegistrations(ctx context.Context, owner session.OwnerHash) ([]webhook.Registration, error) {
	return nil, nil
}

func rawEvent(t *testing.T, kind agentruntime.EventKind, payload any) agentruntime.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return agentruntime.Event{Kind: kind, Payload: data}
}

func newTestServer(t *testing.T, events []agentruntime.Event) (*Server, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	c := cache.NewInMemory()
	svc := sessionsvc.New(repo, c, time.Minute, nil)
	rt := &fakeRuntime{events: events}
	resolver := mcpconfig.NewResolver("/nonexistent-app-config.json", c, nil)
	enricher := requestenricher.New(resolver)
	bus := interruptbus.New(c, nil)
	cps := checkpoint.New(repo, rt)
	runner := agentrunner.New(svc, rt, c, webhook.NewClient(nil), noRegs{}, bus, cps, enricher, nil)
	limiter := internalratelimit.New(1000, 1000)

	srv := New(runner, svc, cps, limiter, nil, 50*time.Millisecond, nil)
	return srv, repo
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryWithoutAPIKeyIsRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, api.ErrInvalidAPIKey, body.Code)
}

func TestQuerySingleAggregatesToDone(t *testing.T) {
	events := []agentruntime.Event{
		rawEvent(t, agentruntime.EventInit, agentruntime.InitPayload{SessionID: "x", Model: "m"}),
		rawEvent(t, agentruntime.EventMessage, agentruntime.MessagePayload{Type: agentruntime.RoleAssistant, Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: "hi"}}}),
		rawEvent(t, agentruntime.EventResult, agentruntime.ResultPayload{SessionID: "x", NumTurns: 1}),
	}
	srv, _ := newTestServer(t, events)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/single", strings.NewReader(`{"prompt":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "tenant-a")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.SingleQueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "completed", resp.Reason)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.NumTurns)
}

func TestQueryStreamsSSEEvents(t *testing.T) {
	events := []agentruntime.Event{
		rawEvent(t, agentruntime.EventResult, agentruntime.ResultPayload{SessionID: "x", NumTurns: 1}),
	}
	srv, _ := newTestServer(t, events)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"prompt":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "tenant-a")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: result")
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestListSessionsIsOwnerScoped(t *testing.T) {
	srv, repo := newTestServer(t, nil)
	owner := session.HashOwner("tenant-a")
	require.NoError(t, repo.Create(context.Background(), session.New("m", "/tmp", owner, "")))
	require.NoError(t, repo.Create(context.Background(), session.New("m", "/tmp", session.HashOwner("tenant-b"), "")))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", "tenant-a")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.SessionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)
}

func TestGetSessionCrossTenantReturnsNotFound(t *testing.T) {
	srv, repo := newTestServer(t, nil)
	owner := session.HashOwner("tenant-a")
	sess := session.New("m", "/tmp", owner, "")
	require.NoError(t, repo.Create(context.Background(), sess))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	req.Header.Set("X-API-Key", "tenant-b")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, api.ErrSessionNotFound, body.Code)
}

func TestInterruptSessionUnknownIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/does-not-exist/interrupt", nil)
	req.Header.Set("X-API-Key", "tenant-a")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
