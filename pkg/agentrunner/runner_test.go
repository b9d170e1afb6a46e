package agentrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeRepo is a minimal in-memory session.Repository, enough for
// sessionsvc to operate against in these tests.
type fakeRepo struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	checkpoints map[string][]*session.Checkpoint
	messages    map[string][]*session.Message
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:    map[string]*session.Session{},
		checkpoints: map[string][]*session.Checkpoint{},
		messages:    map[string][]*session.Message{},
	}
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
	return nil, 0, nil
}

func (f *fakeRepo) AddMessage(ctx context.Context, sessionID string, kind session.MessageKind, content []byte) (*session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &session.Message{SessionID: sessionID, Kind: kind, Content: content}
	f.messages[sessionID] = append(f.messages[sessionID], m)
	return m, nil
}

func (f *fakeRepo) ListMessages(ctx context.Context, sessionID string) ([]*session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[sessionID], nil
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

func (f *fakeRepo) only() *session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		return s
	}
	return nil
}

// fakeRuntime emits a canned sequence of events and records interrupt
// calls, so tests can assert the mapping and the interrupt check point.
type fakeRuntime struct {
	events    []agentruntime.Event
	invokeErr error

	mu           sync.Mutex
	interrupted  bool
	interruptSes string
	lastOpts     agentruntime.InvocationOptions
}

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
	r.mu.Lock()
	r.lastOpts = opts
	r.mu.Unlock()
	if r.invokeErr != nil {
		return nil, r.invokeErr
	}
	return &fakeStream{events: r.events}, nil
}

func (r *fakeRuntime) opts() agentruntime.InvocationOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOpts
}

func (r *fakeRuntime) Interrupt(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
	r.interruptSes = sessionID
	return nil
}

func (r *fakeRuntime) Rewind(ctx context.Context, sessionID, targetUserMessageUUID string) error {
	return nil
}

func (r *fakeRuntime) Answer(ctx context.Context, sessionID, questionID, answer string) error {
	return nil
}

type noRegs struct{}

func (noRegs) ListRegistrations(ctx context.Context, owner session.OwnerHash) ([]webhook.Registration, error) {
	return nil, nil
}

// fixedRegs always hands back the same registrations, so tests can point
// AgentRunner's webhook dispatch at a local httptest server.
type fixedRegs []webhook.Registration

func (f fixedRegs) ListRegistrations(ctx context.Context, owner session.OwnerHash) ([]webhook.Registration, error) {
	return f, nil
}

func rawEvent(t *testing.T, kind agentruntime.EventKind, payload any) agentruntime.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return agentruntime.Event{Kind: kind, Payload: data}
}

func newTestRunner(t *testing.T, events []agentruntime.Event) (*Runner, *fakeRepo, *cache.InMemoryCache, *fakeRuntime) {
	t.Helper()
	return newTestRunnerWithRegs(t, events, noRegs{})
}

func newTestRunnerWithRegs(t *testing.T, events []agentruntime.Event, regs WebhookRegistry) (*Runner, *fakeRepo, *cache.InMemoryCache, *fakeRuntime) {
	t.Helper()
	repo := newFakeRepo()
	c := cache.NewInMemory()
	svc := sessionsvc.New(repo, c, time.Minute, nil)
	rt := &fakeRuntime{events: events}
	resolver := mcpconfig.NewResolver("/nonexistent-app-config.json", c, nil)
	enricher := requestenricher.New(resolver)
	bus := interruptbus.New(c, nil)
	cps := checkpoint.New(repo, rt)

	r := New(svc, rt, c, webhook.NewClient(nil), regs, bus, cps, enricher, nil)
	return r, repo, c, rt
}

func collectUntilDone(t *testing.T, queue *streampublisher.Queue) []string {
	t.Helper()
	done := make(chan struct{})
	defer close(done)

	var names []string
	for {
		ev, ok := queue.Pop(done)
		if !ok {
			return names
		}
		names = append(names, string(ev.Name))
		if ev.Name == streampublisher.EventDone {
			return names
		}
	}
}

func TestStartCreatesSessionAndStreamsToCompletion(t *testing.T) {
	events := []agentruntime.Event{
		rawEvent(t, agentruntime.EventInit, agentruntime.InitPayload{SessionID: "x", Model: "m"}),
		rawEvent(t, agentruntime.EventMessage, agentruntime.MessagePayload{Type: agentruntime.RoleAssistant, Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: "hi"}}}),
		rawEvent(t, agentruntime.EventResult, agentruntime.ResultPayload{SessionID: "x", NumTurns: 1}),
	}
	r, repo, _, _ := newTestRunner(t, events)
	owner := session.HashOwner("key-a")

	queue, sessionID, err := r.Start(context.Background(), requestenricher.Request{Prompt: "hello", Model: "m"}, owner, "")
	require.NoError(t, err)
	require.NotNil(t, queue)
	require.NotEmpty(t, sessionID)

	names := collectUntilDone(t, queue)

	assert.Contains(t, names, "init")
	assert.Contains(t, names, "message")
	assert.Contains(t, names, "result")
	assert.Contains(t, names, "done")

	require.Eventually(t, func() bool {
		s := repo.only()
		return s != nil && s.Status == session.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartFailsFastWhenSessionAlreadyActive(t *testing.T) {
	r, repo, c, _ := newTestRunner(t, nil)
	owner := session.HashOwner("key-b")

	sess := session.New("m", "/tmp", owner, "")
	require.NoError(t, repo.Create(context.Background(), sess))

	_, err := c.AcquireLock(context.Background(), activeKey(sess.ID), time.Minute, 0)
	require.NoError(t, err)

	_, _, err = r.Start(context.Background(), requestenricher.Request{Prompt: "hi"}, owner, sess.ID)
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestStreamStopsOnObservedInterrupt(t *testing.T) {
	events := []agentruntime.Event{
		rawEvent(t, agentruntime.EventMessage, agentruntime.MessagePayload{
			Type: agentruntime.RoleAssistant,
			Content: []agentruntime.ContentBlock{
				{Type: agentruntime.ContentToolUse, ToolName: "shell", ToolInput: json.RawMessage(`{"cmd":"ls"}`)},
			},
		}),
		rawEvent(t, agentruntime.EventMessage, agentruntime.MessagePayload{Type: agentruntime.RoleAssistant, Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: "should not be reached"}}}),
	}
	r, repo, c, rt := newTestRunner(t, events)
	owner := session.HashOwner("key-c")

	queue, _, err := r.Start(context.Background(), requestenricher.Request{Prompt: "hi"}, owner, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return repo.only() != nil }, time.Second, time.Millisecond)
	sess := repo.only()

	bus := interruptbus.New(c, nil)
	require.NoError(t, bus.SignalInterrupt(context.Background(), sess.ID))

	names := collectUntilDone(t, queue)
	assert.Contains(t, names, "done")

	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.interrupted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForkRequiresParentOwnership(t *testing.T) {
	r, repo, _, _ := newTestRunner(t, nil)
	owner := session.HashOwner("key-d")
	other := session.HashOwner("key-e")

	parent := session.New("m", "/tmp", owner, "")
	require.NoError(t, repo.Create(context.Background(), parent))

	_, err := r.Fork(context.Background(), parent.ID, other, "m", "/tmp")
	assert.ErrorIs(t, err, sessionsvc.ErrNotFound)

	child, err := r.Fork(context.Background(), parent.ID, owner, "m", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentSessionID)
}

func TestAnswerDelegatesToRuntime(t *testing.T) {
	r, _, _, _ := newTestRunner(t, nil)
	err := r.Answer(context.Background(), "sess-1", "q-1", "yes")
	assert.NoError(t, err)
}

// hookServer returns an httptest server that always replies with decision.
func hookServer(t *testing.T, decision webhook.Decision) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(webhook.Response{Decision: decision})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPreToolUseBlocksExecutionWhenWebhookDenies(t *testing.T) {
	srv := hookServer(t, webhook.DecisionDeny)
	regs := fixedRegs{{URL: srv.URL}}
	r, _, _, _ := newTestRunnerWithRegs(t, nil, regs)

	queue := streampublisher.NewQueue()
	handler := r.preToolUse("sess-1", regs, queue)
	decision := handler(context.Background(), "sess-1", "shell", json.RawMessage(`{"cmd":"rm -rf /"}`))

	assert.False(t, decision.Proceed)
	assert.NotEmpty(t, decision.Reason)
}

func TestPreToolUseAllowsAndCarriesModifiedInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(webhook.Response{
			Decision:      webhook.DecisionAllow,
			ModifiedInput: map[string]any{"cmd": "ls -la"},
		})
	}))
	t.Cleanup(srv.Close)
	regs := fixedRegs{{URL: srv.URL}}
	r, _, _, _ := newTestRunnerWithRegs(t, nil, regs)

	queue := streampublisher.NewQueue()
	handler := r.preToolUse("sess-1", regs, queue)
	decision := handler(context.Background(), "sess-1", "shell", json.RawMessage(`{"cmd":"ls"}`))

	require.True(t, decision.Proceed)
	var got map[string]string
	require.NoError(t, json.Unmarshal(decision.ModifiedInput, &got))
	assert.Equal(t, "ls -la", got["cmd"])
}

func TestPreToolUseAskBlocksUntilAnswered(t *testing.T) {
	srv := hookServer(t, webhook.DecisionAsk)
	regs := fixedRegs{{URL: srv.URL}}
	r, _, _, _ := newTestRunnerWithRegs(t, nil, regs)

	queue := streampublisher.NewQueue()
	handler := r.preToolUse("sess-1", regs, queue)

	type result struct {
		decision agentruntime.PreToolUseDecision
	}
	done := make(chan result, 1)
	go func() {
		d := handler(context.Background(), "sess-1", "shell", json.RawMessage(`{"cmd":"ls"}`))
		done <- result{decision: d}
	}()

	// the handler must publish a question event before it unblocks.
	var questionID string
	require.Eventually(t, func() bool {
		ev, ok := queue.Pop(make(chan struct{}))
		if !ok {
			return false
		}
		if ev.Name != streampublisher.EventQuestion {
			return false
		}
		q := ev.Data.(agentruntime.QuestionPayload)
		questionID = q.QuestionID
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Answer(context.Background(), "sess-1", questionID, "allow"))

	select {
	case res := <-done:
		assert.True(t, res.decision.Proceed)
	case <-time.After(2 * time.Second):
		t.Fatal("preToolUse did not unblock after Answer")
	}
}

func TestPreToolUseAskDeniedByOperator(t *testing.T) {
	srv := hookServer(t, webhook.DecisionAsk)
	regs := fixedRegs{{URL: srv.URL}}
	r, _, _, _ := newTestRunnerWithRegs(t, nil, regs)

	queue := streampublisher.NewQueue()
	handler := r.preToolUse("sess-1", regs, queue)

	done := make(chan agentruntime.PreToolUseDecision, 1)
	go func() {
		done <- handler(context.Background(), "sess-1", "shell", json.RawMessage(`{}`))
	}()

	var questionID string
	require.Eventually(t, func() bool {
		ev, ok := queue.Pop(make(chan struct{}))
		if !ok {
			return false
		}
		q := ev.Data.(agentruntime.QuestionPayload)
		questionID = q.QuestionID
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Answer(context.Background(), "sess-1", questionID, "deny"))

	select {
	case decision := <-done:
		assert.False(t, decision.Proceed)
	case <-time.After(2 * time.Second):
		t.Fatal("preToolUse did not unblock after Answer")
	}
}

func TestResumeFeedsPriorHistoryIntoInvocationOptions(t *testing.T) {
	firstEvents := []agentruntime.Event{
		rawEvent(t, agentruntime.EventMessage, agentruntime.MessagePayload{Type: agentruntime.RoleAssistant, Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: "first reply"}}}),
		rawEvent(t, agentruntime.EventResult, agentruntime.ResultPayload{SessionID: "x", NumTurns: 1}),
	}
	r, repo, _, rt := newTestRunner(t, firstEvents)
	owner := session.HashOwner("key-resume")

	queue, sessionID, err := r.Start(context.Background(), requestenricher.Request{Prompt: "hello", Model: "m"}, owner, "")
	require.NoError(t, err)
	collectUntilDone(t, queue)

	require.Eventually(t, func() bool {
		s := repo.only()
		return s != nil && s.Status == session.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	firstOpts := rt.opts()
	assert.Empty(t, firstOpts.ResumeSessionID)
	assert.Empty(t, firstOpts.History)

	// resume: same session ID, reusing the same runner/repo/cache so
	// resolveSession loads the existing session instead of creating one.
	rt.events = nil
	queue2, _, err := r.Start(context.Background(), requestenricher.Request{Prompt: "again"}, owner, sessionID)
	require.NoError(t, err)
	collectUntilDone(t, queue2)

	resumedOpts := rt.opts()
	assert.Equal(t, sessionID, resumedOpts.ResumeSessionID)
	assert.NotEmpty(t, resumedOpts.History)
}

func TestDoneEventCarriesDroppedCount(t *testing.T) {
	// the queue's producer (stream) never blocks on a slow/absent
	// consumer, so pushing far more than its bounded capacity before
	// this test ever calls Pop guarantees some are dropped by the time
	// the terminal done event is produced.
	events := make([]agentruntime.Event, 0, 150)
	for range 150 {
		events = append(events, rawEvent(t, agentruntime.EventMessage, agentruntime.MessagePayload{
			Type:    agentruntime.RoleAssistant,
			Content: []agentruntime.ContentBlock{{Type: agentruntime.ContentText, Text: "x"}},
		}))
	}
	events = append(events, rawEvent(t, agentruntime.EventResult, agentruntime.ResultPayload{SessionID: "x", NumTurns: 1}))

	r, repo, _, _ := newTestRunner(t, events)
	owner := session.HashOwner("key-dropped")

	queue, _, err := r.Start(context.Background(), requestenricher.Request{Prompt: "hi"}, owner, "")
	require.NoError(t, err)

	// let the producer finish pushing every event (and close the queue)
	// before this test ever calls Pop, so the backlog genuinely exceeds
	// the bounded capacity instead of racing against the drain.
	require.Eventually(t, func() bool {
		s := repo.only()
		return s != nil && s.Status == session.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	var last streampublisher.Event
	done := make(chan struct{})
	defer close(done)
	for {
		ev, ok := queue.Pop(done)
		if !ok {
			break
		}
		last = ev
		if ev.Name == streampublisher.EventDone {
			break
		}
	}

	require.Equal(t, streampublisher.EventDone, last.Name)
	data, ok := last.Data.(streampublisher.DoneData)
	require.True(t, ok)
	assert.Greater(t, data.Dropped, 0)
}
