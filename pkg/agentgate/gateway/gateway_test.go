package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/agent"
	"github.com/jholhewres/agentgate/pkg/agentgate/channels"
	"github.com/jholhewres/agentgate/pkg/agentgate/health"
	"github.com/jholhewres/agentgate/pkg/agentgate/persona"
	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/scheduler"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
	"github.com/jholhewres/agentgate/pkg/agentgate/tools"
)

// cannedBackend always answers with the same text.
type cannedBackend struct {
	reply string
}

func (c *cannedBackend) Name() string { return "canned" }

func (c *cannedBackend) Complete(_ context.Context, _ *provider.Request) (*provider.Result, error) {
	return &provider.Result{Content: c.reply, Handle: "canned"}, nil
}

func (c *cannedBackend) Probe(_ context.Context) error { return nil }

// fakeChannel is an in-memory platform adapter.
type fakeChannel struct {
	name      string
	connected bool
	inbound   chan *channels.IncomingMessage

	mu   sync.Mutex
	sent []*channels.OutgoingMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, connected: true, inbound: make(chan *channels.IncomingMessage, 8)}
}

func (f *fakeChannel) Name() string                      { return f.name }
func (f *fakeChannel) Connect(_ context.Context) error   { return nil }
func (f *fakeChannel) Disconnect() error                 { return nil }
func (f *fakeChannel) IsConnected() bool                 { return f.connected }
func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage { return f.inbound }

func (f *fakeChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: f.connected}
}

func (f *fakeChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentMessages() []*channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*channels.OutgoingMessage(nil), f.sent...)
}

// memJobStorage is an in-memory scheduler.JobStorage.
type memJobStorage struct {
	mu   sync.Mutex
	jobs map[string]*scheduler.Job
}

func newMemJobStorage() *memJobStorage {
	return &memJobStorage{jobs: make(map[string]*scheduler.Job)}
}

func (m *memJobStorage) Save(job *scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobStorage) Delete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memJobStorage) LoadAll() ([]*scheduler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*scheduler.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobStorage) Close() error { return nil }

// testStack is a fully wired pipeline over in-memory fakes.
type testStack struct {
	gw         *Gateway
	dispatcher *Dispatcher
	store      *session.Store
	sched      *scheduler.Scheduler
	channel    *fakeChannel
	srv        *httptest.Server
}

func newTestStack(t *testing.T, reply string) *testStack {
	t.Helper()

	backend := &cannedBackend{reply: reply}
	handle := provider.NewHandle("canned", 0, backend, 5, time.Minute)
	chain := provider.NewChain([]*provider.Handle{handle}, provider.ChainConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		CallTimeout:    time.Second,
		MaxInFlight:    2,
	}, nil)

	store := session.NewStore(nil, nil)
	compactor := session.NewCompactor(store, func(_ context.Context, _ string) (string, error) {
		return "summary", nil
	}, session.DefaultCompactorConfig(), nil)
	executor := tools.NewExecutor(tools.Config{}, nil)
	loop := agent.NewLoop(chain, store, executor, agent.Config{MaxRounds: 4}, nil)

	router, err := persona.NewRouter([]*persona.Persona{
		{Name: "assistant", Default: true},
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	dispatcher := NewDispatcher(router, store, compactor, loop, nil)
	channel := newFakeChannel("fake")
	dispatcher.RegisterChannel(channel)

	sched := scheduler.New(newMemJobStorage(), dispatcher.DispatchJob, scheduler.Config{}, nil)
	monitor := health.New([]*provider.Handle{handle}, health.Config{}, nil)

	gw := New(dispatcher, store, sched, monitor, Config{}, nil)
	gw.startedAt = time.Now()
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)

	return &testStack{gw: gw, dispatcher: dispatcher, store: store, sched: sched, channel: channel, srv: srv}
}

func (ts *testStack) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testStack) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestGatewayHealthEndpoint(t *testing.T) {
	ts := newTestStack(t, "ok")

	var body struct {
		Status    string `json:"status"`
		Providers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"providers"`
	}
	if code := ts.get(t, "/health", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Status != "ok" {
		t.Errorf("status %q", body.Status)
	}
	if len(body.Providers) != 1 || body.Providers[0].State != "healthy" {
		t.Errorf("providers %+v", body.Providers)
	}
}

func TestGatewayHealthDegradedWhenChannelDown(t *testing.T) {
	ts := newTestStack(t, "ok")
	ts.channel.connected = false

	var body struct {
		Status string `json:"status"`
	}
	if code := ts.get(t, "/health", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", code)
	}
	if body.Status != "degraded" {
		t.Errorf("status %q", body.Status)
	}
}

func TestGatewaySessionEndpoints(t *testing.T) {
	ts := newTestStack(t, "hello there")

	_, err := ts.dispatcher.HandleMessage(context.Background(), &channels.IncomingMessage{
		Channel:        "fake",
		ConversationID: "conv-1",
		Content:        "hi",
	})
	if err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	var list []struct {
		ConversationID string `json:"conversation_id"`
		Turns          int    `json:"turns"`
	}
	if code := ts.get(t, "/api/sessions", &list); code != http.StatusOK {
		t.Fatalf("list status %d", code)
	}
	if len(list) != 1 || list[0].ConversationID != "conv-1" || list[0].Turns != 2 {
		t.Errorf("session list %+v", list)
	}

	var turns []session.Turn
	if code := ts.get(t, "/api/sessions/conv-1", &turns); code != http.StatusOK {
		t.Fatalf("get status %d", code)
	}
	if len(turns) != 2 || turns[1].Content != "hello there" {
		t.Errorf("turns %+v", turns)
	}

	if code := ts.do(t, http.MethodDelete, "/api/sessions/conv-1", nil, nil); code != http.StatusOK {
		t.Fatalf("delete status %d", code)
	}
	if got := len(ts.store.Load("conv-1", 0)); got != 0 {
		t.Errorf("%d turns after clear", got)
	}
}

func TestGatewayJobEndpoints(t *testing.T) {
	ts := newTestStack(t, "ok")

	var created scheduler.Job
	code := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"type":            "cron",
		"schedule":        "0 9 * * *",
		"conversation_id": "conv-1",
		"directive":       "morning briefing",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	if created.ID == "" || created.NextDueAt.IsZero() || !created.Enabled {
		t.Errorf("created job %+v", created)
	}

	var jobs []scheduler.Job
	if code := ts.get(t, "/api/jobs", &jobs); code != http.StatusOK || len(jobs) != 1 {
		t.Fatalf("list status %d, %d jobs", code, len(jobs))
	}

	var fetched scheduler.Job
	if code := ts.get(t, "/api/jobs/"+created.ID, &fetched); code != http.StatusOK {
		t.Fatalf("get status %d", code)
	}
	if fetched.Directive != "morning briefing" {
		t.Errorf("fetched %+v", fetched)
	}

	if code := ts.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/disable", nil, nil); code != http.StatusOK {
		t.Fatalf("disable status %d", code)
	}
	job, _ := ts.sched.Get(created.ID)
	if job.Enabled {
		t.Error("job still enabled after disable")
	}

	if code := ts.do(t, http.MethodDelete, "/api/jobs/"+created.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("remove status %d", code)
	}
	if code := ts.get(t, "/api/jobs/"+created.ID, nil); code != http.StatusNotFound {
		t.Errorf("get after remove: %d", code)
	}
}

func TestGatewayJobCreatedDisabled(t *testing.T) {
	ts := newTestStack(t, "ok")

	var created scheduler.Job
	code := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"type":            "cron",
		"schedule":        "0 9 * * *",
		"conversation_id": "conv-1",
		"directive":       "draft, do not run yet",
		"enabled":         false,
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	if created.Enabled {
		t.Error("explicitly disabled job came back enabled")
	}
	job, _ := ts.sched.Get(created.ID)
	if job.Enabled {
		t.Error("scheduler registered the job enabled")
	}
}

func TestGatewayJobValidationErrors(t *testing.T) {
	ts := newTestStack(t, "ok")

	code := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"type":     "cron",
		"schedule": "not a cron expression",
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("invalid job accepted: %d", code)
	}
}

func TestGatewayStatusEndpoint(t *testing.T) {
	ts := newTestStack(t, "ok")

	_ = ts.sched.Add(&scheduler.Job{Type: scheduler.TypeEvery, Schedule: "1h", ConversationID: "c", Enabled: true})

	var body struct {
		JobsTotal   int `json:"jobs_total"`
		JobsEnabled int `json:"jobs_enabled"`
	}
	if code := ts.get(t, "/api/status", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.JobsTotal != 1 || body.JobsEnabled != 1 {
		t.Errorf("job counts %+v", body)
	}
}

func TestGatewayMethodNotAllowed(t *testing.T) {
	ts := newTestStack(t, "ok")

	if code := ts.do(t, http.MethodPut, "/api/jobs", nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /api/jobs: %d", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/sessions", nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/sessions: %d", code)
	}
}
