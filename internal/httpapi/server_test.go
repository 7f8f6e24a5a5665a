package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/visionagent/internal/agent"
	"github.com/ent0n29/visionagent/internal/config"
	"github.com/ent0n29/visionagent/internal/dispatch"
	"github.com/ent0n29/visionagent/internal/edge"
	"github.com/ent0n29/visionagent/internal/logging"
	"github.com/ent0n29/visionagent/internal/observability"
	"github.com/ent0n29/visionagent/internal/realtime"
)

var metricsSeq atomic.Int64

type constructed struct {
	User         agent.User
	Instructions string
	CallType     string
	CallID       string
}

type recordingFactory struct {
	mu    sync.Mutex
	calls []constructed
	inner dispatch.Factory
}

func (f *recordingFactory) build(ctx context.Context, user agent.User, instructions string) (dispatch.Agent, error) {
	a, err := f.inner(ctx, user, instructions)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, constructed{User: user, Instructions: instructions})
	idx := len(f.calls) - 1
	f.mu.Unlock()
	return &recordingAgent{Agent: a, factory: f, idx: idx}, nil
}

func (f *recordingFactory) snapshot() []constructed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]constructed(nil), f.calls...)
}

type recordingAgent struct {
	dispatch.Agent
	factory *recordingFactory
	idx     int
}

func (a *recordingAgent) CreateCall(ctx context.Context, callType, callID string) (agent.Call, error) {
	a.factory.mu.Lock()
	a.factory.calls[a.idx].CallType = callType
	a.factory.calls[a.idx].CallID = callID
	a.factory.mu.Unlock()
	return a.Agent.CreateCall(ctx, callType, callID)
}

type fixture struct {
	ts         *httptest.Server
	edge       *edge.MockEdge
	llm        *realtime.MockProvider
	factory    *recordingFactory
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, opts ...func(*Server)) *fixture {
	t.Helper()
	cfg := config.Config{
		DefaultCallType:     config.DefaultCallType,
		DefaultAgentName:    config.DefaultAgentName,
		DefaultInstructions: config.DefaultInstructions,
		Greeting:            config.DefaultGreeting,
		StreamAPISecret:     "webhook-secret",
		RealtimeProvider:    "mock",
	}
	e := edge.NewMockEdge()
	llm := realtime.NewMockProvider()
	factory := &recordingFactory{inner: dispatch.AgentFactory(&agent.Factory{Edge: e, LLM: llm, FPS: 3})}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	d := dispatch.New(dispatch.Config{Greeting: cfg.Greeting}, factory.build, logging.Discard(), metrics)
	srv := New(cfg, d, e, metrics, logging.Discard())
	for _, opt := range opts {
		opt(srv)
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return &fixture{ts: ts, edge: e, llm: llm, factory: factory, dispatcher: d}
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinCallAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	res, payload := postJSON(t, f.ts.URL+"/join-call", `{"call_id":"abc","agent_id":"u1"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["status"] != "processing" || payload["message"] != "Agent joining call abc" {
		t.Fatalf("unexpected response %+v", payload)
	}

	waitFor(t, "greeting", func() bool { return len(f.llm.Sent()) == 1 })
	calls := f.factory.snapshot()
	if len(calls) != 1 {
		t.Fatalf("constructed %d agents, want 1", len(calls))
	}
	got := calls[0]
	if got.User.ID != "u1" || got.User.Name != "AI Golf Coach" {
		t.Fatalf("user = %+v", got.User)
	}
	if got.Instructions != "Read @golf_coach.md" {
		t.Fatalf("instructions = %q", got.Instructions)
	}
	if got.CallType != "default" || got.CallID != "abc" {
		t.Fatalf("call = %s:%s, want default:abc", got.CallType, got.CallID)
	}
	if sent := f.llm.Sent(); sent[0] != config.DefaultGreeting {
		t.Fatalf("greeting = %q", sent[0])
	}
	if conns := f.llm.Connections(); conns[0].FPS != 3 {
		t.Fatalf("fps = %d, want 3", conns[0].FPS)
	}
}

func TestJoinCallRespondsBeforeCallEnds(t *testing.T) {
	f := newFixture(t)

	res, _ := postJSON(t, f.ts.URL+"/join-call", `{"call_id":"live-1","agent_id":"u1","agent_name":"Pro","instructions":"Be brief"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	waitFor(t, "agent in call", func() bool { return f.edge.Members("default:live-1") == 1 })
	if f.dispatcher.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1 while call runs", f.dispatcher.ActiveCount())
	}
	if calls := f.factory.snapshot(); calls[0].User.Name != "Pro" || calls[0].Instructions != "Be brief" {
		t.Fatalf("explicit fields not forwarded: %+v", calls[0])
	}

	f.edge.NotifyEnded("default:live-1")
	waitFor(t, "job finished", func() bool { return f.dispatcher.ActiveCount() == 0 })
	if f.llm.Open() != 0 {
		t.Fatalf("realtime connection left open")
	}
}

func TestJoinCallValidation(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"missing agent", `{"call_id":"abc"}`, http.StatusUnprocessableEntity},
		{"empty agent", `{"call_id":"abc","agent_id":"  "}`, http.StatusUnprocessableEntity},
		{"missing call", `{"agent_id":"u1"}`, http.StatusUnprocessableEntity},
		{"unsafe agent", `{"call_id":"abc","agent_id":"u1; drop"}`, http.StatusUnprocessableEntity},
		{"padded call", `{"call_id":" abc ","agent_id":"u1"}`, http.StatusUnprocessableEntity},
		{"wrong type", `{"call_id":"abc","agent_id":42}`, http.StatusBadRequest},
		{"malformed", `{"call_id":`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			res, _ := postJSON(t, f.ts.URL+"/join-call", tc.body)
			if res.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.status)
			}
			if jobs := f.dispatcher.List("", 0); len(jobs) != 0 {
				t.Fatalf("rejected request scheduled %d jobs", len(jobs))
			}
		})
	}
}

func TestJoinCallAfterShutdown(t *testing.T) {
	f := newFixture(t)
	_ = f.dispatcher.Shutdown(context.Background())

	res, payload := postJSON(t, f.ts.URL+"/join-call", `{"call_id":"abc","agent_id":"u1"}`)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d (%+v)", res.StatusCode, http.StatusServiceUnavailable, payload)
	}
}

func TestJobsEndpoints(t *testing.T) {
	f := newFixture(t)
	postJSON(t, f.ts.URL+"/join-call", `{"call_id":"abc","agent_id":"u1"}`)
	waitFor(t, "job listed", func() bool { return len(f.dispatcher.List("default:abc", 0)) == 1 })

	res, err := http.Get(f.ts.URL + "/v1/jobs?call_id=abc")
	if err != nil {
		t.Fatalf("GET /v1/jobs error = %v", err)
	}
	defer res.Body.Close()
	var list struct {
		Jobs []dispatch.Job `json:"jobs"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].Request.AgentID != "u1" {
		t.Fatalf("jobs = %+v", list.Jobs)
	}

	one, err := http.Get(f.ts.URL + "/v1/jobs/" + list.Jobs[0].ID)
	if err != nil {
		t.Fatalf("GET job error = %v", err)
	}
	one.Body.Close()
	if one.StatusCode != http.StatusOK {
		t.Fatalf("GET job status = %d", one.StatusCode)
	}

	missing, err := http.Get(f.ts.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("GET missing job error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", missing.StatusCode)
	}
}

func signedWebhook(t *testing.T, url, secret, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "key")
	req.Header.Set("X-Signature", hex.EncodeToString(edge.Sign([]byte(body), secret)))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook request error = %v", err)
	}
	res.Body.Close()
	return res
}

func TestWebhookSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	url := f.ts.URL + "/webhooks/stream"

	started := `{"type":"call.session_started","call_cid":"default:m1","call":{"type":"default","id":"m1","custom":{"agent_id":"coach-1","agent_name":"Swing Coach"}}}`
	if res := signedWebhook(t, url, "webhook-secret", started); res.StatusCode != http.StatusOK {
		t.Fatalf("session_started status = %d", res.StatusCode)
	}
	waitFor(t, "agent in call", func() bool { return f.edge.Members("default:m1") == 1 })
	if calls := f.factory.snapshot(); calls[0].User.Name != "Swing Coach" || calls[0].Instructions != "Read @golf_coach.md" {
		t.Fatalf("webhook join = %+v", calls[0])
	}

	ended := `{"type":"call.session_ended","call_cid":"default:m1","call":{"type":"default","id":"m1"}}`
	if res := signedWebhook(t, url, "webhook-secret", ended); res.StatusCode != http.StatusOK {
		t.Fatalf("session_ended status = %d", res.StatusCode)
	}
	waitFor(t, "job finished", func() bool {
		jobs := f.dispatcher.List("default:m1", 0)
		return len(jobs) == 1 && jobs[0].Stage == dispatch.StageFinished
	})
}

func TestWebhookParticipantLeftEndsCall(t *testing.T) {
	f := newFixture(t)
	postJSON(t, f.ts.URL+"/join-call", `{"call_id":"m2","agent_id":"u1"}`)
	waitFor(t, "agent in call", func() bool { return f.edge.Members("default:m2") == 1 })

	left := `{"type":"call.session_participant_left","call_cid":"default:m2"}`
	if res := signedWebhook(t, f.ts.URL+"/webhooks/stream", "webhook-secret", left); res.StatusCode != http.StatusOK {
		t.Fatalf("participant_left status = %d", res.StatusCode)
	}
	waitFor(t, "job finished", func() bool { return f.dispatcher.ActiveCount() == 0 })
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	url := f.ts.URL + "/webhooks/stream"

	unsigned, err := http.Post(url, "application/json", strings.NewReader(`{"type":"call.ended"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	unsigned.Body.Close()
	if unsigned.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned status = %d, want 400", unsigned.StatusCode)
	}

	forged := `{"type":"call.session_started","call":{"type":"default","id":"x","custom":{"agent_id":"u1"}}}`
	if res := signedWebhook(t, url, "wrong-secret", forged); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged status = %d, want 401", res.StatusCode)
	}
	if jobs := f.dispatcher.List("", 0); len(jobs) != 0 {
		t.Fatalf("forged webhook scheduled %d jobs", len(jobs))
	}

	if res := signedWebhook(t, url, "webhook-secret", `not json`); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json status = %d, want 400", res.StatusCode)
	}
	noAgent := `{"type":"call.session_started","call":{"type":"default","id":"x","custom":{}}}`
	if res := signedWebhook(t, url, "webhook-secret", noAgent); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing agent status = %d, want 400", res.StatusCode)
	}
	if res := signedWebhook(t, url, "webhook-secret", `{"type":"message.new"}`); res.StatusCode != http.StatusOK {
		t.Fatalf("ignored event status = %d, want 200", res.StatusCode)
	}
}

func TestJobsWebSocketFeed(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/jobs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Let the handler subscribe before the job starts.
	time.Sleep(50 * time.Millisecond)
	postJSON(t, f.ts.URL+"/join-call", `{"call_id":"ws-1","agent_id":"u1"}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev dispatch.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.CallCID != "default:ws-1" {
			t.Fatalf("event call = %q", ev.CallCID)
		}
		if ev.Stage == dispatch.StageActive {
			return
		}
	}
}

func TestJobsWebSocketKeepsQuietWatcher(t *testing.T) {
	f := newFixture(t, func(s *Server) {
		s.wsPingInterval = 20 * time.Millisecond
		s.wsReadTimeout = 100 * time.Millisecond
	})
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/jobs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// The client never writes. Its reads answer server pings with pongs.
	go func() {
		time.Sleep(400 * time.Millisecond)
		res, err := http.Post(f.ts.URL+"/join-call", "application/json", strings.NewReader(`{"call_id":"quiet-1","agent_id":"u1"}`))
		if err == nil {
			res.Body.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev dispatch.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("quiet watcher lost the feed: %v", err)
	}
	if ev.CallCID != "default:quiet-1" {
		t.Fatalf("event call = %q", ev.CallCID)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}
}
