package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"devchain/internal/config"
	"devchain/internal/db"
	"devchain/internal/domain"
	"devchain/internal/engine"
	"devchain/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("devchain")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "devchain", "", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/devchain"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"title": "Ship feature",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "planned" {
		t.Fatalf("new task status = %s", created.Status)
	}

	// planned cannot jump straight to done
	res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+created.ID+"/status", map[string]any{
		"status": "done",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	for _, status := range []string{"in_progress", "review", "done"} {
		res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+created.ID+"/status", map[string]any{
			"status": status,
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set %s: %d %s", status, res.StatusCode, string(data))
		}
	}
	var done domain.Task
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" || done.CompletedAt == nil {
		t.Fatalf("expected completed done task, got %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/tasks?status=done", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var listed []domain.Task
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", listed)
	}
}

func TestTaskEventsRecorded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/devchain"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"title": "Trace me",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?name=task.created", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Name != "task.created" {
		t.Fatalf("unexpected events: %+v", page.Items)
	}
}

func TestWatcherValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/devchain"

	res, data := doJSON(t, client, http.MethodPost, base+"/watchers", map[string]any{
		"name":       "bad regex",
		"event_name": "terminal.matched",
		"condition":  map[string]any{"type": "regex", "pattern": "("},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid regex, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/watchers", map[string]any{
		"name":       "error watcher",
		"event_name": "build.failed",
		"condition":  map[string]any{"type": "contains", "pattern": "error"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create watcher: %d %s", res.StatusCode, string(data))
	}
	var w domain.Watcher
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal watcher: %v", err)
	}
	if !w.Enabled || w.Scope != "all" || w.PollIntervalMs != 2000 || w.CooldownMode != "time" {
		t.Fatalf("defaults not applied: %+v", w)
	}

	// no runner wired in tests: dry run is unavailable
	res, data = doJSON(t, client, http.MethodPost, base+"/watchers/"+w.ID+"/test", nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/watchers/"+w.ID, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("delete watcher: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/watchers/"+w.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSubscriberValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/devchain"

	res, data := doJSON(t, client, http.MethodPost, base+"/subscribers", map[string]any{
		"name":        "bad action",
		"event_name":  "task.created",
		"action_type": "launch.missiles",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/subscribers", map[string]any{
		"name":        "notify",
		"event_name":  "task.status_changed",
		"action_type": "terminal.send_text",
		"action_inputs": map[string]any{
			"text": map[string]any{"source": "custom", "custom_value": "hello"},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create subscriber: %d %s", res.StatusCode, string(data))
	}
	var s domain.Subscriber
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal subscriber: %v", err)
	}
	if !s.Enabled || s.ActionType != "terminal.send_text" {
		t.Fatalf("unexpected subscriber: %+v", s)
	}
}

func TestSubscribableEventsCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events/subscribable", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog: %d %s", res.StatusCode, string(data))
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		t.Fatalf("unmarshal catalog: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "terminal.watcher.triggered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("catalog missing watcher event: %v", names)
	}
}

func TestChatEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/devchain"

	res, data := doJSON(t, client, http.MethodPost, base+"/chat/threads", map[string]any{
		"title": "standup",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create thread: %d %s", res.StatusCode, string(data))
	}
	var thread domain.ChatThread
	if err := json.Unmarshal(data, &thread); err != nil {
		t.Fatalf("unmarshal thread: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/chat/threads/"+thread.ID+"/messages", map[string]any{
		"content": "good morning",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post message: %d %s", res.StatusCode, string(data))
	}
	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Role != "user" {
		t.Fatalf("default role = %s", msg.Role)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/chat/threads/"+thread.ID+"/messages", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages: %d %s", res.StatusCode, string(data))
	}
	var msgs []domain.ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("unmarshal messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "good morning" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/devchain/tasks/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q (%s)", envelope.Error.Code, string(data))
	}
}
