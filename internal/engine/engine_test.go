package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"devchain/internal/config"
	"devchain/internal/db"
	"devchain/internal/domain"
	"devchain/internal/events"
	"devchain/internal/migrate"
)

type fakeTerminal struct {
	mu      sync.Mutex
	created []string
	killed  []string
	sent    []string
	failNew bool
}

func (f *fakeTerminal) NewSession(ctx context.Context, name, dir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return context.DeadlineExceeded
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeTerminal) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	f.killed = append(f.killed, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeTerminal) HasSession(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.killed {
		if k == name {
			return false
		}
	}
	for _, c := range f.created {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeTerminal) SendText(ctx context.Context, name, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, name+": "+text)
	f.mu.Unlock()
	return nil
}

func newTestEngine(t *testing.T) (Engine, *fakeTerminal) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default("devchain"))
	term := &fakeTerminal{}
	e.Tmux = term
	if _, err := e.InitProject(context.Background(), "devchain", "devchain", "", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return e, term
}

func TestTaskTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	task, err := e.CreateTask(ctx, TaskCreateOptions{ProjectID: "devchain", Title: "wire it up"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != "planned" {
		t.Fatalf("new task status = %s", task.Status)
	}

	if _, err := e.SetTaskStatus(ctx, task.ID, "done"); err == nil || !strings.Contains(err.Error(), "cannot move from") {
		t.Fatalf("planned->done should fail, got %v", err)
	}

	for _, status := range []string{"in_progress", "review", "rejected", "in_progress", "review", "done"} {
		if _, err := e.SetTaskStatus(ctx, task.ID, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	got, err := e.Repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "done" || got.CompletedAt == nil {
		t.Fatalf("expected completed done task, got %+v", got)
	}

	// same-status set is a no-op
	if _, err := e.SetTaskStatus(ctx, task.ID, "done"); err != nil {
		t.Fatalf("idempotent done: %v", err)
	}
}

func TestTaskCreatePublishes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []events.Payload
	e.Bus.Subscribe("task.created", func(name string, p events.Payload) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	task, err := e.CreateTask(ctx, TaskCreateOptions{ProjectID: "devchain", Title: "observable"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d publications, want 1", len(got))
	}
	if got[0]["taskId"] != task.ID || got[0]["projectId"] != "devchain" {
		t.Fatalf("unexpected payload: %v", got[0])
	}

	evs, err := e.Repo.LatestEventsFrom(ctx, 10, 0, "devchain", "task.created")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 || evs[0].Disposition != "published" {
		t.Fatalf("unexpected event log: %+v", evs)
	}
}

func TestEpicTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	epic, err := e.CreateEpic(ctx, "devchain", "milestone one")
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	if epic.Status != "open" {
		t.Fatalf("new epic status = %s", epic.Status)
	}
	if _, err := e.SetEpicStatus(ctx, epic.ID, "done"); err == nil {
		t.Fatal("open->done should fail")
	}
	if _, err := e.SetEpicStatus(ctx, epic.ID, "active"); err != nil {
		t.Fatalf("open->active: %v", err)
	}
	if _, err := e.SetEpicStatus(ctx, epic.ID, "done"); err != nil {
		t.Fatalf("active->done: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e, term := newTestEngine(t)
	ctx := context.Background()

	s, err := e.StartSession(ctx, SessionStartOptions{ProjectID: "devchain", Command: "claude"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if !strings.HasPrefix(s.TmuxSession, "dc-") {
		t.Fatalf("tmux session name = %q", s.TmuxSession)
	}
	if len(term.created) != 1 || term.created[0] != s.TmuxSession {
		t.Fatalf("terminal not created: %v", term.created)
	}

	if err := e.SendToSession(ctx, s.ID, "run the tests"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if len(term.sent) != 1 || term.sent[0] != s.TmuxSession+": run the tests" {
		t.Fatalf("unexpected sends: %v", term.sent)
	}

	stopped, err := e.StopSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if stopped.Status != "exited" {
		t.Fatalf("status = %s", stopped.Status)
	}
	if len(term.killed) != 1 {
		t.Fatalf("terminal not killed: %v", term.killed)
	}

	// stopping again is a no-op
	if _, err := e.StopSession(ctx, s.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if len(term.killed) != 1 {
		t.Fatalf("double kill: %v", term.killed)
	}
}

func TestSessionWithoutTerminal(t *testing.T) {
	e, term := newTestEngine(t)
	ctx := context.Background()

	s, err := e.StartSession(ctx, SessionStartOptions{ProjectID: "devchain", NoTerminal: true})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if s.TmuxSession != "" || len(term.created) != 0 {
		t.Fatalf("headless session created a terminal: %+v", s)
	}
	if err := e.SendToSession(ctx, s.ID, "hello"); err == nil || !strings.Contains(err.Error(), "no terminal") {
		t.Fatalf("send to headless session: %v", err)
	}
}

func TestChatDefaults(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	thread, err := e.CreateChatThread(ctx, "devchain", "", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if thread.Title != "untitled" {
		t.Fatalf("default title = %q", thread.Title)
	}

	msg, err := e.PostChatMessage(ctx, thread.ID, "", "hello there")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if msg.Role != "user" {
		t.Fatalf("default role = %q", msg.Role)
	}
	if _, err := e.PostChatMessage(ctx, thread.ID, "robot", "nope"); err == nil {
		t.Fatal("invalid role accepted")
	}
}

func TestWatcherDefaultsAndValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	w, err := e.CreateWatcher(ctx, "devchain", domain.Watcher{
		Name:      "errors",
		EventName: "build.failed",
		Condition: domain.Condition{Type: "contains", Pattern: "error"},
	})
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	if w.Scope != "all" || w.PollIntervalMs != 2000 || w.ViewportLines != 50 || w.CooldownMode != "time" {
		t.Fatalf("defaults not applied: %+v", w)
	}

	if _, err := e.CreateWatcher(ctx, "devchain", domain.Watcher{
		Name:      "broken",
		EventName: "x",
		Condition: domain.Condition{Type: "regex", Pattern: "("},
	}); err == nil {
		t.Fatal("invalid regex accepted")
	}
	if _, err := e.CreateWatcher(ctx, "devchain", domain.Watcher{
		Name:      "scoped",
		EventName: "x",
		Scope:     "agent",
		Condition: domain.Condition{Type: "contains", Pattern: "y"},
	}); err == nil {
		t.Fatal("agent scope without filter id accepted")
	}
}

func TestSubscriberValidationRules(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	s, err := e.CreateSubscriber(ctx, "devchain", domain.Subscriber{
		Name:       "notify",
		EventName:  "task.created",
		ActionType: "chat.post_message",
		ActionInputs: map[string]domain.ActionInput{
			"content": {Source: "event_field", EventField: "title"},
		},
	})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
	if s.ID == "" || s.ProjectID != "devchain" {
		t.Fatalf("unexpected subscriber: %+v", s)
	}

	if _, err := e.CreateSubscriber(ctx, "devchain", domain.Subscriber{
		Name:       "bad",
		EventName:  "task.created",
		ActionType: "delete.everything",
	}); err == nil {
		t.Fatal("unknown action type accepted")
	}
	if _, err := e.CreateSubscriber(ctx, "devchain", domain.Subscriber{
		Name:        "bad filter",
		EventName:   "task.created",
		ActionType:  "task.set_status",
		EventFilter: &domain.EventFilter{Field: "status", Operator: "regex", Value: "("},
	}); err == nil {
		t.Fatal("invalid filter regex accepted")
	}
}
