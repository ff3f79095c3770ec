package automation

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"devchain/internal/config"
	"devchain/internal/db"
	"devchain/internal/domain"
	"devchain/internal/engine"
	"devchain/internal/events"
	"devchain/internal/migrate"
	"devchain/internal/sessions"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTmux struct {
	mu       sync.Mutex
	content  map[string]string
	activity map[string]time.Time
	captures int
	sent     []string
	missing  map[string]bool
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{content: map[string]string{}, activity: map[string]time.Time{}, missing: map[string]bool{}}
}

func (f *fakeTmux) NewSession(ctx context.Context, name, dir, command string) error {
	f.mu.Lock()
	delete(f.missing, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeTmux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	f.missing[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTmux) HasSession(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[name]
}

func (f *fakeTmux) SessionActivity(ctx context.Context, name string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.activity[name]
	return at, ok
}

func (f *fakeTmux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return f.content[name], nil
}

func (f *fakeTmux) SendText(ctx context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, name+": "+text)
	return nil
}

func (f *fakeTmux) setContent(name, content string) {
	f.mu.Lock()
	f.content[name] = content
	f.mu.Unlock()
}

func (f *fakeTmux) setActivity(name string, at time.Time) {
	f.mu.Lock()
	f.activity[name] = at
	f.mu.Unlock()
}

func (f *fakeTmux) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTmux) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

type testEnv struct {
	Ctx     context.Context
	Engine  engine.Engine
	Clock   *fakeClock
	Tmux    *fakeTmux
	Runner  *Runner
	Session domain.Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := newFakeClock()
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = clock.Now
	eng.Events.Now = clock.Now
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}

	ft := newFakeTmux()
	eng.Tmux = ft

	sess := domain.Session{
		ID:            "sess-1",
		ProjectID:     "proj-1",
		TmuxSession:   "t1",
		Status:        "active",
		ActivityState: "unknown",
		CreatedAt:     clock.Now().UTC().Format(time.RFC3339),
	}
	if err := eng.Repo.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	ft.setActivity("t1", clock.Now().Add(-time.Minute))

	reg := &sessions.Registry{
		Repo:      eng.Repo,
		Tmux:      ft,
		Now:       clock.Now,
		IdleAfter: time.Second,
		Logger:    log.New(testWriter{t}, "", 0),
	}
	runner := &Runner{
		Repo:     eng.Repo,
		Sessions: reg,
		Capture:  ft,
		Events:   eng.Events,
		Bus:      eng.Bus,
		Cfg:      cfg,
		Now:      clock.Now,
		Logger:   log.New(testWriter{t}, "", 0),
	}
	return &testEnv{Ctx: ctx, Engine: eng, Clock: clock, Tmux: ft, Runner: runner, Session: sess}
}

// waitFor polls cond until it holds or the deadline passes. Scheduler groups
// run on their own goroutines, so tests wait for effects instead of assuming
// Sweep returns after the work is done.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (env *testEnv) insertWatcher(t *testing.T, w domain.Watcher) domain.Watcher {
	t.Helper()
	if w.ID == "" {
		w.ID = "w-1"
	}
	if w.ProjectID == "" {
		w.ProjectID = "proj-1"
	}
	if w.Name == "" {
		w.Name = "watch"
	}
	if w.Scope == "" {
		w.Scope = "all"
	}
	if w.PollIntervalMs == 0 {
		w.PollIntervalMs = 2000
	}
	if w.ViewportLines == 0 {
		w.ViewportLines = 50
	}
	if w.CooldownMode == "" {
		w.CooldownMode = "time"
	}
	if w.EventName == "" {
		w.EventName = "terminal.matched"
	}
	if w.CreatedAt == "" {
		w.CreatedAt = env.Clock.Now().UTC().Format(time.RFC3339)
	}
	w.Enabled = true
	if err := env.Engine.Repo.InsertWatcher(env.Ctx, w); err != nil {
		t.Fatalf("insert watcher: %v", err)
	}
	return w
}

// fired collects watcher trigger payloads published on the bus.
func (env *testEnv) collectTriggers() *[]events.Payload {
	var mu sync.Mutex
	collected := []events.Payload{}
	env.Engine.Bus.Subscribe("terminal.watcher.triggered", func(name string, p events.Payload) {
		mu.Lock()
		collected = append(collected, p)
		mu.Unlock()
	})
	return &collected
}
