package automation

import (
	"testing"
	"time"

	"devchain/internal/domain"
)

func TestWatcherFiresAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "contains", Pattern: "error"},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "an error occurred")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}
	p := (*triggers)[0]
	if p["eventName"] != "terminal.matched" || p["projectId"] != "proj-1" || p["sessionId"] != "sess-1" {
		t.Fatalf("unexpected payload: %v", p)
	}
	if p["snippet"] != "an error occurred" {
		t.Fatalf("snippet = %v", p["snippet"])
	}
	if p["pattern"] != "error" || p["triggerCount"] != 1 {
		t.Fatalf("pattern/triggerCount = %v/%v", p["pattern"], p["triggerCount"])
	}
	if name, ok := p["agentName"]; !ok || name != nil {
		t.Fatalf("agentName for agent-less session = %v (present %v)", name, ok)
	}

	// unchanged viewport must not refire
	env.Clock.Advance(3 * time.Second)
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("duplicate content refired: %d triggers", len(*triggers))
	}

	// new matching content fires again with no cooldown configured
	env.Clock.Advance(3 * time.Second)
	env.Tmux.setContent("t1", "a different error line")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("got %d triggers, want 2", len(*triggers))
	}
	if c := (*triggers)[1]["triggerCount"]; c != 2 {
		t.Fatalf("second triggerCount = %v", c)
	}
}

func TestWatcherTimeCooldown(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition:  domain.Condition{Type: "contains", Pattern: "error"},
		CooldownMs: 10000,
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "error one")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}

	env.Clock.Advance(3 * time.Second)
	env.Tmux.setContent("t1", "error two")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("fired inside cooldown: %d triggers", len(*triggers))
	}

	env.Clock.Advance(8 * time.Second)
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("got %d triggers after cooldown, want 2", len(*triggers))
	}
}

func TestWatcherUntilClear(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition:    domain.Condition{Type: "contains", Pattern: "waiting for input"},
		CooldownMode: "until_clear",
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "waiting for input >")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}

	// still matching, even with fresh content: stays latched
	env.Clock.Advance(3 * time.Second)
	env.Tmux.setContent("t1", "still waiting for input >")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("refired while latched: %d triggers", len(*triggers))
	}

	// condition clears
	env.Clock.Advance(3 * time.Second)
	env.Tmux.setContent("t1", "running tests...")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("fired on clear: %d triggers", len(*triggers))
	}

	// matches again after clearing: fires
	env.Clock.Advance(3 * time.Second)
	env.Tmux.setContent("t1", "waiting for input again >")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("got %d triggers, want 2", len(*triggers))
	}
}

func TestWatcherIdleGate(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition:        domain.Condition{Type: "contains", Pattern: "done"},
		IdleAfterSeconds: 30,
	})
	triggers := env.collectTriggers()

	// terminal quiet for a minute: gate passes
	env.Tmux.setContent("t1", "build done")
	env.Tmux.setActivity("t1", env.Clock.Now().Add(-time.Minute))
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}

	// fresh activity: busy, capture is skipped entirely
	env.Clock.Advance(3 * time.Second)
	before := env.Tmux.captureCount()
	env.Tmux.setContent("t1", "more output done")
	env.Tmux.setActivity("t1", env.Clock.Now())
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("fired while busy: %d triggers", len(*triggers))
	}
	if env.Tmux.captureCount() != before {
		t.Fatal("captured viewport while idle gate was closed")
	}

	// quiet again long enough: fires on the new content
	env.Clock.Advance(time.Minute)
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("got %d triggers after idle, want 2", len(*triggers))
	}
}

func TestWatcherEmptyViewport(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "contains", Pattern: ""},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "  \n\n ")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 0 {
		t.Fatalf("fired on blank viewport: %d triggers", len(*triggers))
	}
}

func TestWatcherInvalidRegex(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "regex", Pattern: "("},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "anything at all")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 0 {
		t.Fatalf("invalid regex fired: %d triggers", len(*triggers))
	}
}

func TestWatcherScopeFiltering(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Scope:         "agent",
		ScopeFilterID: "agent-2",
		Condition:     domain.Condition{Type: "contains", Pattern: "error"},
	})
	triggers := env.collectTriggers()

	// session has no agent; an agent-scoped watcher ignores it
	env.Tmux.setContent("t1", "error here")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 0 {
		t.Fatalf("out-of-scope session fired: %d triggers", len(*triggers))
	}
}

func TestWatcherResolvesAgentName(t *testing.T) {
	env := newTestEnv(t)
	now := env.Clock.Now().UTC().Format(time.RFC3339)
	agent := domain.Agent{ID: "ag-1", ProjectID: "proj-1", Name: "builder", Status: "idle", CreatedAt: now}
	if err := env.Engine.Repo.InsertAgent(env.Ctx, agent); err != nil {
		t.Fatal(err)
	}
	agentID := agent.ID
	sess := domain.Session{
		ID: "sess-ag", ProjectID: "proj-1", AgentID: &agentID, TmuxSession: "t9",
		Status: "active", ActivityState: "unknown", CreatedAt: now,
	}
	if err := env.Engine.Repo.InsertSession(env.Ctx, sess); err != nil {
		t.Fatal(err)
	}
	env.Tmux.setActivity("t9", env.Clock.Now().Add(-time.Minute))

	w := env.insertWatcher(t, domain.Watcher{
		Scope:         "agent",
		ScopeFilterID: agent.ID,
		Condition:     domain.Condition{Type: "contains", Pattern: "panic"},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t9", "panic: runtime error")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}
	p := (*triggers)[0]
	if p["agentId"] != agent.ID || p["agentName"] != "builder" {
		t.Fatalf("agent fields = %v/%v", p["agentId"], p["agentName"])
	}
	if p["pattern"] != "panic" || p["triggerCount"] != 1 {
		t.Fatalf("pattern/triggerCount = %v/%v", p["pattern"], p["triggerCount"])
	}
}

func TestWatcherProfileAndProviderScope(t *testing.T) {
	env := newTestEnv(t)
	now := env.Clock.Now().UTC().Format(time.RFC3339)
	pc := domain.ProviderConfig{ID: "pc-1", Name: "claude", Provider: "anthropic", CreatedAt: now}
	if err := env.Engine.Repo.InsertProviderConfig(env.Ctx, pc); err != nil {
		t.Fatal(err)
	}
	profile := domain.AgentProfile{ID: "prof-1", Name: "coder", ProviderConfigID: pc.ID, CreatedAt: now}
	if err := env.Engine.Repo.InsertAgentProfile(env.Ctx, profile); err != nil {
		t.Fatal(err)
	}
	profileID := profile.ID
	for i, id := range []string{"ag-a", "ag-b"} {
		agentID := id
		if err := env.Engine.Repo.InsertAgent(env.Ctx, domain.Agent{
			ID: id, ProjectID: "proj-1", Name: id, ProfileID: &profileID, Status: "idle", CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
		tmux := []string{"ta", "tb"}[i]
		if err := env.Engine.Repo.InsertSession(env.Ctx, domain.Session{
			ID: "sess-" + id, ProjectID: "proj-1", AgentID: &agentID, TmuxSession: tmux,
			Status: "active", ActivityState: "unknown", CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
		env.Tmux.setActivity(tmux, env.Clock.Now().Add(-time.Minute))
		env.Tmux.setContent(tmux, "panic: oh no")
	}

	w := env.insertWatcher(t, domain.Watcher{
		ID:            "w-prof",
		Scope:         "profile",
		ScopeFilterID: profile.ID,
		Condition:     domain.Condition{Type: "contains", Pattern: "panic"},
	})
	triggers := env.collectTriggers()

	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("profile scope: got %d triggers, want 2", len(*triggers))
	}

	w2 := env.insertWatcher(t, domain.Watcher{
		ID:            "w-prov",
		Scope:         "provider",
		ScopeFilterID: pc.ID,
		Condition:     domain.Condition{Type: "contains", Pattern: "panic"},
	})
	env.Runner.poll(env.Ctx, w2)
	if len(*triggers) != 4 {
		t.Fatalf("provider scope: got %d triggers, want 4", len(*triggers))
	}
}

func TestWatcherUsesConfigFromStart(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "contains", Pattern: "error"},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "error here")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}

	// edits to the stored watcher do not affect the running cycle; the loop
	// keeps the config it started with until it is restarted
	edited := w
	edited.Condition.Pattern = "nomatch"
	if err := env.Engine.Repo.UpdateWatcher(env.Ctx, edited); err != nil {
		t.Fatalf("update watcher: %v", err)
	}
	env.Clock.Advance(3 * time.Second)
	env.Tmux.setContent("t1", "error again")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("cached config ignored: %d triggers", len(*triggers))
	}

	// a restarted loop carries the new pattern
	env.Clock.Advance(3 * time.Second)
	env.Runner.poll(env.Ctx, edited)
	if len(*triggers) != 2 {
		t.Fatalf("edited pattern matched stale content: %d triggers", len(*triggers))
	}
}

func TestWatcherDryRun(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "contains", Pattern: "error"},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "error: no such file")
	res, err := env.Runner.Test(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(res) != 1 || !res[0].Matched || !res[0].Captured {
		t.Fatalf("unexpected results: %+v", res)
	}
	if len(*triggers) != 0 {
		t.Fatal("dry run published an event")
	}

	// dry run must not consume the trigger; a real poll still fires
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("poll after dry run: %d triggers, want 1", len(*triggers))
	}
}

func TestWatcherStopPurgesState(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "contains", Pattern: "error"},
	})
	triggers := env.collectTriggers()

	env.Tmux.setContent("t1", "error one")
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(*triggers))
	}

	env.Runner.Stop(w.ID)

	// with state purged, even identical content fires again
	env.Clock.Advance(3 * time.Second)
	env.Runner.poll(env.Ctx, w)
	if len(*triggers) != 2 {
		t.Fatalf("got %d triggers after stop, want 2", len(*triggers))
	}
}

func TestWatcherStopAllClearsCaches(t *testing.T) {
	env := newTestEnv(t)
	w := env.insertWatcher(t, domain.Watcher{
		Condition: domain.Condition{Type: "contains", Pattern: "error"},
	})

	env.Tmux.setContent("t1", "error one")
	env.Runner.poll(env.Ctx, w)
	if got := env.Tmux.captureCount(); got != 1 {
		t.Fatalf("captures = %d, want 1", got)
	}

	// within the cache TTL the viewport is served from cache
	env.Runner.poll(env.Ctx, w)
	if got := env.Tmux.captureCount(); got != 1 {
		t.Fatalf("captures = %d, want cached 1", got)
	}

	env.Runner.StopAll()

	env.Runner.poll(env.Ctx, w)
	if got := env.Tmux.captureCount(); got != 2 {
		t.Fatalf("captures after StopAll = %d, want 2", got)
	}
}
