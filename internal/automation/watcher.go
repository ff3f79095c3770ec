package automation

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"devchain/internal/config"
	"devchain/internal/domain"
	"devchain/internal/events"
	"devchain/internal/repo"
	"devchain/internal/sessions"
)

// Capturer reads a session's terminal viewport.
type Capturer interface {
	CapturePane(ctx context.Context, sessionName string, lines int) (string, error)
}

// Runner polls watcher viewports and publishes terminal.watcher.triggered
// events when a condition fires.
type Runner struct {
	Repo     repo.Repo
	Sessions *sessions.Registry
	Capture  Capturer
	Events   events.Writer
	Bus      *events.Bus
	Cfg      *config.Config
	Logger   *log.Logger
	Now      func() time.Time

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	inFlight map[string]bool
	state    map[string]*triggerState

	cacheMu sync.Mutex
	cache   map[string]captureEntry
}

// triggerState is keyed by watcherID|sessionID.
type triggerState struct {
	lastHash     string
	lastMatch    bool
	lastFiredAt  time.Time
	triggerCount int
}

type captureEntry struct {
	content string
	at      time.Time
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// StartAll starts every enabled watcher.
func (r *Runner) StartAll(ctx context.Context) error {
	watchers, err := r.Repo.ListEnabledWatchers(ctx)
	if err != nil {
		return err
	}
	for _, w := range watchers {
		r.Start(ctx, w)
	}
	return nil
}

// Start begins polling for a watcher. A running poll loop for the same
// watcher is stopped first, so Start doubles as restart after an update.
func (r *Runner) Start(ctx context.Context, w domain.Watcher) {
	r.Stop(w.ID)
	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancels == nil {
		r.cancels = map[string]context.CancelFunc{}
	}
	r.cancels[w.ID] = cancel
	r.mu.Unlock()
	go r.loop(loopCtx, w)
}

// Stop cancels a watcher's poll loop and purges its trigger state.
func (r *Runner) Stop(watcherID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[watcherID]; ok {
		cancel()
		delete(r.cancels, watcherID)
	}
	delete(r.inFlight, watcherID)
	prefix := watcherID + "|"
	for k := range r.state {
		if strings.HasPrefix(k, prefix) {
			delete(r.state, k)
		}
	}
	r.mu.Unlock()
}

// StopAll cancels every poll loop and drops all cached state, including the
// capture cache.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
	r.cacheMu.Lock()
	r.cache = nil
	r.cacheMu.Unlock()
}

func (r *Runner) loop(ctx context.Context, w domain.Watcher) {
	interval := time.Duration(w.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(r.Cfg.Automation.PollIntervalMs) * time.Millisecond
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go r.poll(ctx, w)
		}
	}
}

// poll runs one cycle for a watcher using the config it was started with;
// edits take effect when the loop is restarted. Overlapping cycles for the
// same watcher are skipped rather than queued.
func (r *Runner) poll(ctx context.Context, w domain.Watcher) {
	r.mu.Lock()
	if r.inFlight == nil {
		r.inFlight = map[string]bool{}
	}
	if r.inFlight[w.ID] {
		r.mu.Unlock()
		return
	}
	r.inFlight[w.ID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, w.ID)
		r.mu.Unlock()
	}()

	sess, err := r.Sessions.Active(ctx, w.ProjectID)
	if err != nil {
		r.logger().Printf("watcher %s: list sessions: %v", w.ID, err)
		return
	}
	scope := newScopeCache(r.Repo)
	for _, s := range sess {
		if !r.inScope(ctx, w, s, scope) {
			continue
		}
		r.pollSession(ctx, w, s, scope)
	}
}

func (r *Runner) pollSession(ctx context.Context, w domain.Watcher, s domain.Session, scope *scopeCache) {
	if s.TmuxSession == "" {
		return
	}
	key := w.ID + "|" + s.ID
	st := r.stateFor(key)

	if w.IdleAfterSeconds > 0 && !r.sessionIdleFor(s, time.Duration(w.IdleAfterSeconds)*time.Second) {
		// Not settled yet; skip the capture entirely. An until_clear
		// watcher re-arms here so it can fire again once idle.
		if w.CooldownMode == "until_clear" {
			r.mu.Lock()
			st.lastMatch = false
			r.mu.Unlock()
		}
		return
	}

	lines := w.ViewportLines
	if lines <= 0 {
		lines = r.Cfg.Automation.ViewportLines
	}
	content, err := r.captureCached(ctx, s.TmuxSession, lines)
	if err != nil {
		r.logger().Printf("watcher %s: capture %s: %v", w.ID, s.TmuxSession, err)
		return
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	matched, err := EvalCondition(w.Condition, content)
	if err != nil {
		r.logger().Printf("watcher %s: %v", w.ID, err)
	}

	now := r.now()
	r.mu.Lock()
	if !matched {
		st.lastMatch = false
		r.mu.Unlock()
		return
	}
	prevMatch := st.lastMatch
	st.lastMatch = true
	hash := ContentHash(content)
	if hash == st.lastHash {
		r.mu.Unlock()
		return
	}
	if w.CooldownMode == "until_clear" {
		if prevMatch {
			r.mu.Unlock()
			return
		}
	} else if w.CooldownMs > 0 && now.Sub(st.lastFiredAt) < time.Duration(w.CooldownMs)*time.Millisecond {
		r.mu.Unlock()
		return
	}
	st.lastHash = hash
	st.lastFiredAt = now
	st.triggerCount++
	count := st.triggerCount
	r.mu.Unlock()

	r.fire(ctx, w, s, scope, content, now, count)
}

func (r *Runner) fire(ctx context.Context, w domain.Watcher, s domain.Session, scope *scopeCache, content string, now time.Time, count int) {
	payload := events.Payload{
		"watcherId":    w.ID,
		"watcherName":  w.Name,
		"eventName":    w.EventName,
		"projectId":    w.ProjectID,
		"sessionId":    s.ID,
		"pattern":      w.Condition.Pattern,
		"triggerCount": count,
		"snippet":      r.snippet(content),
		"matchedAt":    now.UTC().Format(time.RFC3339),
		"agentName":    nil,
	}
	if s.AgentID != nil {
		payload["agentId"] = *s.AgentID
		if ag, ok := scope.agent(ctx, *s.AgentID); ok {
			payload["agentName"] = ag.Name
		}
	}
	r.Events.RecordPublished(ctx, "terminal.watcher.triggered", w.ProjectID, s.ID, payload)
	r.Bus.Publish("terminal.watcher.triggered", payload)
}

func (r *Runner) snippet(content string) string {
	max := r.Cfg.Automation.SnippetMaxChars
	if max <= 0 {
		max = 500
	}
	if len(content) <= max {
		return content
	}
	return content[len(content)-max:]
}

func (r *Runner) stateFor(key string) *triggerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		r.state = map[string]*triggerState{}
	}
	st, ok := r.state[key]
	if !ok {
		st = &triggerState{}
		r.state[key] = st
	}
	return st
}

func (r *Runner) sessionIdleFor(s domain.Session, idleAfter time.Duration) bool {
	if s.ActivityState != "idle" || s.LastActivityAt == "" {
		return false
	}
	last, err := time.Parse(time.RFC3339, s.LastActivityAt)
	if err != nil {
		return false
	}
	return r.now().Sub(last) >= idleAfter
}

// captureCached reuses a recent capture of the same viewport so several
// watchers on one session share a single tmux round trip.
func (r *Runner) captureCached(ctx context.Context, tmuxSession string, lines int) (string, error) {
	ttl := time.Duration(r.Cfg.Automation.CaptureCacheMs) * time.Millisecond
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	key := tmuxSession + "|" + strconv.Itoa(lines)
	now := r.now()
	r.cacheMu.Lock()
	if e, ok := r.cache[key]; ok && now.Sub(e.at) < ttl {
		r.cacheMu.Unlock()
		return e.content, nil
	}
	r.cacheMu.Unlock()
	content, err := r.Capture.CapturePane(ctx, tmuxSession, lines)
	if err != nil {
		return "", err
	}
	r.cacheMu.Lock()
	if r.cache == nil {
		r.cache = map[string]captureEntry{}
	}
	r.cache[key] = captureEntry{content: content, at: now}
	r.cacheMu.Unlock()
	return content, nil
}

// scopeCache memoizes agent and profile lookups for one poll cycle so scope
// checks across many sessions cost at most one fetch per record.
type scopeCache struct {
	repo     repo.Repo
	agents   map[string]*domain.Agent
	profiles map[string]*domain.AgentProfile
}

func newScopeCache(r repo.Repo) *scopeCache {
	return &scopeCache{
		repo:     r,
		agents:   map[string]*domain.Agent{},
		profiles: map[string]*domain.AgentProfile{},
	}
}

func (c *scopeCache) agent(ctx context.Context, id string) (domain.Agent, bool) {
	if ag, ok := c.agents[id]; ok {
		if ag == nil {
			return domain.Agent{}, false
		}
		return *ag, true
	}
	ag, err := c.repo.GetAgent(ctx, id)
	if err != nil {
		c.agents[id] = nil
		return domain.Agent{}, false
	}
	c.agents[id] = &ag
	return ag, true
}

func (c *scopeCache) profile(ctx context.Context, id string) (domain.AgentProfile, bool) {
	if p, ok := c.profiles[id]; ok {
		if p == nil {
			return domain.AgentProfile{}, false
		}
		return *p, true
	}
	p, err := c.repo.GetAgentProfile(ctx, id)
	if err != nil {
		c.profiles[id] = nil
		return domain.AgentProfile{}, false
	}
	c.profiles[id] = &p
	return p, true
}

func (r *Runner) inScope(ctx context.Context, w domain.Watcher, s domain.Session, scope *scopeCache) bool {
	switch w.Scope {
	case "", "all":
		return true
	case "agent":
		return s.AgentID != nil && *s.AgentID == w.ScopeFilterID
	case "profile", "provider":
		if s.AgentID == nil {
			return false
		}
		ag, ok := scope.agent(ctx, *s.AgentID)
		if !ok || ag.ProfileID == nil {
			return false
		}
		if w.Scope == "profile" {
			return *ag.ProfileID == w.ScopeFilterID
		}
		profile, ok := scope.profile(ctx, *ag.ProfileID)
		if !ok {
			return false
		}
		return profile.ProviderConfigID == w.ScopeFilterID
	default:
		return false
	}
}

// TestResult describes a dry run of a watcher against one session.
type TestResult struct {
	SessionID   string `json:"session_id"`
	TmuxSession string `json:"tmux_session,omitempty"`
	Captured    bool   `json:"captured"`
	Matched     bool   `json:"matched"`
	Reason      string `json:"reason,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
}

// Test evaluates a watcher against its in-scope sessions without touching
// trigger state or publishing events.
func (r *Runner) Test(ctx context.Context, watcherID string) ([]TestResult, error) {
	w, err := r.Repo.GetWatcher(ctx, watcherID)
	if err != nil {
		return nil, err
	}
	sess, err := r.Sessions.Active(ctx, w.ProjectID)
	if err != nil {
		return nil, err
	}
	scope := newScopeCache(r.Repo)
	var res []TestResult
	for _, s := range sess {
		if !r.inScope(ctx, w, s, scope) {
			continue
		}
		tr := TestResult{SessionID: s.ID, TmuxSession: s.TmuxSession}
		if s.TmuxSession == "" {
			tr.Reason = "no_tmux_session"
			res = append(res, tr)
			continue
		}
		lines := w.ViewportLines
		if lines <= 0 {
			lines = r.Cfg.Automation.ViewportLines
		}
		content, err := r.captureCached(ctx, s.TmuxSession, lines)
		if err != nil {
			tr.Reason = "capture_failed"
			res = append(res, tr)
			continue
		}
		tr.Captured = true
		if strings.TrimSpace(content) == "" {
			tr.Reason = "empty_viewport"
			res = append(res, tr)
			continue
		}
		matched, evalErr := EvalCondition(w.Condition, content)
		if evalErr != nil {
			tr.Reason = "invalid_condition"
		}
		tr.Matched = matched
		if matched {
			tr.Snippet = r.snippet(content)
		}
		res = append(res, tr)
	}
	return res, nil
}
