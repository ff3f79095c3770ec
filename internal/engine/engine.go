package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"devchain/internal/config"
	"devchain/internal/domain"
	"devchain/internal/events"
	"devchain/internal/repo"
	"devchain/internal/tmux"
)

// Terminal is the subset of tmux operations the engine needs to run sessions.
type Terminal interface {
	NewSession(ctx context.Context, sessionName, dir, command string) error
	KillSession(ctx context.Context, sessionName string) error
	HasSession(ctx context.Context, sessionName string) bool
	SendText(ctx context.Context, sessionName, text string) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Tmux   Terminal
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    events.NewBus(),
		Tmux:   tmux.Client{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) publish(name string, payload events.Payload) {
	if e.Bus != nil {
		e.Bus.Publish(name, payload)
	}
}

func newID() string {
	return uuid.NewString()
}

// InitProject creates the project record; migrations have already run.
func (e Engine) InitProject(ctx context.Context, id, name, description, repoPath string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if id == "" {
		id = newID()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Status:      "active",
		Description: description,
		RepoPath:    repoPath,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (e Engine) CreateEpic(ctx context.Context, projectID, title string) (domain.Epic, error) {
	if title == "" {
		return domain.Epic{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Epic{}, err
	}
	ep := domain.Epic{
		ID:        newID(),
		ProjectID: projectID,
		Title:     title,
		Status:    "open",
		CreatedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEpic(ctx, tx, ep); err != nil {
		return domain.Epic{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Epic{}, err
	}
	return ep, nil
}

var epicTransitions = map[string][]string{
	"open":   {"active", "canceled"},
	"active": {"done", "canceled"},
}

func (e Engine) SetEpicStatus(ctx context.Context, id, status string) (domain.Epic, error) {
	ep, err := e.Repo.GetEpic(ctx, id)
	if err != nil {
		return domain.Epic{}, err
	}
	if !transitionAllowed(epicTransitions, ep.Status, status) {
		return domain.Epic{}, fmt.Errorf("epic cannot move from %s to %s", ep.Status, status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEpicStatus(ctx, tx, id, status); err != nil {
		return domain.Epic{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Epic{}, err
	}
	ep.Status = status
	return ep, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   string
	EpicID      string
	AgentID     string
	Title       string
	Description string
	Priority    *int
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if opts.EpicID != "" {
		ep, err := e.Repo.GetEpic(ctx, opts.EpicID)
		if err != nil {
			return domain.Task{}, err
		}
		if ep.ProjectID != opts.ProjectID {
			return domain.Task{}, fmt.Errorf("epic %s not in project %s", opts.EpicID, opts.ProjectID)
		}
	}
	if opts.AgentID != "" {
		ag, err := e.Repo.GetAgent(ctx, opts.AgentID)
		if err != nil {
			return domain.Task{}, err
		}
		if ag.ProjectID != opts.ProjectID {
			return domain.Task{}, fmt.Errorf("agent %s not in project %s", opts.AgentID, opts.ProjectID)
		}
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:          newID(),
		ProjectID:   opts.ProjectID,
		EpicID:      optionalString(opts.EpicID),
		AgentID:     optionalString(opts.AgentID),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      "planned",
		Priority:    opts.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload := events.Payload{"projectId": t.ProjectID, "taskId": t.ID, "title": t.Title, "status": t.Status}
	if t.AgentID != nil {
		payload["agentId"] = *t.AgentID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "", derefOr(t.AgentID), payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish("task.created", payload)
	return t, nil
}

var taskTransitions = map[string][]string{
	"planned":     {"in_progress", "canceled"},
	"in_progress": {"review", "done", "canceled"},
	"review":      {"done", "rejected", "canceled"},
	"rejected":    {"in_progress", "canceled"},
}

func transitionAllowed(transitions map[string][]string, from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (e Engine) SetTaskStatus(ctx context.Context, id, status string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if status == t.Status {
		return t, nil
	}
	if !transitionAllowed(taskTransitions, t.Status, status) {
		return domain.Task{}, fmt.Errorf("task cannot move from %s to %s", t.Status, status)
	}
	from := t.Status
	t.Status = status
	t.UpdatedAt = e.nowRFC3339()
	if status == "done" {
		at := t.UpdatedAt
		t.CompletedAt = &at
	}
	payload := events.Payload{"projectId": t.ProjectID, "taskId": t.ID, "title": t.Title, "from": from, "to": status}
	if t.AgentID != nil {
		payload["agentId"] = *t.AgentID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.status_changed", t.ProjectID, "", derefOr(t.AgentID), payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish("task.status_changed", payload)
	return t, nil
}

// TaskUpdateOptions carries optional field updates; nil means leave as is.
type TaskUpdateOptions struct {
	Title       *string
	Description *string
	EpicID      *string
	AgentID     *string
	Priority    *int
}

func (e Engine) UpdateTask(ctx context.Context, id string, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Task{}, errors.New("title cannot be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.EpicID != nil {
		t.EpicID = optionalString(*opts.EpicID)
	}
	if opts.AgentID != nil {
		t.AgentID = optionalString(*opts.AgentID)
	}
	if opts.Priority != nil {
		t.Priority = opts.Priority
	}
	t.UpdatedAt = e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) CreateProviderConfig(ctx context.Context, name, provider, model string) (domain.ProviderConfig, error) {
	if name == "" || provider == "" {
		return domain.ProviderConfig{}, errors.New("name and provider are required")
	}
	if e.Config != nil && len(e.Config.Providers) > 0 {
		if _, ok := e.Config.Providers[provider]; !ok {
			return domain.ProviderConfig{}, fmt.Errorf("unknown provider %s", provider)
		}
	}
	p := domain.ProviderConfig{
		ID:        newID(),
		Name:      name,
		Provider:  provider,
		Model:     model,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertProviderConfig(ctx, p); err != nil {
		return domain.ProviderConfig{}, err
	}
	return p, nil
}

func (e Engine) CreateAgentProfile(ctx context.Context, name, providerConfigID, systemPrompt string) (domain.AgentProfile, error) {
	if name == "" {
		return domain.AgentProfile{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProviderConfig(ctx, providerConfigID); err != nil {
		return domain.AgentProfile{}, fmt.Errorf("provider config %s: %w", providerConfigID, err)
	}
	p := domain.AgentProfile{
		ID:               newID(),
		Name:             name,
		ProviderConfigID: providerConfigID,
		SystemPrompt:     systemPrompt,
		CreatedAt:        e.nowRFC3339(),
	}
	if err := e.Repo.InsertAgentProfile(ctx, p); err != nil {
		return domain.AgentProfile{}, err
	}
	return p, nil
}

func (e Engine) CreateAgent(ctx context.Context, projectID, name, profileID string) (domain.Agent, error) {
	if name == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Agent{}, err
	}
	if profileID != "" {
		if _, err := e.Repo.GetAgentProfile(ctx, profileID); err != nil {
			return domain.Agent{}, fmt.Errorf("profile %s: %w", profileID, err)
		}
	}
	a := domain.Agent{
		ID:        newID(),
		ProjectID: projectID,
		Name:      name,
		ProfileID: optionalString(profileID),
		Status:    "idle",
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// SessionStartOptions are parameters for starting a terminal session.
type SessionStartOptions struct {
	ProjectID string
	AgentID   string
	Dir       string
	Command   string
	// NoTerminal records the session without creating a tmux session.
	NoTerminal bool
}

func (e Engine) StartSession(ctx context.Context, opts SessionStartOptions) (domain.Session, error) {
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Session{}, err
	}
	if opts.AgentID != "" {
		ag, err := e.Repo.GetAgent(ctx, opts.AgentID)
		if err != nil {
			return domain.Session{}, err
		}
		if ag.ProjectID != opts.ProjectID {
			return domain.Session{}, fmt.Errorf("agent %s not in project %s", opts.AgentID, opts.ProjectID)
		}
	}
	s := domain.Session{
		ID:            newID(),
		ProjectID:     p.ID,
		AgentID:       optionalString(opts.AgentID),
		Status:        "active",
		ActivityState: "unknown",
		CreatedAt:     e.nowRFC3339(),
	}
	if !opts.NoTerminal {
		s.TmuxSession = "dc-" + s.ID[:8]
		dir := opts.Dir
		if dir == "" {
			dir = p.RepoPath
		}
		if err := e.Tmux.NewSession(ctx, s.TmuxSession, dir, opts.Command); err != nil {
			return domain.Session{}, err
		}
	}
	if err := e.Repo.InsertSession(ctx, s); err != nil {
		if s.TmuxSession != "" {
			if killErr := e.Tmux.KillSession(ctx, s.TmuxSession); killErr != nil {
				e.logger().Printf("engine: cleanup tmux session %s: %v", s.TmuxSession, killErr)
			}
		}
		return domain.Session{}, err
	}
	payload := events.Payload{"projectId": s.ProjectID, "sessionId": s.ID}
	if s.AgentID != nil {
		payload["agentId"] = *s.AgentID
	}
	e.recordAndPublish(ctx, "session.started", s.ProjectID, s.ID, derefOr(s.AgentID), payload)
	return s, nil
}

func (e Engine) StopSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status == "exited" {
		return s, nil
	}
	if s.TmuxSession != "" {
		if err := e.Tmux.KillSession(ctx, s.TmuxSession); err != nil {
			return domain.Session{}, err
		}
	}
	if err := e.Repo.MarkSessionExited(ctx, id); err != nil {
		return domain.Session{}, err
	}
	s.Status = "exited"
	payload := events.Payload{"projectId": s.ProjectID, "sessionId": s.ID}
	if s.AgentID != nil {
		payload["agentId"] = *s.AgentID
	}
	e.recordAndPublish(ctx, "session.exited", s.ProjectID, s.ID, derefOr(s.AgentID), payload)
	return s, nil
}

// SendToSession types text into the session's terminal followed by Enter.
func (e Engine) SendToSession(ctx context.Context, id, text string) error {
	if text == "" {
		return fmt.Errorf("text is required")
	}
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.TmuxSession == "" {
		return fmt.Errorf("session %s has no terminal", id)
	}
	return e.Tmux.SendText(ctx, s.TmuxSession, text)
}

func (e Engine) recordAndPublish(ctx context.Context, name, projectID, sessionID, agentID string, payload events.Payload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		if err = e.Events.Append(ctx, tx, name, projectID, sessionID, agentID, payload); err == nil {
			err = tx.Commit()
		} else {
			tx.Rollback()
		}
	}
	if err != nil {
		e.logger().Printf("engine: record %s: %v", name, err)
	}
	e.publish(name, payload)
}

func (e Engine) CreateChatThread(ctx context.Context, projectID, agentID, title string) (domain.ChatThread, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ChatThread{}, err
	}
	if agentID != "" {
		if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
			return domain.ChatThread{}, fmt.Errorf("agent %s: %w", agentID, err)
		}
	}
	if title == "" {
		title = "untitled"
	}
	t := domain.ChatThread{
		ID:        newID(),
		ProjectID: projectID,
		AgentID:   optionalString(agentID),
		Title:     title,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertChatThread(ctx, t); err != nil {
		return domain.ChatThread{}, err
	}
	return t, nil
}

func (e Engine) PostChatMessage(ctx context.Context, threadID, role, content string) (domain.ChatMessage, error) {
	if content == "" {
		return domain.ChatMessage{}, errors.New("content is required")
	}
	switch role {
	case "user", "agent", "system":
	case "":
		role = "user"
	default:
		return domain.ChatMessage{}, fmt.Errorf("invalid role %s", role)
	}
	th, err := e.Repo.GetChatThread(ctx, threadID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	m := domain.ChatMessage{
		ID:        newID(),
		ThreadID:  th.ID,
		Role:      role,
		Content:   content,
		CreatedAt: e.nowRFC3339(),
	}
	payload := events.Payload{
		"projectId": th.ProjectID,
		"threadId":  th.ID,
		"messageId": m.ID,
		"role":      m.Role,
		"content":   m.Content,
	}
	if th.AgentID != nil {
		payload["agentId"] = *th.AgentID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertChatMessage(ctx, tx, m); err != nil {
		return domain.ChatMessage{}, err
	}
	if err := e.Events.Append(ctx, tx, "chat.message.created", th.ProjectID, "", derefOr(th.AgentID), payload); err != nil {
		return domain.ChatMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChatMessage{}, err
	}
	e.publish("chat.message.created", payload)
	return m, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
