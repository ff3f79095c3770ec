package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Epic struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"open,active,done,canceled"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	EpicID      *string `json:"epic_id,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"planned,in_progress,review,done,rejected,canceled"`
	Priority    *int    `json:"priority,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ProviderConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AgentProfile struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ProviderConfigID string `json:"provider_config_id"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	ProfileID *string `json:"profile_id,omitempty"`
	Status    string  `json:"status" enum:"idle,working,offline"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Session is a terminal session attached to a project, usually driven by an
// agent. TmuxSession is the tmux session name; empty means the session has no
// live terminal handle.
type Session struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	AgentID        *string `json:"agent_id,omitempty"`
	TmuxSession    string  `json:"tmux_session,omitempty"`
	Status         string  `json:"status" enum:"active,exited"`
	ActivityState  string  `json:"activity_state" enum:"idle,busy,unknown"`
	LastActivityAt string  `json:"last_activity_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Condition is a watcher's pattern predicate.
type Condition struct {
	Type    string `json:"type" enum:"contains,not_contains,regex"`
	Pattern string `json:"pattern"`
	Flags   string `json:"flags,omitempty"`
}

// Watcher periodically inspects terminal output for a pattern and publishes an
// event when it matches.
type Watcher struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Name             string    `json:"name"`
	Enabled          bool      `json:"enabled"`
	Scope            string    `json:"scope" enum:"all,agent,profile,provider"`
	ScopeFilterID    string    `json:"scope_filter_id,omitempty"`
	PollIntervalMs   int       `json:"poll_interval_ms"`
	ViewportLines    int       `json:"viewport_lines"`
	IdleAfterSeconds int       `json:"idle_after_seconds"`
	Condition        Condition `json:"condition"`
	CooldownMs       int       `json:"cooldown_ms"`
	CooldownMode     string    `json:"cooldown_mode" enum:"time,until_clear"`
	EventName        string    `json:"event_name"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
}

// EventFilter narrows which event payloads a subscriber reacts to.
type EventFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator" enum:"equals,contains,regex"`
	Value    string `json:"value"`
}

// ActionInput maps a named action input to either a payload field or a
// literal value.
type ActionInput struct {
	Source      string `json:"source" enum:"event_field,custom"`
	EventField  string `json:"event_field,omitempty"`
	CustomValue any    `json:"custom_value,omitempty"`
}

// Subscriber reacts to a named event by invoking an action.
type Subscriber struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	Name         string                 `json:"name"`
	Enabled      bool                   `json:"enabled"`
	EventName    string                 `json:"event_name"`
	EventFilter  *EventFilter           `json:"event_filter,omitempty"`
	ActionType   string                 `json:"action_type"`
	ActionInputs map[string]ActionInput `json:"action_inputs,omitempty"`
	DelayMs      int                    `json:"delay_ms"`
	CooldownMs   int                    `json:"cooldown_ms"`
	RetryOnError bool                   `json:"retry_on_error"`
	GroupName    string                 `json:"group_name,omitempty"`
	Position     int                    `json:"position"`
	Priority     int                    `json:"priority"`
	CreatedAt    string                 `json:"created_at" format:"date-time"`
}

type ChatThread struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	AgentID   *string `json:"agent_id,omitempty"`
	Title     string  `json:"title"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ChatMessage struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role" enum:"user,agent,system"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is a persisted entry in the event log. Disposition records how the
// automation pipeline handled it (published, scheduled, handled_ok,
// handled_fail).
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Name        string `json:"name"`
	ProjectID   string `json:"project_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Payload     string `json:"payload_json"`
}
