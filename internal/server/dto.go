package server

import "devchain/internal/domain"

type CreateProjectRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	RepoPath    *string `json:"repo_path,omitempty"`
}

type CreateEpicRequest struct {
	Title string `json:"title"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	EpicID      *string `json:"epic_id,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	EpicID      *string `json:"epic_id,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type CreateProviderConfigRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

type CreateAgentProfileRequest struct {
	Name             string `json:"name"`
	ProviderConfigID string `json:"provider_config_id"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
}

type CreateAgentRequest struct {
	Name      string `json:"name"`
	ProfileID string `json:"profile_id,omitempty"`
}

type StartSessionRequest struct {
	AgentID    string `json:"agent_id,omitempty"`
	Dir        string `json:"dir,omitempty"`
	Command    string `json:"command,omitempty"`
	NoTerminal bool   `json:"no_terminal,omitempty"`
}

type SendTextRequest struct {
	Text string `json:"text"`
}

type CreateThreadRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Title   string `json:"title,omitempty"`
}

type PostMessageRequest struct {
	Role    string `json:"role,omitempty" enum:"user,agent,system"`
	Content string `json:"content"`
}

type WatcherRequest struct {
	Name             string           `json:"name"`
	Enabled          *bool            `json:"enabled,omitempty"`
	Scope            string           `json:"scope,omitempty" enum:"all,agent,profile,provider"`
	ScopeFilterID    string           `json:"scope_filter_id,omitempty"`
	PollIntervalMs   int              `json:"poll_interval_ms,omitempty"`
	ViewportLines    int              `json:"viewport_lines,omitempty"`
	IdleAfterSeconds int              `json:"idle_after_seconds,omitempty"`
	Condition        domain.Condition `json:"condition"`
	CooldownMs       int              `json:"cooldown_ms,omitempty"`
	CooldownMode     string           `json:"cooldown_mode,omitempty" enum:"time,until_clear"`
	EventName        string           `json:"event_name"`
}

type SubscriberRequest struct {
	Name         string                        `json:"name"`
	Enabled      *bool                         `json:"enabled,omitempty"`
	EventName    string                        `json:"event_name"`
	EventFilter  *domain.EventFilter           `json:"event_filter,omitempty"`
	ActionType   string                        `json:"action_type"`
	ActionInputs map[string]domain.ActionInput `json:"action_inputs,omitempty"`
	DelayMs      int                           `json:"delay_ms,omitempty"`
	CooldownMs   int                           `json:"cooldown_ms,omitempty"`
	RetryOnError bool                          `json:"retry_on_error,omitempty"`
	GroupName    string                        `json:"group_name,omitempty"`
	Position     int                           `json:"position,omitempty"`
	Priority     int                           `json:"priority,omitempty"`
}

// SessionPeek is a capture of a session's terminal viewport.
type SessionPeek struct {
	SessionID   string `json:"session_id"`
	TmuxSession string `json:"tmux_session"`
	Content     string `json:"content"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}
