package engine

import (
	"context"
	"fmt"
	"regexp"

	"devchain/internal/domain"
)

var conditionTypes = map[string]bool{
	"contains":     true,
	"not_contains": true,
	"regex":        true,
}

var watcherScopes = map[string]bool{
	"all":      true,
	"agent":    true,
	"profile":  true,
	"provider": true,
}

var actionTypes = map[string]bool{
	"terminal.send_text": true,
	"chat.post_message":  true,
	"task.set_status":    true,
}

func validateCondition(c domain.Condition) error {
	if !conditionTypes[c.Type] {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if c.Type == "regex" {
		pattern := c.Pattern
		if c.Flags != "" {
			pattern = "(?" + c.Flags + ")" + pattern
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
	}
	return nil
}

func applyWatcherDefaults(w *domain.Watcher) {
	if w.Scope == "" {
		w.Scope = "all"
	}
	if w.PollIntervalMs <= 0 {
		w.PollIntervalMs = 2000
	}
	if w.ViewportLines <= 0 {
		w.ViewportLines = 50
	}
	if w.CooldownMode == "" {
		w.CooldownMode = "time"
	}
}

func (e Engine) validateWatcher(w domain.Watcher) error {
	if w.Name == "" {
		return fmt.Errorf("watcher name is required")
	}
	if w.EventName == "" {
		return fmt.Errorf("watcher event_name is required")
	}
	if !watcherScopes[w.Scope] {
		return fmt.Errorf("unknown watcher scope %q", w.Scope)
	}
	if w.Scope != "all" && w.ScopeFilterID == "" {
		return fmt.Errorf("scope_filter_id is required for scope %q", w.Scope)
	}
	if w.CooldownMode != "time" && w.CooldownMode != "until_clear" {
		return fmt.Errorf("unknown cooldown mode %q", w.CooldownMode)
	}
	return validateCondition(w.Condition)
}

// CreateWatcher stores a watcher. The caller starts polling separately.
func (e Engine) CreateWatcher(ctx context.Context, projectID string, w domain.Watcher) (domain.Watcher, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Watcher{}, err
	}
	w.ID = newID()
	w.ProjectID = projectID
	w.CreatedAt = e.nowRFC3339()
	applyWatcherDefaults(&w)
	if err := e.validateWatcher(w); err != nil {
		return domain.Watcher{}, err
	}
	if err := e.Repo.InsertWatcher(ctx, w); err != nil {
		return domain.Watcher{}, err
	}
	return w, nil
}

// UpdateWatcher replaces the stored watcher definition, keeping its
// identity and creation time.
func (e Engine) UpdateWatcher(ctx context.Context, id string, w domain.Watcher) (domain.Watcher, error) {
	existing, err := e.Repo.GetWatcher(ctx, id)
	if err != nil {
		return domain.Watcher{}, err
	}
	w.ID = existing.ID
	w.ProjectID = existing.ProjectID
	w.CreatedAt = existing.CreatedAt
	applyWatcherDefaults(&w)
	if err := e.validateWatcher(w); err != nil {
		return domain.Watcher{}, err
	}
	if err := e.Repo.UpdateWatcher(ctx, w); err != nil {
		return domain.Watcher{}, err
	}
	return w, nil
}

func (e Engine) DeleteWatcher(ctx context.Context, id string) error {
	return e.Repo.DeleteWatcher(ctx, id)
}

func (e Engine) validateSubscriber(s domain.Subscriber) error {
	if s.Name == "" {
		return fmt.Errorf("subscriber name is required")
	}
	if s.EventName == "" {
		return fmt.Errorf("subscriber event_name is required")
	}
	if !actionTypes[s.ActionType] {
		return fmt.Errorf("unknown action type %q", s.ActionType)
	}
	if s.EventFilter != nil {
		switch s.EventFilter.Operator {
		case "equals", "contains":
		case "regex":
			if _, err := regexp.Compile(s.EventFilter.Value); err != nil {
				return fmt.Errorf("invalid filter regex: %w", err)
			}
		default:
			return fmt.Errorf("unknown filter operator %q", s.EventFilter.Operator)
		}
		if s.EventFilter.Field == "" {
			return fmt.Errorf("filter field is required")
		}
	}
	for name, in := range s.ActionInputs {
		switch in.Source {
		case "event_field":
			if in.EventField == "" {
				return fmt.Errorf("input %q: event_field is required", name)
			}
		case "custom":
		default:
			return fmt.Errorf("input %q: unknown source %q", name, in.Source)
		}
	}
	return nil
}

// CreateSubscriber stores an event subscriber for a project.
func (e Engine) CreateSubscriber(ctx context.Context, projectID string, s domain.Subscriber) (domain.Subscriber, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Subscriber{}, err
	}
	s.ID = newID()
	s.ProjectID = projectID
	s.CreatedAt = e.nowRFC3339()
	if err := e.validateSubscriber(s); err != nil {
		return domain.Subscriber{}, err
	}
	if err := e.Repo.InsertSubscriber(ctx, s); err != nil {
		return domain.Subscriber{}, err
	}
	return s, nil
}

func (e Engine) UpdateSubscriber(ctx context.Context, id string, s domain.Subscriber) (domain.Subscriber, error) {
	existing, err := e.Repo.GetSubscriber(ctx, id)
	if err != nil {
		return domain.Subscriber{}, err
	}
	s.ID = existing.ID
	s.ProjectID = existing.ProjectID
	s.CreatedAt = existing.CreatedAt
	if err := e.validateSubscriber(s); err != nil {
		return domain.Subscriber{}, err
	}
	if err := e.Repo.UpdateSubscriber(ctx, s); err != nil {
		return domain.Subscriber{}, err
	}
	return s, nil
}

func (e Engine) DeleteSubscriber(ctx context.Context, id string) error {
	return e.Repo.DeleteSubscriber(ctx, id)
}
