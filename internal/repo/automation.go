package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"devchain/internal/domain"
)

func (r Repo) InsertWatcher(ctx context.Context, w domain.Watcher) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO watchers(id,project_id,name,enabled,scope,scope_filter_id,poll_interval_ms,viewport_lines,idle_after_seconds,condition_type,condition_pattern,condition_flags,cooldown_ms,cooldown_mode,event_name,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Name, boolToInt(w.Enabled), w.Scope, nullable(w.ScopeFilterID), w.PollIntervalMs, w.ViewportLines,
		w.IdleAfterSeconds, w.Condition.Type, w.Condition.Pattern, nullable(w.Condition.Flags), w.CooldownMs, w.CooldownMode, w.EventName, w.CreatedAt)
	return err
}

func (r Repo) UpdateWatcher(ctx context.Context, w domain.Watcher) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE watchers SET name=?, enabled=?, scope=?, scope_filter_id=?, poll_interval_ms=?, viewport_lines=?, idle_after_seconds=?, condition_type=?, condition_pattern=?, condition_flags=?, cooldown_ms=?, cooldown_mode=?, event_name=? WHERE id=?`,
		w.Name, boolToInt(w.Enabled), w.Scope, nullable(w.ScopeFilterID), w.PollIntervalMs, w.ViewportLines, w.IdleAfterSeconds,
		w.Condition.Type, w.Condition.Pattern, nullable(w.Condition.Flags), w.CooldownMs, w.CooldownMode, w.EventName, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteWatcher(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM watchers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const watcherColumns = `id,project_id,name,enabled,scope,scope_filter_id,poll_interval_ms,viewport_lines,idle_after_seconds,condition_type,condition_pattern,condition_flags,cooldown_ms,cooldown_mode,event_name,created_at`

func scanWatcher(scan func(dest ...any) error) (domain.Watcher, error) {
	var w domain.Watcher
	var enabled int
	var scopeFilter, flags sql.NullString
	err := scan(&w.ID, &w.ProjectID, &w.Name, &enabled, &w.Scope, &scopeFilter, &w.PollIntervalMs, &w.ViewportLines,
		&w.IdleAfterSeconds, &w.Condition.Type, &w.Condition.Pattern, &flags, &w.CooldownMs, &w.CooldownMode, &w.EventName, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Enabled = enabled != 0
	w.ScopeFilterID = scopeFilter.String
	w.Condition.Flags = flags.String
	return w, nil
}

func (r Repo) GetWatcher(ctx context.Context, id string) (domain.Watcher, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+watcherColumns+` FROM watchers WHERE id=?`, id)
	return scanWatcher(row.Scan)
}

func (r Repo) ListWatchers(ctx context.Context, projectID string) ([]domain.Watcher, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+watcherColumns+` FROM watchers WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWatchers(rows)
}

// ListEnabledWatchers returns every enabled watcher across all projects,
// loaded once at process start.
func (r Repo) ListEnabledWatchers(ctx context.Context) ([]domain.Watcher, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+watcherColumns+` FROM watchers WHERE enabled=1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWatchers(rows)
}

func collectWatchers(rows *sql.Rows) ([]domain.Watcher, error) {
	var res []domain.Watcher
	for rows.Next() {
		w, err := scanWatcher(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) InsertSubscriber(ctx context.Context, s domain.Subscriber) error {
	filterJSON, inputsJSON, err := marshalSubscriberParts(s)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO subscribers(id,project_id,name,enabled,event_name,event_filter_json,action_type,action_inputs_json,delay_ms,cooldown_ms,retry_on_error,group_name,position,priority,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, boolToInt(s.Enabled), s.EventName, filterJSON, s.ActionType, inputsJSON,
		s.DelayMs, s.CooldownMs, boolToInt(s.RetryOnError), nullable(s.GroupName), s.Position, s.Priority, s.CreatedAt)
	return err
}

func (r Repo) UpdateSubscriber(ctx context.Context, s domain.Subscriber) error {
	filterJSON, inputsJSON, err := marshalSubscriberParts(s)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE subscribers SET name=?, enabled=?, event_name=?, event_filter_json=?, action_type=?, action_inputs_json=?, delay_ms=?, cooldown_ms=?, retry_on_error=?, group_name=?, position=?, priority=? WHERE id=?`,
		s.Name, boolToInt(s.Enabled), s.EventName, filterJSON, s.ActionType, inputsJSON,
		s.DelayMs, s.CooldownMs, boolToInt(s.RetryOnError), nullable(s.GroupName), s.Position, s.Priority, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSubscriber(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscribers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalSubscriberParts(s domain.Subscriber) (any, any, error) {
	var filterJSON any
	if s.EventFilter != nil {
		b, err := json.Marshal(s.EventFilter)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal event filter: %w", err)
		}
		filterJSON = string(b)
	}
	var inputsJSON any
	if len(s.ActionInputs) > 0 {
		b, err := json.Marshal(s.ActionInputs)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal action inputs: %w", err)
		}
		inputsJSON = string(b)
	}
	return filterJSON, inputsJSON, nil
}

const subscriberColumns = `id,project_id,name,enabled,event_name,event_filter_json,action_type,action_inputs_json,delay_ms,cooldown_ms,retry_on_error,group_name,position,priority,created_at`

func scanSubscriber(scan func(dest ...any) error) (domain.Subscriber, error) {
	var s domain.Subscriber
	var enabled, retry int
	var filterJSON, inputsJSON, groupName sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Name, &enabled, &s.EventName, &filterJSON, &s.ActionType, &inputsJSON,
		&s.DelayMs, &s.CooldownMs, &retry, &groupName, &s.Position, &s.Priority, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Enabled = enabled != 0
	s.RetryOnError = retry != 0
	s.GroupName = groupName.String
	if filterJSON.Valid && filterJSON.String != "" {
		var f domain.EventFilter
		if err := json.Unmarshal([]byte(filterJSON.String), &f); err != nil {
			return s, fmt.Errorf("unmarshal event filter for %s: %w", s.ID, err)
		}
		s.EventFilter = &f
	}
	if inputsJSON.Valid && inputsJSON.String != "" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &s.ActionInputs); err != nil {
			return s, fmt.Errorf("unmarshal action inputs for %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r Repo) GetSubscriber(ctx context.Context, id string) (domain.Subscriber, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id=?`, id)
	return scanSubscriber(row.Scan)
}

func (r Repo) ListSubscribers(ctx context.Context, projectID string) ([]domain.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE project_id=? ORDER BY position, created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscribers(rows)
}

// FindSubscribersByEventName returns subscribers registered for an event in a
// project, enabled or not; the executor applies the enabled check itself so it
// can report a typed skip reason.
func (r Repo) FindSubscribersByEventName(ctx context.Context, projectID, eventName string) ([]domain.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE project_id=? AND event_name=? ORDER BY position, created_at`, projectID, eventName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscribers(rows)
}

func collectSubscribers(rows *sql.Rows) ([]domain.Subscriber, error) {
	var res []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
