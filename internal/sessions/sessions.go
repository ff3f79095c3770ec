// Package sessions keeps session records in step with live tmux state.
package sessions

import (
	"context"
	"log"
	"time"

	"devchain/internal/domain"
	"devchain/internal/repo"
)

// Prober is the tmux surface the registry needs.
type Prober interface {
	HasSession(ctx context.Context, sessionName string) bool
	SessionActivity(ctx context.Context, sessionName string) (time.Time, bool)
}

// Registry resolves active sessions for a project, refreshing their activity
// state from tmux and retiring sessions whose terminal is gone.
type Registry struct {
	Repo   repo.Repo
	Tmux   Prober
	Logger *log.Logger
	Now    func() time.Time
	// IdleAfter is how long without terminal activity a session counts as
	// idle.
	IdleAfter time.Duration
	// Exited is called when a refresh finds a session's terminal gone.
	Exited func(ctx context.Context, s domain.Session)
}

func (r *Registry) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Active returns the project's active sessions with refreshed activity state.
func (r *Registry) Active(ctx context.Context, projectID string) ([]domain.Session, error) {
	list, err := r.Repo.ListActiveSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var res []domain.Session
	for _, s := range list {
		if s.TmuxSession == "" {
			res = append(res, s)
			continue
		}
		if !r.Tmux.HasSession(ctx, s.TmuxSession) {
			if err := r.Repo.MarkSessionExited(ctx, s.ID); err != nil {
				r.logger().Printf("sessions: mark %s exited: %v", s.ID, err)
				continue
			}
			s.Status = "exited"
			if r.Exited != nil {
				r.Exited(ctx, s)
			}
			continue
		}
		res = append(res, r.refresh(ctx, s))
	}
	return res, nil
}

func (r *Registry) refresh(ctx context.Context, s domain.Session) domain.Session {
	at, ok := r.Tmux.SessionActivity(ctx, s.TmuxSession)
	if !ok {
		s.ActivityState = "unknown"
		return s
	}
	idleAfter := r.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 30 * time.Second
	}
	state := "busy"
	if r.now().Sub(at) >= idleAfter {
		state = "idle"
	}
	last := at.UTC().Format(time.RFC3339)
	if state != s.ActivityState || last != s.LastActivityAt {
		if err := r.Repo.UpdateSessionActivity(ctx, s.ID, state, last); err != nil {
			r.logger().Printf("sessions: update activity for %s: %v", s.ID, err)
		}
	}
	s.ActivityState = state
	s.LastActivityAt = last
	return s
}
