package repo

import (
	"context"
	"database/sql"

	"devchain/internal/domain"
)

func (r Repo) InsertProviderConfig(ctx context.Context, p domain.ProviderConfig) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO provider_configs(id,name,provider,model,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Provider, nullable(p.Model), p.CreatedAt)
	return err
}

func (r Repo) GetProviderConfig(ctx context.Context, id string) (domain.ProviderConfig, error) {
	var p domain.ProviderConfig
	var model sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,provider,model,created_at FROM provider_configs WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Provider, &model, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if model.Valid {
		p.Model = model.String
	}
	return p, err
}

func (r Repo) InsertAgentProfile(ctx context.Context, p domain.AgentProfile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_profiles(id,name,provider_config_id,system_prompt,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.ProviderConfigID, nullable(p.SystemPrompt), p.CreatedAt)
	return err
}

func (r Repo) GetAgentProfile(ctx context.Context, id string) (domain.AgentProfile, error) {
	var p domain.AgentProfile
	var prompt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,provider_config_id,system_prompt,created_at FROM agent_profiles WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.ProviderConfigID, &prompt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if prompt.Valid {
		p.SystemPrompt = prompt.String
	}
	return p, err
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,project_id,name,profile_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Name, nullableStringPtr(a.ProfileID), a.Status, a.CreatedAt)
	return err
}

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var profileID sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.Name, &profileID, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if profileID.Valid {
		a.ProfileID = &profileID.String
	}
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,profile_id,status,created_at FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,profile_id,status,created_at FROM agents WHERE project_id=? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) UpdateAgentStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,project_id,agent_id,tmux_session,status,activity_state,last_activity_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, nullableStringPtr(s.AgentID), nullable(s.TmuxSession), s.Status, s.ActivityState, nullable(s.LastActivityAt), s.CreatedAt)
	return err
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var agentID, tmuxSession, lastActivity sql.NullString
	err := scan(&s.ID, &s.ProjectID, &agentID, &tmuxSession, &s.Status, &s.ActivityState, &lastActivity, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if agentID.Valid {
		s.AgentID = &agentID.String
	}
	s.TmuxSession = tmuxSession.String
	s.LastActivityAt = lastActivity.String
	return s, nil
}

const sessionColumns = `id,project_id,agent_id,tmux_session,status,activity_state,last_activity_at,created_at`

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) ListActiveSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE project_id=? AND status='active' ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) UpdateSessionActivity(ctx context.Context, id, activityState, lastActivityAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET activity_state=?, last_activity_at=? WHERE id=?`,
		activityState, nullable(lastActivityAt), id)
	return err
}

func (r Repo) MarkSessionExited(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET status='exited' WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
