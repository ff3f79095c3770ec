package repo

import (
	"context"
	"database/sql"

	"devchain/internal/domain"
)

func (r Repo) InsertChatThread(ctx context.Context, t domain.ChatThread) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_threads(id,project_id,agent_id,title,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.AgentID), t.Title, t.CreatedAt)
	return err
}

func (r Repo) GetChatThread(ctx context.Context, id string) (domain.ChatThread, error) {
	var t domain.ChatThread
	var agentID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,agent_id,title,created_at FROM chat_threads WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &agentID, &t.Title, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if agentID.Valid {
		t.AgentID = &agentID.String
	}
	return t, err
}

func (r Repo) ListChatThreads(ctx context.Context, projectID string) ([]domain.ChatThread, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,agent_id,title,created_at FROM chat_threads WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatThread
	for rows.Next() {
		var t domain.ChatThread
		var agentID sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &agentID, &t.Title, &t.CreatedAt); err != nil {
			return nil, err
		}
		if agentID.Valid {
			t.AgentID = &agentID.String
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) InsertChatMessage(ctx context.Context, tx *sql.Tx, m domain.ChatMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chat_messages(id,thread_id,role,content,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.CreatedAt)
	return err
}

func (r Repo) ListChatMessages(ctx context.Context, threadID string, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT id,thread_id,role,content,created_at FROM chat_messages WHERE thread_id=? ORDER BY created_at, id`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}
