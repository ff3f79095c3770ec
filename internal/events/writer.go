package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

type Payload map[string]any

func (w Writer) now() string {
	nowFn := w.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return nowFn().UTC().Format(time.RFC3339)
}

// Append records an event inside an existing transaction so domain writes and
// their event rows commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, name, projectID, sessionID, agentID string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,name,project_id,session_id,agent_id,disposition,payload_json) VALUES (?,?,?,?,?,'published',?)`,
		w.now(), name, nullable(projectID), nullable(sessionID), nullable(agentID), string(data))
	return err
}

// RecordPublished writes an audit row for an event entering the pipeline.
// Audit rows are best effort; a failed insert must not break the pipeline.
func (w Writer) RecordPublished(ctx context.Context, name, projectID, sessionID string, payload Payload) {
	w.record(ctx, name, projectID, sessionID, "published", "", payload)
}

// RecordScheduled writes an audit row summarizing a fan-out: how many
// subscribers matched, were scheduled, and were skipped for one event.
func (w Writer) RecordScheduled(ctx context.Context, name, projectID, sessionID, detail string, payload Payload) {
	w.record(ctx, name, projectID, sessionID, "scheduled", detail, payload)
}

// RecordHandledOk writes an audit row for a subscriber that ran successfully.
func (w Writer) RecordHandledOk(ctx context.Context, name, projectID, sessionID, subscriberID string, payload Payload) {
	w.record(ctx, name, projectID, sessionID, "handled_ok", subscriberID, payload)
}

// RecordHandledFail writes an audit row for a subscriber that failed or was
// skipped; detail carries the skip reason or error text.
func (w Writer) RecordHandledFail(ctx context.Context, name, projectID, sessionID, detail string, payload Payload) {
	w.record(ctx, name, projectID, sessionID, "handled_fail", detail, payload)
}

func (w Writer) record(ctx context.Context, name, projectID, sessionID, disposition, detail string, payload Payload) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger().Printf("events: marshal audit payload for %s: %v", name, err)
		data = []byte("{}")
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,name,project_id,session_id,agent_id,disposition,detail,payload_json) VALUES (?,?,?,?,NULL,?,?,?)`,
		w.now(), name, nullable(projectID), nullable(sessionID), disposition, nullable(detail), string(data))
	if err != nil {
		w.logger().Printf("events: write %s audit row (%s): %v", name, disposition, err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
