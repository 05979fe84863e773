package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is one operator session.
type Session struct {
	ID        string        `db:"id"`
	Root      string        `db:"root"`
	StartedAt int64         `db:"started_at"`
	EndedAt   sql.NullInt64 `db:"ended_at"`
}

// ExecutionRecord is one supervised background execution.
type ExecutionRecord struct {
	ID          int64         `db:"id"`
	SessionID   string        `db:"session_id"`
	Role        string        `db:"role"`
	ContainerID string        `db:"container_id"`
	Command     string        `db:"command"`
	TraceID     string        `db:"trace_id"`
	StartedAt   int64         `db:"started_at"`
	FinishedAt  sql.NullInt64 `db:"finished_at"`
	ExitCode    sql.NullInt64 `db:"exit_code"`
	Error       string        `db:"error"`
}

// Finished reports whether the execution has completed.
func (e ExecutionRecord) Finished() bool {
	return e.FinishedAt.Valid
}

// BeginSession records a new session.
func (s *Store) BeginSession(ctx context.Context, id, root string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, root, started_at) VALUES (?, ?, ?)`,
		id, root, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("begin session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the session end time.
func (s *Store) EndSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT id, root, started_at, ended_at FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// ExecutionStarted records a newly launched execution and returns its id.
func (s *Store) ExecutionStarted(ctx context.Context, sessionID, role, containerID string, argv []string, traceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (session_id, role, container_id, command, trace_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, role, containerID, strings.Join(argv, " "), traceID, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record execution start (%s): %w", role, err)
	}
	return res.LastInsertId()
}

// ExecutionFinished stores the exit status of an execution. runErr is the
// transport error, if any; exitCode is meaningful only when runErr is nil.
func (s *Store) ExecutionFinished(ctx context.Context, id int64, exitCode int, runErr error) error {
	var code sql.NullInt64
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	} else {
		code = sql.NullInt64{Int64: int64(exitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET finished_at = ?, exit_code = ?, error = ? WHERE id = ?`,
		time.Now().UnixMilli(), code, errText, id)
	if err != nil {
		return fmt.Errorf("record execution %d finish: %w", id, err)
	}
	return nil
}

// ListExecutions returns a session's executions, oldest first.
func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, session_id, role, container_id, command, trace_id,
		       started_at, finished_at, exit_code, error
		FROM executions WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", sessionID, err)
	}
	return out, nil
}
