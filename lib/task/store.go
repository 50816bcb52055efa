// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/session"
	"github.com/vigil-sh/vigil/lib/sqlitepool"
)

// ErrNoActiveTask is returned by ActiveTask when the session has no
// task in flight.
var ErrNoActiveTask = fmt.Errorf("task: no active task")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		working_dir     TEXT NOT NULL,
		target          TEXT NOT NULL DEFAULT '',
		transcript_path TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL,
		registered_at   INTEGER NOT NULL,
		last_activity   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		state        TEXT NOT NULL,
		started_at   INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, state);

	CREATE TABLE IF NOT EXISTS turns (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL DEFAULT '',
		session_id       TEXT NOT NULL,
		actor            TEXT NOT NULL,
		intent           TEXT NOT NULL,
		text             TEXT NOT NULL,
		timestamp        INTEGER NOT NULL,
		timestamp_source TEXT NOT NULL,
		fingerprint      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_display ON turns(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_match ON turns(session_id, fingerprint, timestamp);
`

// Store is the SQLite projection of the event log: current sessions,
// tasks, and turns, in the shape the status endpoint and the TUI read.
// It is derived state; dropping the database and replaying the log
// rebuilds it.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens (and if needed creates) the projection database at
// path. The caller must Close the store when done.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// UpsertSession writes the session row, replacing any previous state
// for the same ID.
func (s *Store) UpsertSession(ctx context.Context, sess *session.Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO sessions
		(id, working_dir, target, transcript_path, state, registered_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			working_dir     = excluded.working_dir,
			target          = excluded.target,
			transcript_path = excluded.transcript_path,
			state           = excluded.state,
			last_activity   = excluded.last_activity`,
		&sqlitex.ExecOptions{
			Args: []any{
				sess.ID,
				sess.WorkingDir,
				sess.Target,
				sess.TranscriptPath,
				string(sess.State),
				sess.RegisteredAt.UnixNano(),
				sess.LastActivity.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("task store: upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// DeleteSession removes the session row. Its tasks and turns are kept
// for history.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM sessions WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{sessionID}})
	if err != nil {
		return fmt.Errorf("task store: delete session %s: %w", sessionID, err)
	}
	return nil
}

// CreateTask records a new active task.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO tasks
		(id, session_id, state, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				task.ID,
				task.SessionID,
				string(task.State),
				task.StartedAt.UnixNano(),
				completedAtArg(task.CompletedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("task store: create task %s: %w", task.ID, err)
	}
	return nil
}

// FinishTask moves a task out of the active state.
func (s *Store) FinishTask(ctx context.Context, taskID string, state TaskState, completedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE tasks SET state = ?, completed_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(state), completedAt.UnixNano(), taskID},
		})
	if err != nil {
		return fmt.Errorf("task store: finish task %s: %w", taskID, err)
	}
	return nil
}

// AbandonActiveTasks marks every active task of the session abandoned.
// Called when a session ends with work still in flight.
func (s *Store) AbandonActiveTasks(ctx context.Context, sessionID string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE tasks SET state = ?, completed_at = ? WHERE session_id = ? AND state = ?",
		&sqlitex.ExecOptions{
			Args: []any{
				string(TaskAbandoned),
				at.UnixNano(),
				sessionID,
				string(TaskActive),
			},
		})
	if err != nil {
		return fmt.Errorf("task store: abandon tasks for %s: %w", sessionID, err)
	}
	return nil
}

// ActiveTask returns the session's task in flight, or ErrNoActiveTask.
func (s *Store) ActiveTask(ctx context.Context, sessionID string) (*Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var task *Task
	err = sqlitex.Execute(conn, `SELECT id, session_id, state, started_at, completed_at
		FROM tasks WHERE session_id = ? AND state = ?
		ORDER BY started_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, string(TaskActive)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task = taskFromRow(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("task store: active task for %s: %w", sessionID, err)
	}
	if task == nil {
		return nil, ErrNoActiveTask
	}
	return task, nil
}

// InsertTurn records a turn.
func (s *Store) InsertTurn(ctx context.Context, turn *Turn) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO turns
		(id, task_id, session_id, actor, intent, text, timestamp, timestamp_source, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				turn.ID,
				turn.TaskID,
				turn.SessionID,
				string(turn.Actor),
				string(turn.Intent),
				turn.Text,
				turn.Timestamp.UnixNano(),
				string(turn.TimestampSource),
				turn.Fingerprint,
			},
		})
	if err != nil {
		return fmt.Errorf("task store: insert turn %s: %w", turn.ID, err)
	}
	return nil
}

// TurnsForDisplay returns the session's most recent turns ordered by
// their current timestamp, oldest first. This is the only read order
// the store offers: display position follows the best-known time, so a
// reconciler timestamp correction reorders retroactively.
func (s *Store) TurnsForDisplay(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 100
	}

	var turns []*Turn
	err = sqlitex.Execute(conn, `SELECT * FROM (
			SELECT id, task_id, session_id, actor, intent, text,
			       timestamp, timestamp_source, fingerprint
			FROM turns WHERE session_id = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				turns = append(turns, turnFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("task store: turns for %s: %w", sessionID, err)
	}
	return turns, nil
}

// FindTurnByFingerprint looks for a turn of the session with the given
// content fingerprint whose current timestamp lies within the window
// around the candidate time. Returns nil when nothing matches.
func (s *Store) FindTurnByFingerprint(ctx context.Context, sessionID, fingerprint string, around time.Time, window time.Duration) (*Turn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var turn *Turn
	err = sqlitex.Execute(conn, `SELECT id, task_id, session_id, actor, intent, text,
			timestamp, timestamp_source, fingerprint
		FROM turns
		WHERE session_id = ? AND fingerprint = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{
				sessionID,
				fingerprint,
				around.Add(-window).UnixNano(),
				around.Add(window).UnixNano(),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				turn = turnFromRow(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("task store: find turn by fingerprint: %w", err)
	}
	return turn, nil
}

// UpgradeTurnTimestamp replaces a receipt-time timestamp with the
// authoritative one from the transcript. Reports whether the row
// changed; a turn that already carries a source timestamp is left
// alone, so the upgrade is idempotent.
func (s *Store) UpgradeTurnTimestamp(ctx context.Context, turnID string, timestamp time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE turns SET timestamp = ?, timestamp_source = ?
		 WHERE id = ? AND timestamp_source = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				timestamp.UnixNano(),
				string(event.TimestampFromSource),
				turnID,
				string(event.TimestampReceipt),
			},
		})
	if err != nil {
		return false, fmt.Errorf("task store: upgrade turn %s: %w", turnID, err)
	}
	return conn.Changes() > 0, nil
}

// SessionCounts returns the number of registered sessions per state,
// for the status endpoint.
func (s *Store) SessionCounts(ctx context.Context) (map[string]int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	counts := make(map[string]int)
	err = sqlitex.Execute(conn,
		"SELECT state, COUNT(*) FROM sessions GROUP BY state",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = stmt.ColumnInt(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("task store: session counts: %w", err)
	}
	return counts, nil
}

func taskFromRow(stmt *sqlite.Stmt) *Task {
	task := &Task{
		ID:        stmt.ColumnText(0),
		SessionID: stmt.ColumnText(1),
		State:     TaskState(stmt.ColumnText(2)),
		StartedAt: time.Unix(0, stmt.ColumnInt64(3)),
	}
	if completed := stmt.ColumnInt64(4); completed != 0 {
		task.CompletedAt = time.Unix(0, completed)
	}
	return task
}

func turnFromRow(stmt *sqlite.Stmt) *Turn {
	return &Turn{
		ID:              stmt.ColumnText(0),
		TaskID:          stmt.ColumnText(1),
		SessionID:       stmt.ColumnText(2),
		Actor:           Actor(stmt.ColumnText(3)),
		Intent:          Intent(stmt.ColumnText(4)),
		Text:            stmt.ColumnText(5),
		Timestamp:       time.Unix(0, stmt.ColumnInt64(6)),
		TimestampSource: event.TimestampSource(stmt.ColumnText(7)),
		Fingerprint:     stmt.ColumnText(8),
	}
}

func completedAtArg(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
