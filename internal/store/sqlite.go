// Package store holds the three durable tables the scheduler runs on:
// tasks (definitions), executions (the segmented due-time index), and
// history (append-only firing log). All writes are single-row keyed
// operations; correctness relies on segment ownership, not locking.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tickflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  task_id INTEGER PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('refresh','notification')),
  interval TEXT NOT NULL,
  retries INTEGER NOT NULL DEFAULT 0,
  created INTEGER NOT NULL,
  last_refresh INTEGER,
  user_id TEXT,
  job_id TEXT,
  title TEXT,
  company TEXT,
  location TEXT
);
CREATE TABLE IF NOT EXISTS executions (
  segment INTEGER NOT NULL,
  task_id INTEGER NOT NULL,
  next_exec_time INTEGER NOT NULL,
  PRIMARY KEY(segment, task_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_due ON executions(next_exec_time, segment);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);
CREATE TABLE IF NOT EXISTS history (
  task_id INTEGER NOT NULL,
  exec_time INTEGER NOT NULL,
  status TEXT NOT NULL,
  retries INTEGER NOT NULL,
  PRIMARY KEY(task_id, exec_time)
);
`
	_, err := db.Exec(schema)
	return err
}

// DuePair identifies a due execution entry: the task and the segment that
// owns it. The executor needs the segment back to address the keyed update.
type DuePair struct {
	TaskID  int64
	Segment int
}

type Store interface {
	PutTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, taskID int64) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID int64) error

	PutExecution(ctx context.Context, e domain.ExecutionEntry) error
	GetExecution(ctx context.Context, segment int, taskID int64) (domain.ExecutionEntry, error)
	ExecutionForTask(ctx context.Context, taskID int64) (domain.ExecutionEntry, error)
	QueryDue(ctx context.Context, currentTime int64, segments []int) ([]DuePair, error)
	UpdateNextExec(ctx context.Context, segment int, taskID int64, newTime int64) error
	DeleteExecution(ctx context.Context, segment int, taskID int64) error

	AppendHistory(ctx context.Context, h domain.HistoryEntry) error
	HistoryForTask(ctx context.Context, taskID int64, limit int) ([]domain.HistoryEntry, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) PutTask(ctx context.Context, t domain.Task) error {
	var lastRefresh any
	if t.Kind == domain.KindRefresh {
		lastRefresh = t.LastRefresh
	}
	var userID any
	if t.UserID != "" {
		userID = t.UserID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (task_id,kind,interval,retries,created,last_refresh,user_id,job_id,title,company,location)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.Kind, t.Interval, t.Retries, t.Created, lastRefresh, userID, t.JobID, t.Title, t.Company, t.Location)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id,kind,interval,retries,created,last_refresh,user_id,job_id,title,company,location
FROM tasks WHERE task_id=?`, taskID)
	var t domain.Task
	var lastRefresh sql.NullInt64
	var userID sql.NullString
	err := row.Scan(&t.ID, &t.Kind, &t.Interval, &t.Retries, &t.Created,
		&lastRefresh, &userID, &t.JobID, &t.Title, &t.Company, &t.Location)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if lastRefresh.Valid {
		t.LastRefresh = lastRefresh.Int64
	}
	if userID.Valid {
		t.UserID = userID.String
	}
	return t, nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id=?`, taskID)
	return err
}

func (s *sqliteStore) PutExecution(ctx context.Context, e domain.ExecutionEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (segment,task_id,next_exec_time) VALUES (?,?,?)
`, e.Segment, e.TaskID, e.NextExecTime)
	return err
}

func (s *sqliteStore) GetExecution(ctx context.Context, segment int, taskID int64) (domain.ExecutionEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT segment,task_id,next_exec_time FROM executions WHERE segment=? AND task_id=?`, segment, taskID)
	return scanExecution(row)
}

func (s *sqliteStore) ExecutionForTask(ctx context.Context, taskID int64) (domain.ExecutionEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT segment,task_id,next_exec_time FROM executions WHERE task_id=?`, taskID)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (domain.ExecutionEntry, error) {
	var e domain.ExecutionEntry
	err := row.Scan(&e.Segment, &e.TaskID, &e.NextExecTime)
	if err == sql.ErrNoRows {
		return domain.ExecutionEntry{}, ErrNotFound
	}
	if err != nil {
		return domain.ExecutionEntry{}, err
	}
	return e, nil
}

// QueryDue returns exactly the entries due at currentTime within the given
// segment set. Equality, not range: the clock is discrete minutes, and a
// false positive would double-fire work owned by another executor.
func (s *sqliteStore) QueryDue(ctx context.Context, currentTime int64, segments []int) ([]DuePair, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(segments)), ",")
	args := make([]any, 0, len(segments)+1)
	args = append(args, currentTime)
	for _, seg := range segments {
		args = append(args, seg)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT task_id,segment FROM executions
WHERE next_exec_time = ? AND segment IN (%s)
ORDER BY segment, task_id`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []DuePair
	for rows.Next() {
		var p DuePair
		if err := rows.Scan(&p.TaskID, &p.Segment); err != nil {
			return nil, err
		}
		due = append(due, p)
	}
	return due, rows.Err()
}

func (s *sqliteStore) UpdateNextExec(ctx context.Context, segment int, taskID int64, newTime int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET next_exec_time=? WHERE segment=? AND task_id=?`, newTime, segment, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteExecution(ctx context.Context, segment int, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE segment=? AND task_id=?`, segment, taskID)
	return err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, h domain.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history (task_id,exec_time,status,retries) VALUES (?,?,?,?)
`, h.TaskID, h.ExecTime, h.Status, h.Retries)
	return err
}

func (s *sqliteStore) HistoryForTask(ctx context.Context, taskID int64, limit int) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id,exec_time,status,retries FROM history
WHERE task_id=? ORDER BY exec_time DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.TaskID, &h.ExecTime, &h.Status, &h.Retries); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
