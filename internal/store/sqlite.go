package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteStore persists tasks, steps and audit records. Every write is a
// single-row statement or a short transaction, so callers get atomic
// per-row create/update without extra locking.
type SQLiteStore struct {
	DB *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		UNIQUE (task_id, step_number)
	);`,
	`CREATE TABLE IF NOT EXISTS task_results (
		task_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		outputs TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tool_usages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL,
		command TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS agent_logs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		agent TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		interval_seconds INTEGER NOT NULL,
		last_run TEXT,
		status TEXT NOT NULL DEFAULT 'active'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_steps_task ON steps (task_id, step_number);`,
	`CREATE INDEX IF NOT EXISTS idx_logs_task ON agent_logs (task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_usages_task ON tool_usages (task_id);`,
}

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:" gives
// a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway; a single connection also keeps an
	// in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	for _, q := range append(schema, historySchema...) {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask inserts t as PENDING, filling in its ID and timestamps.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.Title == "" {
		return errors.New("task title is required")
	}
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = TaskPending
	t.CreatedAt = now
	t.UpdatedAt = now
	t.CompletedAt = nil

	query := `INSERT INTO tasks (id, title, description, status, priority, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, t.ID, t.Title, t.Description, t.Status, t.Priority, fmtTime(now), fmtTime(now))
	return err
}

const taskColumns = `id, title, description, status, priority, created_at, updated_at, completed_at`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns the most recently created tasks first.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task along the state machine. The update is a
// compare-and-set on the current status, so a transition computed from a
// stale read (for example racing a cancellation) is rejected.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, to TaskStatus) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransitionTask(t.Status, to) {
		return transitionError("task", t.Status, to)
	}

	now := fmtTime(time.Now().UTC())
	var completed any
	if to == TaskResolved || to.Terminal() {
		completed = now
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ? AND status = ?`,
		to, now, completed, id, t.Status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionError("task", t.Status, to)
	}
	return nil
}

// CancelTask forces a PLANNING or IN_PROGRESS task to FAILED and, in the
// same transaction, fails every step that is currently IN_PROGRESS.
// PENDING steps are left untouched. It returns the number of steps failed.
func (s *SQLiteStore) CancelTask(ctx context.Context, id string, reason string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status TaskStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if !status.Cancellable() {
		return 0, transitionError("task", status, TaskFailed)
	}

	now := fmtTime(time.Now().UTC())
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
		TaskFailed, now, now, id, status); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, completed_at = ?, error = ? WHERE task_id = ? AND status = ?`,
		StepFailed, now, reason, id, StepInProgress)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	return int(n), tx.Commit()
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

// ReplaceSteps deletes every existing step of the task and inserts the given
// descriptions numbered 1..N in order.
func (s *SQLiteStore) ReplaceSteps(ctx context.Context, taskID string, descriptions []string) ([]Step, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE task_id = ?`, taskID); err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(descriptions))
	for i, desc := range descriptions {
		st := Step{
			ID:          uuid.NewString(),
			TaskID:      taskID,
			StepNumber:  i + 1,
			Description: desc,
			Status:      StepPending,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, task_id, step_number, description, status) VALUES (?, ?, ?, ?, ?)`,
			st.ID, st.TaskID, st.StepNumber, st.Description, st.Status); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return steps, nil
}

const stepColumns = `id, task_id, step_number, description, status, started_at, completed_at, result, error`

// ListSteps returns a task's steps in ascending step number.
func (s *SQLiteStore) ListSteps(ctx context.Context, taskID string) ([]Step, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id = ? ORDER BY step_number ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return st, err
}

// StartStep moves a PENDING step to IN_PROGRESS and stamps its start time.
func (s *SQLiteStore) StartStep(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE steps SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StepInProgress, fmtTime(time.Now().UTC()), id, StepPending)
	if err != nil {
		return err
	}
	return s.checkStepCAS(ctx, res, id, StepInProgress)
}

// FinishStep moves an IN_PROGRESS step to COMPLETED or FAILED.
func (s *SQLiteStore) FinishStep(ctx context.Context, id string, to StepStatus, result, errMsg string) error {
	if !CanTransitionStep(StepInProgress, to) {
		return transitionError("step", StepInProgress, to)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE steps SET status = ?, completed_at = ?, result = ?, error = ? WHERE id = ? AND status = ?`,
		to, fmtTime(time.Now().UTC()), result, errMsg, id, StepInProgress)
	if err != nil {
		return err
	}
	return s.checkStepCAS(ctx, res, id, to)
}

func (s *SQLiteStore) checkStepCAS(ctx context.Context, res sql.Result, id string, to StepStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	st, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}
	return transitionError("step", st.Status, to)
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveResult(ctx context.Context, r TaskResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO task_results (task_id, summary, outputs, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET summary = excluded.summary, outputs = excluded.outputs, created_at = excluded.created_at`,
		r.TaskID, r.Summary, r.Outputs, fmtTime(r.CreatedAt))
	return err
}

func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*TaskResult, error) {
	var r TaskResult
	var created string
	err := s.DB.QueryRowContext(ctx,
		`SELECT task_id, summary, outputs, created_at FROM task_results WHERE task_id = ?`, taskID).
		Scan(&r.TaskID, &r.Summary, &r.Outputs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// ---------------------------------------------------------------------------
// Audit records
// ---------------------------------------------------------------------------

// StartToolUsage writes the opening half of a tool usage record and returns its ID.
func (s *SQLiteStore) StartToolUsage(ctx context.Context, u ToolUsage) (string, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.StartedAt.IsZero() {
		u.StartedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tool_usages (id, task_id, step_id, tool_name, command, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.TaskID, u.StepID, u.ToolName, u.Command, fmtTime(u.StartedAt))
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// EndToolUsage closes a tool usage record. A record can be closed only once.
func (s *SQLiteStore) EndToolUsage(ctx context.Context, id string, success bool, output, errMsg string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tool_usages SET ended_at = ?, success = ?, output = ?, error = ? WHERE id = ? AND ended_at IS NULL`,
		fmtTime(time.Now().UTC()), success, output, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_usages WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("tool usage %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("tool usage %s: %w", id, ErrAlreadyClosed)
}

func (s *SQLiteStore) ListToolUsages(ctx context.Context, taskID string) ([]ToolUsage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, task_id, step_id, tool_name, command, started_at, ended_at, success, output, error
		FROM tool_usages WHERE task_id = ? ORDER BY rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usages []ToolUsage
	for rows.Next() {
		var u ToolUsage
		var started string
		var ended sql.NullString
		if err := rows.Scan(&u.ID, &u.TaskID, &u.StepID, &u.ToolName, &u.Command, &started, &ended, &u.Success, &u.Output, &u.Error); err != nil {
			return nil, err
		}
		u.StartedAt = parseTime(started)
		u.EndedAt = parseNullTime(ended)
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

func (s *SQLiteStore) InsertLog(ctx context.Context, l AgentLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	if l.Level == "" {
		l.Level = LevelInfo
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO agent_logs (id, task_id, step_id, level, message, details, timestamp, agent) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TaskID, l.StepID, l.Level, l.Message, l.Details, fmtTime(l.Timestamp), l.Agent)
	return err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, taskID string) ([]AgentLog, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, task_id, step_id, level, message, details, timestamp, agent
		FROM agent_logs WHERE task_id = ? ORDER BY rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AgentLog
	for rows.Next() {
		var l AgentLog
		var ts string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.StepID, &l.Level, &l.Message, &l.Details, &ts, &l.Agent); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func (s *SQLiteStore) AddSchedule(ctx context.Context, chatID string, description string, intervalSeconds int) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO schedules (chat_id, description, interval_seconds) VALUES (?, ?, ?)`,
		chatID, description, intervalSeconds)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DueSchedules returns active schedules that should fire at now.
func (s *SQLiteStore) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, chat_id, description, interval_seconds, last_run FROM schedules WHERE status = 'active' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []Schedule
	for rows.Next() {
		var sc Schedule
		var lastRun sql.NullString
		if err := rows.Scan(&sc.ID, &sc.ChatID, &sc.Description, &sc.IntervalSeconds, &lastRun); err != nil {
			return nil, err
		}
		sc.LastRun = parseNullTime(lastRun)
		if sc.Due(now) {
			due = append(due, sc)
		}
	}
	return due, rows.Err()
}

func (s *SQLiteStore) MarkScheduleRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run = ? WHERE id = ?`, fmtTime(at), id)
	return err
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// ClearSchedules removes every schedule created from chatID.
func (s *SQLiteStore) ClearSchedules(ctx context.Context, chatID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Scanning helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var created, updated string
	var completed sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &created, &updated, &completed); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	t.CompletedAt = parseNullTime(completed)
	return &t, nil
}

func scanStep(row scanner) (*Step, error) {
	var st Step
	var started, completed sql.NullString
	if err := row.Scan(&st.ID, &st.TaskID, &st.StepNumber, &st.Description, &st.Status, &started, &completed, &st.Result, &st.Error); err != nil {
		return nil, err
	}
	st.StartedAt = parseNullTime(started)
	st.CompletedAt = parseNullTime(completed)
	return &st, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
