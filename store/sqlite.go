package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"swarmq/queue"
	"swarmq/scheduler"
)

// SQLite persists jobs and scheduled tasks in a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and ensures the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		prompt TEXT NOT NULL,
		mode TEXT NOT NULL,
		priority INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		status INTEGER NOT NULL,
		idempotency_key TEXT,
		preferred_agent TEXT,
		pause_reason TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		result TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(fingerprint);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trigger_spec TEXT NOT NULL,
		prompt TEXT NOT NULL,
		mode TEXT NOT NULL,
		priority INTEGER NOT NULL,
		enabled INTEGER NOT NULL,
		next_run_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) LoadJobs() ([]*queue.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, fingerprint, prompt, mode, priority, max_retries,
		       attempts, status, idempotency_key, preferred_agent, pause_reason,
		       created_at, started_at, completed_at, result, error
		FROM jobs
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		var job queue.Job
		var mode string
		var status int
		var idemKey, agent, reason, result, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&job.ID, &job.SessionID, &job.Fingerprint, &job.Prompt,
			&mode, &job.Priority, &job.MaxRetries, &job.Attempts, &status,
			&idemKey, &agent, &reason, &job.CreatedAt, &startedAt, &completedAt,
			&result, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.Mode = queue.Mode(mode)
		job.Status = queue.Status(status)
		job.IdempotencyKey = idemKey.String
		job.PreferredAgent = agent.String
		job.PauseReason = reason.String
		job.Result = result.String
		job.Error = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time
			job.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			job.CompletedAt = &t
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) SaveJob(job *queue.Job) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO jobs
		(id, session_id, fingerprint, prompt, mode, priority, max_retries,
		 attempts, status, idempotency_key, preferred_agent, pause_reason,
		 created_at, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.SessionID, job.Fingerprint, job.Prompt, string(job.Mode),
		job.Priority, job.MaxRetries, job.Attempts, int(job.Status),
		nullString(job.IdempotencyKey), nullString(job.PreferredAgent),
		nullString(job.PauseReason), job.CreatedAt, nullTime(job.StartedAt),
		nullTime(job.CompletedAt), nullString(job.Result), nullString(job.Error))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) LoadTasks() ([]*scheduler.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, name, trigger_spec, prompt, mode, priority, enabled, next_run_at, created_at
		FROM scheduled_tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		var (
			task scheduler.Task
			mode string
		)
		if err := rows.Scan(&task.ID, &task.Name, &task.Trigger, &task.Prompt,
			&mode, &task.Priority, &task.Enabled, &task.NextRunAt, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Mode = queue.Mode(mode)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

func (s *SQLite) SaveTask(task *scheduler.Task) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO scheduled_tasks
		(id, name, trigger_spec, prompt, mode, priority, enabled, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Trigger, task.Prompt, string(task.Mode),
		task.Priority, task.Enabled, task.NextRunAt, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
