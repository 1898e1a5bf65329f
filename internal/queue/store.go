package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status represents the current state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Status     Status          `json:"status"`
	Params     json.RawMessage `json:"params"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store persists jobs in SQLite so queued work survives a restart.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and migrates) the job database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO jobs (job_id, kind, status, params_json, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Kind,
		string(job.Status),
		string(job.Params),
		job.Attempts,
		job.Error,
		job.CreatedAt.UTC().Format(timeFormat),
	)
	return err
}

const jobColumns = `job_id, kind, status, params_json, attempts, error, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var params, createdAt string
	var startedAt, finishedAt sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&params,
		&job.Attempts,
		&job.Error,
		&createdAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	job.Params = json.RawMessage(params)
	job.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(timeFormat, startedAt.String)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(timeFormat, finishedAt.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListPendingJobs returns queued and interrupted running jobs, oldest first.
func (s *Store) ListPendingJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
	`, string(StatusQueued), string(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStarted marks a job as running and counts the attempt.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ?, attempts = attempts + 1
		WHERE job_id = ?
	`, string(StatusRunning), now, jobID)
	return err
}

// UpdateJobStatus updates the job status, recording the finish time for
// terminal states.
func (s *Store) UpdateJobStatus(jobID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == StatusCompleted || status == StatusFailed {
		t := time.Now().UTC().Format(timeFormat)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// DeleteExpiredJobs removes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeFormat)
	res, err := s.db.Exec(`
		DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
