package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/topchef/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    service_id        TEXT NOT NULL,
    status            TEXT NOT NULL,
    parameters        BLOB,
    result            BLOB,
    error             TEXT,
    claimed_at        DATETIME,
    finished_at       DATETIME,
    duration_ms       INTEGER,
    recorded_at       DATETIME NOT NULL,
    submitted         INTEGER NOT NULL DEFAULT 0,
    submit_attempts   INTEGER NOT NULL DEFAULT 0,
    last_submit_error TEXT,
    abandoned         INTEGER NOT NULL DEFAULT 0
)`

const createJobsOutboxIndex = `
CREATE INDEX IF NOT EXISTS idx_jobs_outbox ON jobs (submitted, recorded_at)`

// addAbandonedColumn upgrades history files created before results could be
// dropped from the outbox.
const addAbandonedColumn = `
ALTER TABLE jobs ADD COLUMN abandoned INTEGER NOT NULL DEFAULT 0`

const createJobLogsTable = `
CREATE TABLE IF NOT EXISTS job_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createJobLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs (job_id, seq)`

const selectJobColumns = `id, service_id, status, parameters, result, error,
	claimed_at, finished_at, submitted, submit_attempts, last_submit_error, abandoned`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobsOutboxIndex, createJobLogsTable, createJobLogsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if err := ensureAbandonedColumn(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func ensureAbandonedColumn(db *sql.DB) error {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name = 'abandoned'").Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect jobs table: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(addAbandonedColumn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordJob inserts or replaces a finished job. A non-nil submitErr leaves
// the job in the outbox.
func (s *SQLiteStore) RecordJob(ctx context.Context, job *model.Job, submitErr error) error {
	var jobErr []byte
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return fmt.Errorf("encode job error: %w", err)
		}
		jobErr = b
	}

	var durationMS *int64
	if job.ClaimedAt != nil && job.FinishedAt != nil {
		d := job.FinishedAt.Sub(*job.ClaimedAt).Milliseconds()
		durationMS = &d
	}

	submitted, lastErr := submissionState(submitErr)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, service_id, status, parameters, result, error,
			claimed_at, finished_at, duration_ms, recorded_at,
			submitted, submit_attempts, last_submit_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			parameters = excluded.parameters,
			result = excluded.result,
			error = excluded.error,
			claimed_at = excluded.claimed_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			submitted = excluded.submitted,
			abandoned = 0,
			submit_attempts = jobs.submit_attempts + 1,
			last_submit_error = excluded.last_submit_error`,
		job.ID, job.ServiceID, string(job.Status), []byte(job.Parameters), []byte(job.Result), nullString(jobErr),
		job.ClaimedAt, job.FinishedAt, durationMS, time.Now().UTC(),
		submitted, lastErr,
	)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// RecordSubmission records the outcome of a retried submission.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, jobID string, submitErr error) error {
	submitted, lastErr := submissionState(submitErr)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET submitted = ?, submit_attempts = submit_attempts + 1, last_submit_error = ?
		WHERE id = ?`,
		submitted, lastErr, jobID,
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AbandonSubmission takes a job out of the outbox without marking it
// submitted. It stays in the history with reason as its last submit error.
func (s *SQLiteStore) AbandonSubmission(ctx context.Context, jobID string, reason error) error {
	_, lastErr := submissionState(reason)
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET abandoned = 1, last_submit_error = COALESCE(?, last_submit_error)
		WHERE id = ? AND submitted = 0`,
		lastErr, jobID,
	)
	if err != nil {
		return fmt.Errorf("abandon submission: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingSubmissions returns up to limit unsubmitted, unabandoned jobs,
// oldest first.
func (s *SQLiteStore) PendingSubmissions(ctx context.Context, limit int) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs
		WHERE submitted = 0 AND abandoned = 0 ORDER BY recorded_at, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, &rec.Job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending submissions: %w", err)
	}
	return jobs, nil
}

// GetJob retrieves a recorded job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectJobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListJobs returns a page of recorded jobs, newest first, along with the
// total count.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs
		ORDER BY recorded_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return records, total, nil
}

// GetJobStats returns aggregate statistics over the recorded jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms), (SELECT COUNT(*) FROM jobs WHERE submitted = 0 AND abandoned = 0) FROM jobs",
	).Scan(&avg, &stats.PendingSubmissions)
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// InsertLogLine appends one line of engine output for a job.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_logs (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the stored log lines of a job in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, line, created_at FROM job_logs WHERE job_id = ? ORDER BY seq, id", jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec        Record
		status     string
		params     []byte
		result     []byte
		jobErr     sql.NullString
		submitted  bool
		lastSubmit sql.NullString
		abandoned  bool
	)
	err := row.Scan(
		&rec.ID, &rec.ServiceID, &status, &params, &result, &jobErr,
		&rec.ClaimedAt, &rec.FinishedAt, &submitted, &rec.SubmitAttempts, &lastSubmit, &abandoned,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	rec.Status, err = model.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.ID, err)
	}
	if len(params) > 0 {
		rec.Parameters = json.RawMessage(params)
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if jobErr.Valid {
		rec.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), rec.Error); err != nil {
			return nil, fmt.Errorf("decode error of job %s: %w", rec.ID, err)
		}
	}
	rec.Submitted = submitted
	rec.LastSubmitError = lastSubmit.String
	rec.Abandoned = abandoned
	return &rec, nil
}

func submissionState(submitErr error) (bool, sql.NullString) {
	if submitErr == nil {
		return true, sql.NullString{}
	}
	return false, sql.NullString{String: submitErr.Error(), Valid: true}
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
