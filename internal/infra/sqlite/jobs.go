package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tutu-network/docreview/internal/domain"
)

var _ domain.JobStore = (*DB)(nil)

const jobColumns = `id, title, status, repo_paths, sources, created_at, started_at, completed_at, error, usage`

// ─── Job Repository ─────────────────────────────────────────────────────────

// CreateJob inserts a new job record.
func (d *DB) CreateJob(job *domain.Job) error {
	repos, err := json.Marshal(nonNil(job.RepoPaths))
	if err != nil {
		return err
	}
	sources, err := json.Marshal(job.Sources)
	if err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err = d.db.Exec(
		`INSERT INTO jobs (id, title, status, repo_paths, sources, created_at, started_at, completed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Title, string(job.Status), string(repos), string(sources),
		job.CreatedAt.UnixMilli(), nullableMillis(job.StartedAt), nullableMillis(job.CompletedAt), job.Error,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id. Returns (nil, nil) if the id is unknown.
func (d *DB) GetJob(id string) (*domain.Job, error) {
	row := d.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs, newest first.
func (d *DB) ListJobs() ([]domain.Job, error) {
	rows, err := d.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a job to status. Entering running stamps
// started_at; entering a terminal status stamps completed_at.
func (d *DB) UpdateJobStatus(id string, status domain.JobStatus, errMsg string) error {
	now := time.Now().UnixMilli()
	var (
		result sql.Result
		err    error
	)
	switch status {
	case domain.JobRunning:
		result, err = d.db.Exec(
			`UPDATE jobs SET status = ?, started_at = ?, completed_at = NULL, error = '' WHERE id = ?`,
			string(status), now, id)
	case domain.JobCompleted, domain.JobError:
		result, err = d.db.Exec(
			`UPDATE jobs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
			string(status), now, errMsg, id)
	default:
		result, err = d.db.Exec(
			`UPDATE jobs SET status = ?, error = ? WHERE id = ?`,
			string(status), errMsg, id)
	}
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

// ResetJob re-arms a terminal job to pending, clearing its previous
// outcome. Returns ErrJobRunning while the job is pending or running.
func (d *DB) ResetJob(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE jobs SET status = ?, started_at = NULL, completed_at = NULL, error = '', usage = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(domain.JobPending), id, string(domain.JobCompleted), string(domain.JobError))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrJobRunning
	}
	if _, err := tx.Exec(`DELETE FROM job_outputs WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveUsage stores the authoritative usage summary of the last run.
func (d *DB) SaveUsage(id string, usage domain.SessionUsage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	result, err := d.db.Exec(`UPDATE jobs SET usage = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

// SaveOutput stores the review text of the last run.
func (d *DB) SaveOutput(id string, text string) error {
	_, err := d.db.Exec(
		`INSERT INTO job_outputs (job_id, text, written_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET text=excluded.text, written_at=excluded.written_at`,
		id, text, time.Now().UnixMilli(),
	)
	return err
}

// GetOutput returns the review text, or "" if none was written.
func (d *DB) GetOutput(id string) (string, error) {
	var text string
	err := d.db.QueryRow(`SELECT text FROM job_outputs WHERE job_id = ?`, id).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return text, err
}

// MarkInterrupted fails every job left pending or running by a previous
// process. Returns the number of jobs updated.
func (d *DB) MarkInterrupted(reason string) (int64, error) {
	result, err := d.db.Exec(
		`UPDATE jobs SET status = ?, completed_at = ?, error = ? WHERE status IN (?, ?)`,
		string(domain.JobError), time.Now().UnixMilli(), reason,
		string(domain.JobPending), string(domain.JobRunning),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                      domain.Job
		status, repos, sources string
		created                int64
		started, completed     sql.NullInt64
		usage                  sql.NullString
	)
	err := s.Scan(&j.ID, &j.Title, &status, &repos, &sources,
		&created, &started, &completed, &j.Error, &usage)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	j.Status = domain.JobStatus(status)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.StartedAt = fromMillis(started)
	j.CompletedAt = fromMillis(completed)
	if err := json.Unmarshal([]byte(repos), &j.RepoPaths); err != nil {
		return nil, fmt.Errorf("job %s repo_paths: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(sources), &j.Sources); err != nil {
		return nil, fmt.Errorf("job %s sources: %w", j.ID, err)
	}
	if usage.Valid && usage.String != "" {
		var u domain.SessionUsage
		if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
			return nil, fmt.Errorf("job %s usage: %w", j.ID, err)
		}
		j.Usage = &u
	}
	return &j, nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
