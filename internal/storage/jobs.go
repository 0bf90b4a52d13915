package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultMaxAttempts = 3

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// retryDelay is the backoff after the given number of failed attempts.
func retryDelay(attempts int) time.Duration {
	return time.Duration(1<<min(attempts, 10)) * time.Second
}

// EnqueueJob inserts a pending job. Zero RunAfter means now and zero
// MaxAttempts means three.
func (s *Store) EnqueueJob(job Job) error {
	return insertJob(s.db, job)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertJob(db execer, job Job) error {
	now := time.Now()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now),
	)
	return err
}

// EnqueueUnique inserts job unless a pending job with the same type and
// payload exists, and returns the id of whichever job is queued. Repeated
// writes to one diary therefore trigger a single reindex.
func (s *Store) EnqueueUnique(job Job) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT id FROM jobs WHERE type = ? AND payload_json = ? AND status = ? LIMIT 1`,
		job.Type, job.PayloadJSON, JobPending).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("looking up pending job: %w", err)
	}

	if err := insertJob(tx, job); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing enqueue: %w", err)
	}
	return job.ID, nil
}

// ClaimNextJob marks the oldest due pending job of one of types as running
// and returns it, or returns nil when none is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	args := []any{JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	query := `SELECT id, type, payload_json, attempts, max_attempts, run_after, created_at, last_error
		FROM jobs
		WHERE status = ? AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var runAfter, createdAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobRunning, now, j.ID, JobPending)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.LastError = lastError.String
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, now}} {
		if *f.dst, err = time.Parse(time.RFC3339, f.src); err != nil {
			return nil, fmt.Errorf("parsing timestamp of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobCompleted, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending with an
// exponential backoff until it runs out of attempts, then stays failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++
	status, runAfter := JobPending, now.Add(retryDelay(attempts))
	if attempts >= maxAttempts {
		status, runAfter = JobFailed, now
	}
	if _, err := tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id); err != nil {
		return err
	}
	return tx.Commit()
}

// CountJobs returns how many jobs of a type are in the given status.
func (s *Store) CountJobs(jobType, status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ? AND status = ?`, jobType, status).Scan(&n)
	return n, err
}

// PruneJobs deletes completed jobs last updated before cutoff and reports
// how many went. Failed jobs are kept for inspection.
func (s *Store) PruneJobs(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status = ? AND updated_at < ?`, JobCompleted, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
