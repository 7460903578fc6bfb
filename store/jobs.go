package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Job kinds.
const (
	JobExtractEvents = "extract_events"
	JobGraphUpsert   = "graph_upsert"
)

// Job states.
const (
	JobPending   = "pending"
	JobInFlight  = "in_flight"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobDead      = "dead"

	// JobCancelled appears only in the job_event audit: the row itself is
	// deleted when a forget cascade prunes a pending job.
	JobCancelled = "cancelled"
)

// EnqueueJob inserts a pending job and its audit row.
func (s *Store) EnqueueJob(ctx context.Context, job *Job) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertJobTx(ctx, tx, job, "enqueued")
	})
}

// insertJobTx writes a pending job row inside an existing transaction.
// This is the outbox building block: the caller commits the job together
// with whatever rows the job will later act on.
func insertJobTx(ctx context.Context, tx *sql.Tx, job *Job, note string) error {
	now := Now()
	if job.State == "" {
		job.State = JobPending
	}
	if job.NotBefore == "" {
		job.NotBefore = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job (job_id, kind, payload, state, attempts, max_attempts, not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, job.JobID, job.Kind, job.Payload, job.State, job.MaxAttempts, job.NotBefore, job.CreatedAt, job.UpdatedAt); err != nil {
		return err
	}
	return appendJobEventTx(ctx, tx, job.JobID, "", JobPending, note)
}

// appendJobEventTx records a state transition in the append-only audit table.
func appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID, from, to, note string) error {
	var fromVal any
	if from != "" {
		fromVal = from
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO job_event (job_id, ts, from_state, to_state, note) VALUES (?, ?, ?, ?, ?)",
		jobID, Now(), fromVal, to, note)
	return err
}

// ClaimJob atomically claims the oldest eligible pending job of the given
// kinds: the row moves to in_flight, attempts increments by one and the lease
// is set. Returns (nil, nil) when no job is ready.
func (s *Store) ClaimJob(ctx context.Context, workerID string, kinds []string, lease time.Duration) (*Job, error) {
	if len(kinds) == 0 {
		return nil, errors.New("claim requires at least one kind")
	}
	now := Now()
	leaseUntil := FormatTime(time.Now().Add(lease))

	var job *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		kindArgs := toArgs(kinds)
		query := `
			UPDATE job SET
				state = ?, attempts = attempts + 1, lease_until = ?, worker_id = ?, updated_at = ?
			WHERE job_id = (
				SELECT job_id FROM job
				WHERE state = ? AND not_before <= ? AND kind IN (?` + repeatPlaceholders(len(kinds)-1) + `)
				ORDER BY not_before, created_at LIMIT 1
			)
			RETURNING job_id, kind, payload, state, attempts, max_attempts, not_before,
				COALESCE(lease_until, ''), COALESCE(worker_id, ''), COALESCE(last_error, ''),
				created_at, updated_at`
		args := append([]any{JobInFlight, leaseUntil, workerID, now, JobPending, now}, kindArgs...)

		j := &Job{}
		err := tx.QueryRowContext(ctx, query, args...).Scan(
			&j.JobID, &j.Kind, &j.Payload, &j.State, &j.Attempts, &j.MaxAttempts,
			&j.NotBefore, &j.LeaseUntil, &j.WorkerID, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := appendJobEventTx(ctx, tx, j.JobID, JobPending, JobInFlight,
			fmt.Sprintf("claimed by %s (attempt %d)", workerID, j.Attempts)); err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// AckJob marks an in_flight job succeeded.
func (s *Store) AckJob(ctx context.Context, jobID, note string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return ackJobTx(ctx, tx, jobID, note)
	})
}

// ackJobTx flips a job to succeeded inside an existing transaction, so
// callers can commit the success together with the job's output rows.
func ackJobTx(ctx context.Context, tx *sql.Tx, jobID, note string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE job SET state = ?, lease_until = NULL, updated_at = ? WHERE job_id = ? AND state = ?",
		JobSucceeded, Now(), jobID, JobInFlight)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not in_flight", jobID)
	}
	return appendJobEventTx(ctx, tx, jobID, JobInFlight, JobSucceeded, note)
}

// NackJob records a failure for an in_flight job. The attempts counted at
// claim time decide the outcome: at or past max_attempts the job goes dead,
// otherwise back to pending with full-jitter exponential backoff. Returns the
// resulting state. Nacking a job that is no longer in_flight (lease already
// reaped) is a no-op returning the current state.
func (s *Store) NackJob(ctx context.Context, jobID, errMsg string, backoffBase, backoffCap time.Duration) (string, error) {
	var outState string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var state string
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx,
			"SELECT state, attempts, max_attempts FROM job WHERE job_id = ?", jobID).
			Scan(&state, &attempts, &maxAttempts)
		if err != nil {
			return err
		}
		if state != JobInFlight {
			outState = state
			return nil
		}

		if attempts >= maxAttempts {
			outState = JobDead
			if _, err := tx.ExecContext(ctx,
				"UPDATE job SET state = ?, last_error = ?, lease_until = NULL, updated_at = ? WHERE job_id = ?",
				JobDead, errMsg, Now(), jobID); err != nil {
				return err
			}
			return appendJobEventTx(ctx, tx, jobID, JobInFlight, JobDead,
				fmt.Sprintf("attempt %d/%d failed: %s", attempts, maxAttempts, errMsg))
		}

		delay := fullJitterBackoff(attempts, backoffBase, backoffCap)
		notBefore := FormatTime(time.Now().Add(delay))
		outState = JobPending
		if _, err := tx.ExecContext(ctx, `
			UPDATE job SET state = ?, last_error = ?, not_before = ?,
				lease_until = NULL, worker_id = NULL, updated_at = ?
			WHERE job_id = ?
		`, JobPending, errMsg, notBefore, Now(), jobID); err != nil {
			return err
		}
		return appendJobEventTx(ctx, tx, jobID, JobInFlight, JobPending,
			fmt.Sprintf("attempt %d/%d failed, retry after %s: %s", attempts, maxAttempts, delay.Round(time.Millisecond), errMsg))
	})
	return outState, err
}

// fullJitterBackoff computes a random delay in [0, min(limit, base*2^(attempts-1))].
func fullJitterBackoff(attempts int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if limit <= 0 {
		limit = 5 * time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}
	ceil := limit
	if attempts-1 < 62 {
		if d := base << (attempts - 1); d < limit && d > 0 {
			ceil = d
		}
	}
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}

// RenewLease extends the lease of a job the worker still holds.
// Errors if the job is no longer in_flight under this worker.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE job SET lease_until = ?, updated_at = ? WHERE job_id = ? AND worker_id = ? AND state = ?",
		FormatTime(time.Now().Add(lease)), Now(), jobID, workerID, JobInFlight)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lease on job %s lost", jobID)
	}
	return nil
}

// RequeueExpired is the janitor sweep: in_flight jobs whose lease has
// lapsed go back to pending. Returns how many were requeued.
func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	var requeued int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids, err := stringColumn(ctx, tx,
			"SELECT job_id FROM job WHERE state = ? AND lease_until IS NOT NULL AND lease_until < ?",
			JobInFlight, Now())
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE job SET state = ?, lease_until = NULL, worker_id = NULL, updated_at = ?
				WHERE job_id = ?
			`, JobPending, Now(), id); err != nil {
				return err
			}
			if err := appendJobEventTx(ctx, tx, id, JobInFlight, JobPending, "lease expired, requeued"); err != nil {
				return err
			}
		}
		requeued = len(ids)
		return nil
	})
	return requeued, err
}

// GetJob retrieves a job row by id. Returns sql.ErrNoRows when unknown.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j := &Job{}
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, kind, payload, state, attempts, max_attempts, not_before,
			COALESCE(lease_until, ''), COALESCE(worker_id, ''), COALESCE(last_error, ''),
			created_at, updated_at
		FROM job WHERE job_id = ?
	`, jobID).Scan(&j.JobID, &j.Kind, &j.Payload, &j.State, &j.Attempts, &j.MaxAttempts,
		&j.NotBefore, &j.LeaseUntil, &j.WorkerID, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// SetJobLastError records diagnostic detail (such as a raw LLM response)
// on the job row without changing its state.
func (s *Store) SetJobLastError(ctx context.Context, jobID, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE job SET last_error = ?, updated_at = ? WHERE job_id = ?",
		detail, Now(), jobID)
	return err
}

// JobCounts returns the number of jobs in each state.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM job GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// JobEvents returns the audit trail of a job, oldest first.
func (s *Store) JobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, ts, COALESCE(from_state, ''), to_state, COALESCE(note, '')
		FROM job_event WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.JobID, &e.TS, &e.FromState, &e.ToState, &e.Note); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PendingJobsForRevision lists ids of unfinished jobs touching a revision.
// Surfaced by the status tool for per-artifact drill-down.
func (s *Store) PendingJobsForRevision(ctx context.Context, revisionID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, kind, payload, state, attempts, max_attempts, not_before,
			COALESCE(lease_until, ''), COALESCE(worker_id, ''), COALESCE(last_error, ''),
			created_at, updated_at
		FROM job
		WHERE state IN (?, ?) AND json_extract(payload, '$.revision_id') = ?
		ORDER BY created_at
	`, JobPending, JobInFlight, revisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.JobID, &j.Kind, &j.Payload, &j.State, &j.Attempts, &j.MaxAttempts,
			&j.NotBefore, &j.LeaseUntil, &j.WorkerID, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
