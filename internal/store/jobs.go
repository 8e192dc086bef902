// ABOUTME: Store methods for the jobs queue table: atomic SKIP LOCKED claim,
// ABOUTME: lock-guarded outcome commits, stale reclaim, enqueue, and listing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobState is the lifecycle state of a job row.
type JobState string

const (
	// JobAvailable means the job can be claimed once scheduled_at has passed.
	JobAvailable JobState = "available"
	// JobRunning means a claim invocation currently holds the job's lock.
	JobRunning JobState = "running"
	// JobDead is the terminal dead-letter state; the row is kept for audit
	// and never claimed again.
	JobDead JobState = "dead"
)

// DeadLetterQueue is the queue tag written alongside JobDead. No handler is
// ever registered for it, so a dead job can never match a handler even if the
// state column is tampered with.
const DeadLetterQueue = "dead_letter"

// FailureThreshold is the failure_count at which a job is dead-lettered.
const FailureThreshold = 5

// Job is one row of the jobs table.
type Job struct {
	ID              uuid.UUID
	Queue           string
	State           JobState
	Payload         json.RawMessage
	FailureCount    int32
	LockID          uuid.NullUUID
	ScheduledAt     time.Time
	LastHeartbeatAt time.Time
	LastError       *string
	CreatedAt       time.Time
}

const jobColumns = `id, queue, state, payload, failure_count, lock_id,
scheduled_at, last_heartbeat_at, last_error, created_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Queue, &j.State, &j.Payload, &j.FailureCount,
		&j.LockID, &j.ScheduledAt, &j.LastHeartbeatAt, &j.LastError, &j.CreatedAt)
	return j, err
}

// Enqueue inserts a new available job on the named queue, claimable at runAt.
func (s *Store) Enqueue(ctx context.Context, queue string, payload json.RawMessage, runAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (queue, payload, scheduled_at) VALUES ($1, $2, $3) RETURNING id`,
		queue, payload, runAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// claimDueSQL selects up to $1 due, available jobs oldest-first, skipping rows
// already locked by a concurrent claimer, and marks them running under lock
// token $2 — all in a single statement, so two overlapping invocations can
// never claim the same row.
const claimDueSQL = `
WITH due AS (
    SELECT id FROM jobs
    WHERE state = 'available' AND scheduled_at <= now()
    ORDER BY scheduled_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET state = 'running', lock_id = $2, last_heartbeat_at = now()
FROM due
WHERE jobs.id = due.id
RETURNING ` + jobColumns

// ClaimDue atomically claims up to limit due jobs under lockID and returns the
// claimed rows in ascending scheduled_at order.
func (s *Store) ClaimDue(ctx context.Context, limit int, lockID uuid.UUID) ([]Job, error) {
	var jobs []Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimDueSQL, limit, lockID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	// RETURNING does not preserve the CTE's ORDER BY.
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].ScheduledAt.Before(jobs[k].ScheduledAt)
	})
	return jobs, nil
}

// Reschedule is the partial update a handler provides on success. Zero-value
// fields keep the job's current value; RunAt is required.
type Reschedule struct {
	Queue   string          // "" = keep current queue
	RunAt   time.Time       // next time the job becomes claimable
	Payload json.RawMessage // nil = keep current payload
}

// CommitSuccess applies a successful outcome: write the handler's partial
// update, return the job to available, and clear the lock. The lock_id guard
// makes the commit a silent no-op (false, nil) if the job was reclaimed by
// someone else in the meantime.
func (s *Store) CommitSuccess(ctx context.Context, id, lockID uuid.UUID, next Reschedule) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state             = 'available',
		    lock_id           = NULL,
		    queue             = COALESCE(NULLIF($3, ''), queue),
		    payload           = COALESCE($4, payload),
		    scheduled_at      = $5,
		    last_error        = NULL,
		    last_heartbeat_at = now()
		WHERE id = $1 AND lock_id = $2 AND state = 'running'`,
		id, lockID, next.Queue, next.Payload, next.RunAt,
	)
	if err != nil {
		return false, fmt.Errorf("commit success %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailureResult describes the row after a failure commit.
type FailureResult struct {
	FailureCount int32
	DeadLettered bool
}

// CommitFailure records a handler failure: failure_count is incremented and,
// when it reaches FailureThreshold, the job transitions to the terminal dead
// state with queue='dead_letter' in the same statement. Below the threshold
// the job returns to available with scheduled_at untouched, so it is
// immediately re-claimable on the next poll. Returns (nil, nil) when the
// lock_id guard does not match.
func (s *Store) CommitFailure(ctx context.Context, id, lockID uuid.UUID, lastError string) (*FailureResult, error) {
	var (
		state JobState
		count int32
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET failure_count     = failure_count + 1,
		    state             = CASE WHEN failure_count + 1 >= $3 THEN 'dead' ELSE 'available' END,
		    queue             = CASE WHEN failure_count + 1 >= $3 THEN $4 ELSE queue END,
		    lock_id           = NULL,
		    last_error        = $5,
		    last_heartbeat_at = now()
		WHERE id = $1 AND lock_id = $2 AND state = 'running'
		RETURNING state, failure_count`,
		id, lockID, FailureThreshold, DeadLetterQueue, lastError,
	).Scan(&state, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // lock guard mismatch; commit dropped
	}
	if err != nil {
		return nil, fmt.Errorf("commit failure %s: %w", id, err)
	}
	return &FailureResult{FailureCount: count, DeadLettered: state == JobDead}, nil
}

// ReclaimStale returns running jobs whose heartbeat is older than staleAfter
// back to available so a healthy poller can pick them up. Returns the number
// of jobs reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'available', lock_id = NULL, last_heartbeat_at = now()
		WHERE state = 'running'
		  AND last_heartbeat_at < now() - ($1 * interval '1 second')`,
		int(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob returns the job with the given id, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// JobFilter narrows ListJobs. Zero-value fields are not applied.
type JobFilter struct {
	Queue string
	State JobState
	Limit uint64
}

// ListJobs returns jobs matching filter, newest first. The query is built
// dynamically with squirrel because each filter field is optional.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	q := sq.Select("id", "queue", "state", "payload", "failure_count", "lock_id",
		"scheduled_at", "last_heartbeat_at", "last_error", "created_at").
		From("jobs").
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)
	if filter.Queue != "" {
		q = q.Where(sq.Eq{"queue": filter.Queue})
	}
	if filter.State != "" {
		q = q.Where(sq.Eq{"state": string(filter.State)})
	}
	limit := filter.Limit
	if limit == 0 || limit > 500 {
		limit = 100
	}
	q = q.Limit(limit)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
