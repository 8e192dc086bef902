// Package queue runs the claim → dispatch → commit cycle over the jobs table.
//
// Handlers are registered per queue name before the first cycle. A cycle
// claims a batch of due jobs under a fresh lock token, executes each job's
// handler concurrently, and commits every outcome independently with the
// token as an optimistic guard. Concurrent cycles (overlapping HTTP triggers,
// scaled-out workers) are safe because claiming is a single SKIP LOCKED
// statement in the store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhr/tally/internal/store"
)

// Outcome is the disposition a handler returns on success. Queue and Payload
// are optional (zero value keeps the job's current one); RunAt is when the
// job next becomes claimable and is required — a zero RunAt counts as a
// handler error.
type Outcome struct {
	Queue   string
	RunAt   time.Time
	Payload json.RawMessage
}

// Handler executes one claimed job. Returning an error counts as a failure
// against the job's failure budget; returning an Outcome reschedules it.
type Handler func(ctx context.Context, job store.Job) (*Outcome, error)

// Result is the committed outcome of one claimed job, reported to the
// trigger caller.
type Result struct {
	ID      uuid.UUID       `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config holds runner tuning parameters.
type Config struct {
	BatchSize      int
	PollInterval   time.Duration // Start's claim cadence
	StaleThreshold time.Duration // heartbeat age before reclaim
}

// Runner coordinates claim cycles against a Store.
type Runner struct {
	store    *store.Store
	cfg      Config
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Runner. Zero config fields get conservative defaults.
func New(st *store.Store, cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	return &Runner{
		store:    st,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Register associates h with the named queue. Must be called before RunCycle.
func (r *Runner) Register(queue string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
}

// RunCycle performs one claim → dispatch → commit pass and returns the
// per-job results. Store unavailability during the claim fails the whole
// cycle; anything after that is contained per job.
func (r *Runner) RunCycle(ctx context.Context) ([]Result, error) {
	lockID := uuid.New()
	jobs, err := r.store.ClaimDue(ctx, r.cfg.BatchSize, lockID)
	if err != nil {
		return nil, fmt.Errorf("run cycle: %w", err)
	}
	jobsClaimed.Add(float64(len(jobs)))

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job store.Job) {
			defer wg.Done()
			results[i] = r.execute(ctx, lockID, job)
		}(i, job)
	}
	wg.Wait()
	return results, nil
}

// execute runs one job's handler and commits its outcome. Handler errors and
// panics never propagate past this boundary.
func (r *Runner) execute(ctx context.Context, lockID uuid.UUID, job store.Job) Result {
	r.mu.RLock()
	h := r.handlers[job.Queue]
	r.mu.RUnlock()

	if h == nil {
		// No outcome is committed; the row stays running until the stale
		// sweep returns it. Deliberately loud so a queue-name typo is
		// noticed instead of silently eating jobs.
		jobsSkipped.Inc()
		slog.Warn("no handler registered for queue, job skipped",
			"queue", job.Queue, "job_id", job.ID)
		return Result{ID: job.ID, Error: "no handler registered for queue " + job.Queue}
	}

	outcome, err := callHandler(ctx, h, job)
	if err != nil {
		jobsFailed.Inc()
		slog.Error("job handler failed",
			"queue", job.Queue, "job_id", job.ID,
			"failure_count", job.FailureCount, "error", err)
		fr, commitErr := r.store.CommitFailure(ctx, job.ID, lockID, err.Error())
		if commitErr != nil {
			slog.Error("commit failure error", "job_id", job.ID, "error", commitErr)
			return Result{ID: job.ID, Error: commitErr.Error()}
		}
		if fr != nil && fr.DeadLettered {
			jobsDeadLettered.Inc()
			slog.Warn("job dead-lettered",
				"queue", job.Queue, "job_id", job.ID, "failure_count", fr.FailureCount)
		}
		return Result{ID: job.ID, Error: err.Error()}
	}

	next := store.Reschedule{
		Queue:   outcome.Queue,
		RunAt:   outcome.RunAt,
		Payload: outcome.Payload,
	}
	applied, commitErr := r.store.CommitSuccess(ctx, job.ID, lockID, next)
	if commitErr != nil {
		slog.Error("commit success error", "job_id", job.ID, "error", commitErr)
		return Result{ID: job.ID, Error: commitErr.Error()}
	}
	if !applied {
		// Lock guard mismatch: the job was reclaimed elsewhere. Dropping the
		// commit preserves whatever the current holder does, and the caller
		// must not be told an outcome was committed.
		slog.Warn("success commit dropped, lock token no longer held",
			"queue", job.Queue, "job_id", job.ID)
		return Result{ID: job.ID, Error: "commit dropped: lock token no longer held"}
	}
	jobsSucceeded.Inc()

	data := outcome.Payload
	if data == nil {
		data = job.Payload
	}
	return Result{ID: job.ID, Success: true, Data: data}
}

// callHandler invokes h, converting a panic into an ordinary handler error so
// one misbehaving job cannot take down the batch.
func callHandler(ctx context.Context, h Handler, job store.Job) (out *Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	out, err = h(ctx, job)
	if err == nil && out == nil {
		err = fmt.Errorf("handler returned no outcome")
	}
	if err == nil && out.RunAt.IsZero() {
		// A zero RunAt would schedule the job at year 1, making it
		// perpetually due the moment it commits.
		err = fmt.Errorf("handler outcome has no run time")
	}
	return out, err
}

// Start polls continuously until ctx is cancelled: one RunCycle per tick plus
// a periodic stale-job sweep. Used by the standalone worker deployment; the
// HTTP trigger calls RunCycle directly instead.
func (r *Runner) Start(ctx context.Context) {
	pollTicker := time.NewTicker(r.cfg.PollInterval)
	staleTicker := time.NewTicker(time.Minute)
	defer pollTicker.Stop()
	defer staleTicker.Stop()

	slog.Info("queue runner started",
		"batch_size", r.cfg.BatchSize, "poll_interval", r.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue runner stopped")
			return
		case <-pollTicker.C:
			if _, err := r.RunCycle(ctx); err != nil {
				slog.Error("poll cycle error", "error", err)
			}
		case <-staleTicker.C:
			n, err := r.store.ReclaimStale(ctx, r.cfg.StaleThreshold)
			if err != nil {
				slog.Error("stale reclaim error", "error", err)
				continue
			}
			if n > 0 {
				jobsReclaimed.Add(float64(n))
				slog.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}
