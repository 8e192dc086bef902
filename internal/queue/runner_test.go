// ABOUTME: Integration tests for the queue runner cycle: success reschedules,
// ABOUTME: failure accounting, unknown-queue skip, panic containment.
package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhr/tally/internal/queue"
	"github.com/tallyhr/tally/internal/store"
	"github.com/tallyhr/tally/internal/testutil"
)

func enqueue(t *testing.T, s *testutil.TestDB, q string) uuid.UUID {
	t.Helper()
	id, err := s.Enqueue(context.Background(), q, json.RawMessage(`{"n":1}`), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func getJob(t *testing.T, s *testutil.TestDB, id uuid.UUID) store.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	if err != nil || j == nil {
		t.Fatalf("GetJob %s: %v (job %v)", id, err, j)
	}
	return *j
}

func TestRunCycle_SuccessCommitsReschedule(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	nextRun := time.Now().Add(24 * time.Hour)
	r.Register("greet", func(_ context.Context, job store.Job) (*queue.Outcome, error) {
		return &queue.Outcome{
			Queue:   "greet_followup",
			RunAt:   nextRun,
			Payload: json.RawMessage(`{"n":2}`),
		}, nil
	})

	id := enqueue(t, s, "greet")
	results, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !results[0].Success || results[0].ID != id {
		t.Errorf("result = %+v, want success for %s", results[0], id)
	}

	j := getJob(t, s, id)
	if j.State != store.JobAvailable || j.Queue != "greet_followup" {
		t.Errorf("job = state %q queue %q, want available/greet_followup", j.State, j.Queue)
	}
	if j.ScheduledAt.Sub(nextRun).Abs() > time.Second {
		t.Errorf("scheduled_at = %v, want ~%v", j.ScheduledAt, nextRun)
	}
	if j.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", j.FailureCount)
	}
}

func TestRunCycle_FailureCountsAgainstJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	r.Register("flaky", func(context.Context, store.Job) (*queue.Outcome, error) {
		return nil, errors.New("downstream timeout")
	})

	id := enqueue(t, s, "flaky")
	results, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want one failure", results)
	}
	if results[0].Error != "downstream timeout" {
		t.Errorf("result error = %q, want handler message", results[0].Error)
	}

	j := getJob(t, s, id)
	if j.State != store.JobAvailable || j.FailureCount != 1 {
		t.Errorf("job = state %q count %d, want available/1", j.State, j.FailureCount)
	}
}

func TestRunCycle_UnknownQueueLeftRunning(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	// No handler registered for the job's queue.
	id := enqueue(t, s, "mystery_queue")

	results, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want one non-success entry", results)
	}

	// No outcome committed: the row stays running until the stale sweep.
	j := getJob(t, s, id)
	if j.State != store.JobRunning {
		t.Errorf("state = %q, want running", j.State)
	}
	if j.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0 (skip is not a failure)", j.FailureCount)
	}

	if _, err := s.Pool().Exec(ctx,
		`UPDATE jobs SET last_heartbeat_at = now() - interval '10 minutes' WHERE id = $1`,
		id); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	n, err := s.ReclaimStale(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStale = %d, %v; want 1, nil", n, err)
	}
}

func TestRunCycle_PanicDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	r.Register("bad", func(context.Context, store.Job) (*queue.Outcome, error) {
		panic("nil map write")
	})
	r.Register("good", func(context.Context, store.Job) (*queue.Outcome, error) {
		return &queue.Outcome{RunAt: time.Now().Add(time.Hour)}, nil
	})

	badID := enqueue(t, s, "bad")
	goodID := enqueue(t, s, "good")

	results, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	byID := map[uuid.UUID]queue.Result{}
	for _, res := range results {
		byID[res.ID] = res
	}
	if byID[goodID].Success != true {
		t.Errorf("good job result = %+v, want success", byID[goodID])
	}
	if byID[badID].Success {
		t.Errorf("panicking job result = %+v, want failure", byID[badID])
	}

	if j := getJob(t, s, badID); j.FailureCount != 1 || j.State != store.JobAvailable {
		t.Errorf("panicking job = state %q count %d, want available/1", j.State, j.FailureCount)
	}
}

func TestRunCycle_DroppedCommitIsNotSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// The handler steals the job's lock mid-flight, so the runner's success
	// commit hits the lock_id guard and is dropped.
	stolenLock := uuid.New()
	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	r.Register("contested", func(_ context.Context, job store.Job) (*queue.Outcome, error) {
		if _, err := s.Pool().Exec(ctx,
			`UPDATE jobs SET lock_id = $2 WHERE id = $1`, job.ID, stolenLock); err != nil {
			t.Errorf("steal lock: %v", err)
		}
		return &queue.Outcome{RunAt: time.Now().Add(time.Hour)}, nil
	})

	id := enqueue(t, s, "contested")
	results, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Success {
		t.Errorf("result = %+v, want non-success for a dropped commit", results[0])
	}
	if results[0].Error == "" {
		t.Error("dropped commit carries no error message")
	}

	// The row belongs to the lock thief now; the dropped commit changed nothing.
	j := getJob(t, s, id)
	if j.State != store.JobRunning {
		t.Errorf("state = %q, want running", j.State)
	}
	if !j.LockID.Valid || j.LockID.UUID != stolenLock {
		t.Errorf("lock id = %v, want the stolen token %s", j.LockID, stolenLock)
	}
	if j.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", j.FailureCount)
	}
}

func TestRunCycle_ZeroRunAtOutcomeIsFailure(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	r.Register("sloppy", func(context.Context, store.Job) (*queue.Outcome, error) {
		return &queue.Outcome{}, nil // no RunAt
	})

	id := enqueue(t, s, "sloppy")
	results, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want one failure", results)
	}

	j := getJob(t, s, id)
	if j.State != store.JobAvailable || j.FailureCount != 1 {
		t.Errorf("job = state %q count %d, want available/1", j.State, j.FailureCount)
	}
	// scheduled_at must not collapse to the zero time.
	if j.ScheduledAt.Year() < 2000 {
		t.Errorf("scheduled_at = %v, zero run time leaked into the schedule", j.ScheduledAt)
	}
}

func TestRunCycle_EmptyBatch(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	r := queue.New(s.Store, queue.Config{BatchSize: 10})
	results, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results on an empty queue, want 0", len(results))
	}
}
