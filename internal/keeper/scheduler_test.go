// ABOUTME: Integration tests for the check-in scheduler: tenure cutoff,
// ABOUTME: manager requirement, and idempotency across repeated runs.
package keeper_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhr/tally/internal/keeper"
	"github.com/tallyhr/tally/internal/store"
	"github.com/tallyhr/tally/internal/testutil"
)

func createEmployee(t *testing.T, s *testutil.TestDB, name, email string, manager uuid.NullUUID, startedDaysAgo int) uuid.UUID {
	t.Helper()
	id, err := s.CreateEmployee(context.Background(), store.CreateEmployeeParams{
		Name:            name,
		Email:           email,
		ManagerID:       manager,
		LocationFactor:  1.0,
		Level:           2,
		Step:            1,
		BenchmarkSalary: 100000,
		StartedAt:       time.Now().AddDate(0, 0, -startedDaysAgo),
	})
	if err != nil {
		t.Fatalf("CreateEmployee %s: %v", email, err)
	}
	return id
}

func TestScheduleCheckIns(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	managerID := createEmployee(t, s, "Sam Rivera", "sam@example.com", uuid.NullUUID{}, 400)
	manager := uuid.NullUUID{UUID: managerID, Valid: true}

	due := createEmployee(t, s, "Ada Quinn", "ada@example.com", manager, 45)
	createEmployee(t, s, "New Hire", "new@example.com", manager, 5) // too recent
	// The manager has no manager of their own, so they are never a candidate.

	sched := keeper.NewScheduler(s.Store)
	n, err := sched.ScheduleCheckIns(ctx, 30)
	if err != nil {
		t.Fatalf("ScheduleCheckIns: %v", err)
	}
	if n != 1 {
		t.Fatalf("scheduled %d check-ins, want 1", n)
	}

	jobs, err := s.ListJobs(ctx, store.JobFilter{Queue: keeper.QueueSendTest})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d keeper jobs, want 1", len(jobs))
	}

	var p keeper.TestPayload
	if err := json.Unmarshal(jobs[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Employee.ID != due.String() || p.Employee.Email != "ada@example.com" {
		t.Errorf("payload employee = %+v, want Ada", p.Employee)
	}
	if p.Manager.Email != "sam@example.com" {
		t.Errorf("payload manager = %+v, want Sam", p.Manager)
	}

	// Second run is a no-op while the job is live.
	n, err = sched.ScheduleCheckIns(ctx, 30)
	if err != nil {
		t.Fatalf("ScheduleCheckIns (second run): %v", err)
	}
	if n != 0 {
		t.Errorf("second run scheduled %d check-ins, want 0", n)
	}
}
