package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyhr/tally/internal/store"
)

// Scheduler enqueues keeper-test check-ins for employees who have passed
// their tenure milestone. It is safe to run repeatedly: employees with a live
// keeper job are excluded by the store query.
type Scheduler struct {
	store *store.Store
}

// NewScheduler creates a Scheduler backed by st.
func NewScheduler(st *store.Store) *Scheduler {
	return &Scheduler{store: st}
}

// ScheduleCheckIns enqueues one send_keeper_test job per due employee and
// returns how many were enqueued. Per-employee enqueue errors are logged and
// do not abort the remaining employees.
func (s *Scheduler) ScheduleCheckIns(ctx context.Context, tenureDays int) (int, error) {
	candidates, err := s.store.ListCheckInDue(ctx, tenureDays)
	if err != nil {
		return 0, fmt.Errorf("schedule check-ins: %w", err)
	}

	enqueued := 0
	for _, c := range candidates {
		payload, err := json.Marshal(TestPayload{
			Title: fmt.Sprintf("Keeper test — %s", c.Employee.Name),
			Employee: Person{
				ID:    c.Employee.ID.String(),
				Email: c.Employee.Email,
				Name:  c.Employee.Name,
			},
			Manager: Person{
				ID:    c.ManagerID.String(),
				Email: c.ManagerEmail,
				Name:  c.ManagerName,
			},
		})
		if err != nil {
			slog.Error("marshal check-in payload failed",
				"employee_id", c.Employee.ID, "error", err)
			continue
		}
		id, err := s.store.Enqueue(ctx, QueueSendTest, payload, time.Now())
		if err != nil {
			slog.Error("enqueue check-in failed",
				"employee_id", c.Employee.ID, "error", err)
			continue
		}
		slog.Info("check-in scheduled",
			"job_id", id, "employee", c.Employee.Email, "manager", c.ManagerEmail)
		enqueued++
	}
	return enqueued, nil
}
