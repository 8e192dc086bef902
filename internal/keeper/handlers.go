package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tallyhr/tally/internal/chat"
	"github.com/tallyhr/tally/internal/queue"
	"github.com/tallyhr/tally/internal/store"
)

// Config holds the keeper-test cadence.
type Config struct {
	// ResultsDelay is how long after the initial send the first reminder
	// becomes due.
	ResultsDelay time.Duration
	// ReminderEvery is the interval between repeated reminders.
	ReminderEvery time.Duration
}

// Handlers owns the keeper-test job handlers. Each handler is a pure mapping
// from (job, chat responses) to an outcome; all persistence happens in the
// runner's commit.
type Handlers struct {
	chat chat.Messenger
	cfg  Config
	now  func() time.Time
}

// NewHandlers creates Handlers posting through m. Zero config fields default
// to 24h before the first reminder and 72h between reminders.
func NewHandlers(m chat.Messenger, cfg Config) *Handlers {
	if cfg.ResultsDelay <= 0 {
		cfg.ResultsDelay = 24 * time.Hour
	}
	if cfg.ReminderEvery <= 0 {
		cfg.ReminderEvery = 72 * time.Hour
	}
	return &Handlers{chat: m, cfg: cfg, now: time.Now}
}

// Register wires the keeper-test handlers into r.
func (h *Handlers) Register(r *queue.Runner) {
	r.Register(QueueSendTest, h.SendTest)
	r.Register(QueueReceiveResults, h.SendReminder)
}

// SendTest handles a send_keeper_test job: resolve the manager on the chat
// platform, post the keeper-test question, and transition the job to the
// results queue with the message's thread id for follow-ups.
func (h *Handlers) SendTest(ctx context.Context, job store.Job) (*queue.Outcome, error) {
	p, err := DecodeTestPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	userID, err := h.chat.LookupUserByEmail(ctx, p.Manager.Email)
	if err != nil {
		return nil, err
	}
	threadID, err := h.chat.PostMessage(ctx, userID, testMessage(p), "")
	if err != nil {
		return nil, err
	}

	next, err := json.Marshal(ReminderPayload{TestPayload: p, ThreadID: threadID})
	if err != nil {
		return nil, fmt.Errorf("marshal reminder payload: %w", err)
	}
	return &queue.Outcome{
		Queue:   QueueReceiveResults,
		RunAt:   h.now().Add(h.cfg.ResultsDelay),
		Payload: next,
	}, nil
}

// SendReminder handles a receive_keeper_test_results job: post a reminder
// into the original thread and reschedule itself. A payload without a thread
// id fails before any network call.
func (h *Handlers) SendReminder(ctx context.Context, job store.Job) (*queue.Outcome, error) {
	p, err := DecodeReminderPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	userID, err := h.chat.LookupUserByEmail(ctx, p.Manager.Email)
	if err != nil {
		return nil, err
	}
	if _, err := h.chat.PostMessage(ctx, userID, reminderMessage(p), p.ThreadID); err != nil {
		return nil, err
	}

	// Same queue, same payload; only the due time moves.
	return &queue.Outcome{RunAt: h.now().Add(h.cfg.ReminderEvery)}, nil
}

func testMessage(p TestPayload) string {
	return fmt.Sprintf(
		"*%s*\nHi %s — time for a keeper test for *%s*.\n"+
			"If %s told you today they were leaving for a similar role elsewhere, "+
			"would you fight to keep them? Reply in this thread with your answer "+
			"and a short why.",
		p.Title, firstName(p.Manager.Name), p.Employee.Name, p.Employee.Name)
}

func reminderMessage(p ReminderPayload) string {
	return fmt.Sprintf(
		"Friendly nudge: the keeper test for *%s* is still waiting on your answer. "+
			"Reply in this thread when you have a moment.",
		p.Employee.Name)
}

// firstName returns the first space-separated token of name, or the whole
// name when it has no spaces.
func firstName(name string) string {
	for i, r := range name {
		if r == ' ' {
			return name[:i]
		}
	}
	return name
}
