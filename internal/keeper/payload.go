// Package keeper implements the keeper-test job family: an initial check-in
// message to an employee's manager, followed by threaded reminders until the
// manager responds.
//
// Each queue tag has its own payload struct; payloads are decoded via the
// job's queue before any field access, never poked at as loose JSON.
package keeper

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Queue tags for the keeper-test family.
const (
	// QueueSendTest jobs post the initial keeper-test message.
	QueueSendTest = "send_keeper_test"
	// QueueReceiveResults jobs post threaded reminders until results arrive.
	QueueReceiveResults = "receive_keeper_test_results"
)

// ErrMissingThread marks a reminder payload without the thread correlation
// id. The handler fails such jobs without attempting any network call.
var ErrMissingThread = errors.New("reminder payload missing threadId")

// Person identifies an employee or manager in a job payload.
type Person struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TestPayload is the payload of a send_keeper_test job.
type TestPayload struct {
	Title    string `json:"title"`
	Employee Person `json:"employee"`
	Manager  Person `json:"manager"`
}

// ReminderPayload is the payload of a receive_keeper_test_results job: the
// original test payload plus the thread id of the initial message.
type ReminderPayload struct {
	TestPayload
	ThreadID string `json:"threadId"`
}

// DecodeTestPayload parses and validates a send_keeper_test payload.
func DecodeTestPayload(raw json.RawMessage) (TestPayload, error) {
	var p TestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return TestPayload{}, fmt.Errorf("decode keeper test payload: %w", err)
	}
	if p.Manager.Email == "" {
		return TestPayload{}, errors.New("keeper test payload missing manager email")
	}
	if p.Employee.Name == "" {
		return TestPayload{}, errors.New("keeper test payload missing employee name")
	}
	return p, nil
}

// DecodeReminderPayload parses a receive_keeper_test_results payload. A
// missing ThreadID is reported as ErrMissingThread; the base fields are
// validated the same way as the initial payload.
func DecodeReminderPayload(raw json.RawMessage) (ReminderPayload, error) {
	var p ReminderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ReminderPayload{}, fmt.Errorf("decode reminder payload: %w", err)
	}
	if p.ThreadID == "" {
		return ReminderPayload{}, ErrMissingThread
	}
	if p.Manager.Email == "" {
		return ReminderPayload{}, errors.New("reminder payload missing manager email")
	}
	return p, nil
}
