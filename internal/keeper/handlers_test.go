// ABOUTME: Unit tests for the keeper-test handlers against a fake Messenger.
// ABOUTME: Covers the send → results transition, reminder cadence, and payload defects.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tallyhr/tally/internal/store"
)

// fakeMessenger records calls and returns canned responses.
type fakeMessenger struct {
	lookupErr error
	postErr   error
	userID    string
	messageID string

	lookups  []string
	posts    []postCall
	netCalls int
}

type postCall struct {
	userID   string
	text     string
	threadID string
}

func (f *fakeMessenger) LookupUserByEmail(_ context.Context, email string) (string, error) {
	f.netCalls++
	f.lookups = append(f.lookups, email)
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	return f.userID, nil
}

func (f *fakeMessenger) PostMessage(_ context.Context, userID, text, threadID string) (string, error) {
	f.netCalls++
	f.posts = append(f.posts, postCall{userID: userID, text: text, threadID: threadID})
	if f.postErr != nil {
		return "", f.postErr
	}
	return f.messageID, nil
}

func testJob(t *testing.T, queue string, payload any) store.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return store.Job{Queue: queue, Payload: raw}
}

func basePayload() TestPayload {
	return TestPayload{
		Title:    "Keeper test — Ada Quinn",
		Employee: Person{ID: "e1", Email: "ada@example.com", Name: "Ada Quinn"},
		Manager:  Person{ID: "m1", Email: "sam@example.com", Name: "Sam Rivera"},
	}
}

func TestSendTest_TransitionsToResultsQueue(t *testing.T) {
	t.Parallel()
	fake := &fakeMessenger{userID: "U123", messageID: "1724.0001"}
	h := NewHandlers(fake, Config{})
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return start }

	out, err := h.SendTest(context.Background(), testJob(t, QueueSendTest, basePayload()))
	if err != nil {
		t.Fatalf("SendTest: %v", err)
	}

	if out.Queue != QueueReceiveResults {
		t.Errorf("outcome queue = %q, want %q", out.Queue, QueueReceiveResults)
	}
	if want := start.Add(24 * time.Hour); !out.RunAt.Equal(want) {
		t.Errorf("outcome RunAt = %v, want %v", out.RunAt, want)
	}

	var next ReminderPayload
	if err := json.Unmarshal(out.Payload, &next); err != nil {
		t.Fatalf("unmarshal outcome payload: %v", err)
	}
	if next.ThreadID != "1724.0001" {
		t.Errorf("threadId = %q, want the posted message id", next.ThreadID)
	}
	if next.Employee != basePayload().Employee || next.Manager != basePayload().Manager {
		t.Errorf("payload people changed across the transition: %+v", next)
	}

	if len(fake.lookups) != 1 || fake.lookups[0] != "sam@example.com" {
		t.Errorf("lookups = %v, want the manager email", fake.lookups)
	}
	if len(fake.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(fake.posts))
	}
	if fake.posts[0].userID != "U123" || fake.posts[0].threadID != "" {
		t.Errorf("post = %+v, want unthreaded message to U123", fake.posts[0])
	}
	if !strings.Contains(fake.posts[0].text, "Ada Quinn") {
		t.Errorf("message does not mention the employee: %q", fake.posts[0].text)
	}
}

func TestSendTest_PostFailureIsHandlerFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeMessenger{userID: "U123", postErr: errors.New("chat API status 500")}
	h := NewHandlers(fake, Config{})

	out, err := h.SendTest(context.Background(), testJob(t, QueueSendTest, basePayload()))
	if err == nil || out != nil {
		t.Fatalf("SendTest = (%v, %v), want error", out, err)
	}
}

func TestSendTest_MalformedPayload(t *testing.T) {
	t.Parallel()
	fake := &fakeMessenger{userID: "U123", messageID: "x"}
	h := NewHandlers(fake, Config{})

	p := basePayload()
	p.Manager.Email = ""
	_, err := h.SendTest(context.Background(), testJob(t, QueueSendTest, p))
	if err == nil {
		t.Fatal("SendTest accepted a payload without a manager email")
	}
	if fake.netCalls != 0 {
		t.Errorf("made %d network calls on a malformed payload, want 0", fake.netCalls)
	}
}

func TestSendReminder_MissingThreadSkipsNetwork(t *testing.T) {
	t.Parallel()
	fake := &fakeMessenger{userID: "U123", messageID: "x"}
	h := NewHandlers(fake, Config{})

	p := ReminderPayload{TestPayload: basePayload()} // no ThreadID
	out, err := h.SendReminder(context.Background(), testJob(t, QueueReceiveResults, p))
	if !errors.Is(err, ErrMissingThread) {
		t.Fatalf("SendReminder = (%v, %v), want ErrMissingThread", out, err)
	}
	if fake.netCalls != 0 {
		t.Errorf("made %d network calls without a thread id, want 0", fake.netCalls)
	}
}

func TestSendReminder_PostsIntoThreadAndReschedules(t *testing.T) {
	t.Parallel()
	fake := &fakeMessenger{userID: "U123", messageID: "1724.0002"}
	h := NewHandlers(fake, Config{})
	start := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return start }

	p := ReminderPayload{TestPayload: basePayload(), ThreadID: "1724.0001"}
	out, err := h.SendReminder(context.Background(), testJob(t, QueueReceiveResults, p))
	if err != nil {
		t.Fatalf("SendReminder: %v", err)
	}

	// Same queue, same payload; only the due time moves.
	if out.Queue != "" || out.Payload != nil {
		t.Errorf("outcome = %+v, want schedule-only reschedule", out)
	}
	if want := start.Add(72 * time.Hour); !out.RunAt.Equal(want) {
		t.Errorf("outcome RunAt = %v, want %v", out.RunAt, want)
	}

	if len(fake.posts) != 1 || fake.posts[0].threadID != "1724.0001" {
		t.Fatalf("posts = %+v, want one message into the original thread", fake.posts)
	}
}
