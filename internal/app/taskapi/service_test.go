package taskapi

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/sharding"
)

func TestAccept_CreatePublishesEnvelope(t *testing.T) {
	var gotSubject string
	var gotPayload []byte

	svc := NewService(func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	}, ModeBestEffort)
	svc.NewID = func() string { return "task-1" }

	resp, err := svc.Accept(Actor{UserID: "user-1"}, MutationRequest{
		Action: "create-task",
		Task: contracts.TaskSnapshot{
			Title:      "Buy Milk",
			DueAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			Recurrence: contracts.RecurrenceWeekly,
		},
	})
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if resp.Status != "accepted" || resp.TaskID != "task-1" || resp.EventType != contracts.EventTaskCreated {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if want := sharding.TaskEventSubject("task-1"); gotSubject != want {
		t.Fatalf("subject mismatch: got %q want %q", gotSubject, want)
	}

	env, err := contracts.Decode(gotPayload)
	if err != nil {
		t.Fatalf("published payload is not a valid envelope: %v", err)
	}
	if env.EventType != contracts.EventTaskCreated || env.EntityID != "task-1" || env.UserID != "user-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	task, err := env.TaskSnapshot()
	if err != nil {
		t.Fatalf("envelope payload is not a task snapshot: %v", err)
	}
	if task.Title != "Buy Milk" || task.Recurrence != contracts.RecurrenceWeekly {
		t.Fatalf("unexpected task snapshot: %+v", task)
	}
}

func TestAccept_CompleteForcesCompletedFlag(t *testing.T) {
	var got contracts.Envelope
	svc := NewService(func(_ string, payload []byte) error {
		return json.Unmarshal(payload, &got)
	}, ModeBestEffort)

	_, err := svc.Accept(Actor{UserID: "user-1"}, MutationRequest{
		Action: "complete-task",
		Task:   contracts.TaskSnapshot{TaskID: "task-9", Title: "Water plants", Completed: false},
	})
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	task, err := got.TaskSnapshot()
	if err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if !task.Completed {
		t.Fatal("complete-task must publish a completed snapshot")
	}
}

func TestAccept_CompleteKeepsRecurrenceInSnapshot(t *testing.T) {
	var got contracts.Envelope
	svc := NewService(func(_ string, payload []byte) error {
		return json.Unmarshal(payload, &got)
	}, ModeBestEffort)

	dueAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := svc.Accept(Actor{UserID: "user-1"}, MutationRequest{
		Action: "complete-task",
		Task: contracts.TaskSnapshot{
			TaskID:     "task-9",
			Title:      "Water plants",
			DueAt:      dueAt,
			Recurrence: contracts.RecurrenceDaily,
		},
	})
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	// The pipeline is stateless: the spawn of the next occurrence depends
	// on the completion envelope still carrying recurrence and due_at.
	task, err := got.TaskSnapshot()
	if err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if task.Recurrence != contracts.RecurrenceDaily || !task.DueAt.Equal(dueAt) {
		t.Fatalf("completion snapshot lost scheduling fields: %+v", task)
	}
	if task.Title != "Water plants" || !task.Completed {
		t.Fatalf("unexpected completion snapshot: %+v", task)
	}
}

func TestAccept_BestEffortSwallowsPublishFailure(t *testing.T) {
	var warned string
	svc := NewService(func(_ string, _ []byte) error {
		return errors.New("broker down")
	}, ModeBestEffort)
	svc.Logf = func(format string, args ...any) { warned = format }

	resp, err := svc.Accept(Actor{UserID: "user-1"}, MutationRequest{
		Action: "delete-task",
		Task:   contracts.TaskSnapshot{TaskID: "task-2"},
	})
	if err != nil {
		t.Fatalf("best-effort mode must not fail the mutation: %v", err)
	}
	if resp.Status != "accepted" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(warned, "degraded") {
		t.Fatalf("expected a degradation warning, got %q", warned)
	}
}

func TestAccept_StrictFailsOnPublishFailure(t *testing.T) {
	wantErr := errors.New("broker down")
	svc := NewService(func(_ string, _ []byte) error { return wantErr }, ModeStrict)

	_, err := svc.Accept(Actor{UserID: "user-1"}, MutationRequest{
		Action: "delete-task",
		Task:   contracts.TaskSnapshot{TaskID: "task-2"},
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected publish error in strict mode, got %v", err)
	}
}

func TestAccept_Validation(t *testing.T) {
	svc := NewService(func(_ string, _ []byte) error { return nil }, ModeBestEffort)

	cases := []struct {
		name string
		req  MutationRequest
		want error
	}{
		{"create without title", MutationRequest{Action: "create-task"}, ErrTitleRequired},
		{"update without id", MutationRequest{Action: "update-task", Task: contracts.TaskSnapshot{Title: "x"}}, ErrTaskIDRequired},
		{"complete without id", MutationRequest{Action: "complete-task"}, ErrTaskIDRequired},
		{"unknown action", MutationRequest{Action: "archive-task", Task: contracts.TaskSnapshot{TaskID: "t"}}, ErrUnsupportedAction},
		{"bad recurrence", MutationRequest{Action: "create-task", Task: contracts.TaskSnapshot{Title: "x", Recurrence: "hourly"}}, ErrInvalidRecurrence},
	}
	for _, tc := range cases {
		if _, err := svc.Accept(Actor{UserID: "user-1"}, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if _, err := svc.Accept(Actor{}, MutationRequest{Action: "create-task", Task: contracts.TaskSnapshot{Title: "x"}}); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
}
