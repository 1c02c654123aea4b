package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewTaskEnvelope_StampsIdentityAndTime(t *testing.T) {
	task := TaskSnapshot{
		TaskID:     "task-1",
		Title:      "Buy Milk",
		DueAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Recurrence: RecurrenceWeekly,
	}
	env, err := NewTaskEnvelope(EventTaskCreated, "user-1", task)
	if err != nil {
		t.Fatalf("NewTaskEnvelope returned error: %v", err)
	}
	if env.EventType != EventTaskCreated || env.EntityID != "task-1" || env.UserID != "user-1" {
		t.Fatalf("unexpected envelope identity: %+v", env)
	}
	if env.CorrelationID == "" {
		t.Fatal("expected a correlation id")
	}
	if env.Timestamp.IsZero() || env.Timestamp.Location() != time.UTC {
		t.Fatalf("expected a UTC timestamp, got %v", env.Timestamp)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("constructed envelope failed validation: %v", err)
	}

	got, err := env.TaskSnapshot()
	if err != nil {
		t.Fatalf("TaskSnapshot returned error: %v", err)
	}
	if got.Title != "Buy Milk" || got.Recurrence != RecurrenceWeekly {
		t.Fatalf("unexpected snapshot round-trip: %+v", got)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	env, err := NewReminderDueEnvelope(ReminderDue{
		ReminderID: "rem-1",
		TaskID:     "task-1",
		UserID:     "user-1",
		Title:      "Buy Milk",
		RemindAt:   time.Date(2026, 3, 1, 8, 45, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewReminderDueEnvelope returned error: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if decoded.EventType != EventReminderDue || decoded.CorrelationID != env.CorrelationID {
		t.Fatalf("unexpected decoded envelope: %+v", decoded)
	}
	due, err := decoded.ReminderDue()
	if err != nil {
		t.Fatalf("ReminderDue returned error: %v", err)
	}
	if due.ReminderID != "rem-1" || due.TaskID != "task-1" {
		t.Fatalf("unexpected due payload: %+v", due)
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestValidate_RejectsBadEnvelopes(t *testing.T) {
	base := Envelope{
		EventType:     EventSync,
		EntityID:      "task-1",
		UserID:        "user-1",
		Timestamp:     time.Now().UTC(),
		CorrelationID: "corr-1",
	}

	cases := map[string]func(Envelope) Envelope{
		"unknown event type": func(e Envelope) Envelope { e.EventType = "task.archived"; return e },
		"missing entity":     func(e Envelope) Envelope { e.EntityID = ""; return e },
		"missing user":       func(e Envelope) Envelope { e.UserID = ""; return e },
		"missing correlation": func(e Envelope) Envelope {
			e.CorrelationID = ""
			return e
		},
		"zero timestamp": func(e Envelope) Envelope { e.Timestamp = time.Time{}; return e },
	}
	for name, mutate := range cases {
		if err := mutate(base).Validate(); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: expected ErrInvalidEnvelope, got %v", name, err)
		}
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}
