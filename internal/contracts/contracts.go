package contracts

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nuid"
)

// Event types carried on the three streams. Consumers switch on these and
// must Term anything they do not recognize rather than guessing.
const (
	EventTaskCreated   = "task.created"
	EventTaskUpdated   = "task.updated"
	EventTaskCompleted = "task.completed"
	EventTaskDeleted   = "task.deleted"
	EventReminderDue   = "reminder.due"
	EventSync          = "sync"
)

// Recurrence patterns a task snapshot may carry. Empty means one-shot.
const (
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
	RecurrenceYearly  = "yearly"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the unit of communication on every topic. It is immutable
// once published: a consumer that needs to emit a follow-on fact builds a
// fresh envelope through one of the constructors below, it never mutates
// and republishes the one it received.
type Envelope struct {
	EventType     string          `json:"event_type"`
	EntityID      string          `json:"entity_id"`
	UserID        string          `json:"user_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// TaskSnapshot is the payload of every task.* envelope: the full task state
// downstream consumers need, so none of them has to call back into the
// task store.
type TaskSnapshot struct {
	TaskID      string    `json:"task_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	Tags        []string  `json:"tags"`
	DueAt       time.Time `json:"due_at"`
	Recurrence  string    `json:"recurrence"`
	Completed   bool      `json:"completed"`
}

// ReminderDue is the payload of a reminder.due envelope.
type ReminderDue struct {
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	DueAt      time.Time `json:"due_at"`
	RemindAt   time.Time `json:"remind_at"`
}

// SyncChange is the payload of a sync envelope on the update stream.
type SyncChange struct {
	TaskID       string            `json:"task_id"`
	Kind         string            `json:"kind"`
	Message      string            `json:"message"`
	Changes      map[string]string `json:"changes,omitempty"`
	SourceClient string            `json:"source_client,omitempty"`
}

func NewTaskEnvelope(eventType, userID string, task TaskSnapshot) (Envelope, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return Envelope{}, err
	}
	return newEnvelope(eventType, task.TaskID, userID, payload), nil
}

func NewReminderDueEnvelope(due ReminderDue) (Envelope, error) {
	payload, err := json.Marshal(due)
	if err != nil {
		return Envelope{}, err
	}
	return newEnvelope(EventReminderDue, due.ReminderID, due.UserID, payload), nil
}

func NewSyncEnvelope(userID string, change SyncChange) (Envelope, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		return Envelope{}, err
	}
	return newEnvelope(EventSync, change.TaskID, userID, payload), nil
}

func newEnvelope(eventType, entityID, userID string, payload json.RawMessage) Envelope {
	return Envelope{
		EventType:     eventType,
		EntityID:      entityID,
		UserID:        userID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: nuid.Next(),
	}
}

// WithCorrelation returns a copy of the envelope carrying a caller-derived
// correlation id. Producers that may publish the same logical event more
// than once (due-callback retries, event redelivery) need a deterministic
// id so downstream dedup recognizes the repeat; everyone else keeps the
// fresh nuid the constructors stamp.
func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// Validate enforces the envelope contract shared by every producer and
// consumer. A malformed envelope is dropped with a logged error, never
// silently coerced.
func (e Envelope) Validate() error {
	switch e.EventType {
	case EventTaskCreated, EventTaskUpdated, EventTaskCompleted, EventTaskDeleted,
		EventReminderDue, EventSync:
	default:
		return ErrInvalidEnvelope
	}
	if e.EntityID == "" || e.UserID == "" || e.CorrelationID == "" {
		return ErrInvalidEnvelope
	}
	if e.Timestamp.IsZero() {
		return ErrInvalidEnvelope
	}
	return nil
}

// Decode parses and validates an envelope from the wire.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, ErrInvalidEnvelope
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) TaskSnapshot() (TaskSnapshot, error) {
	var task TaskSnapshot
	if err := json.Unmarshal(e.Payload, &task); err != nil {
		return TaskSnapshot{}, ErrInvalidEnvelope
	}
	return task, nil
}

func (e Envelope) ReminderDue() (ReminderDue, error) {
	var due ReminderDue
	if err := json.Unmarshal(e.Payload, &due); err != nil {
		return ReminderDue{}, ErrInvalidEnvelope
	}
	return due, nil
}

func (e Envelope) SyncChange() (SyncChange, error) {
	var change SyncChange
	if err := json.Unmarshal(e.Payload, &change); err != nil {
		return SyncChange{}, ErrInvalidEnvelope
	}
	return change, nil
}
