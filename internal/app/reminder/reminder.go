package reminder

import (
	"context"
	"errors"
	"time"
)

// Reminder statuses. PENDING is the only non-terminal state; a reminder
// moves forward at most once and never leaves a terminal state.
const (
	StatusPending   = "PENDING"
	StatusSent      = "SENT"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

var ErrNotFound = errors.New("reminder not found")
var ErrNotPending = errors.New("reminder is not pending")
var ErrRemindAtPast = errors.New("remind_at must be in the future")
var ErrTaskIDRequired = errors.New("task_id is required")
var ErrUserRequired = errors.New("user id is required")

type Reminder struct {
	ID        string     `json:"reminder_id"`
	TaskID    string     `json:"task_id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	TaskDueAt time.Time  `json:"due_at"`
	RemindAt  time.Time  `json:"remind_at"`
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	JobRef    string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}

// Repository persists reminders. Every state transition is a conditional
// single-row update guarded by the PENDING status; the boolean result
// reports whether this caller won the transition.
type Repository interface {
	Insert(ctx context.Context, rem Reminder) error
	Get(ctx context.Context, id string) (Reminder, error)
	UpdateRemindAt(ctx context.Context, id string, remindAt time.Time, jobRef string) (bool, error)
	SetJobRef(ctx context.Context, id, jobRef string) (bool, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	ListUnscheduled(ctx context.Context, limit int) ([]Reminder, error)
}
