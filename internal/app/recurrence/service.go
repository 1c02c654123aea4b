package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/sharding"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")
var ErrInvalidPattern = errors.New("invalid recurrence pattern")

// PublishFunc publishes with a caller-chosen message id so the stream's
// duplicate window collapses a re-publish of the same logical event.
type PublishFunc func(subject, msgID string, payload []byte) error

// Repository is the dedup ledger: one row per completed recurring cycle,
// keyed by the triggering completion's correlation id.
type Repository interface {
	Exists(ctx context.Context, correlationID string) (bool, error)
	Record(ctx context.Context, correlationID, spawnedTaskID string) error
}

type Service struct {
	Repo    Repository
	Publish PublishFunc
	Logf    func(format string, args ...any)
}

func NewService(repo Repository, publish PublishFunc) *Service {
	return &Service{
		Repo:    repo,
		Publish: publish,
		Logf:    log.Printf,
	}
}

// NextOccurrence advances the original due date by the pattern until it
// lands strictly after the completion time. Anchoring on the original due
// date (not "now") keeps the cadence from drifting when completions are
// late.
func NextOccurrence(pattern string, dueAt, completedAt time.Time) (time.Time, error) {
	if dueAt.IsZero() {
		dueAt = completedAt
	}
	next, err := advance(pattern, dueAt)
	if err != nil {
		return time.Time{}, err
	}
	for !next.After(completedAt) {
		next, _ = advance(pattern, next)
	}
	return next, nil
}

func advance(pattern string, t time.Time) (time.Time, error) {
	switch pattern {
	case contracts.RecurrenceDaily:
		return t.AddDate(0, 0, 1), nil
	case contracts.RecurrenceWeekly:
		return t.AddDate(0, 0, 7), nil
	case contracts.RecurrenceMonthly:
		return t.AddDate(0, 1, 0), nil
	case contracts.RecurrenceYearly:
		return t.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, ErrInvalidPattern
	}
}

// SpawnedTaskID derives the new task's id from the triggering completion,
// so a replayed completion regenerates the identical task.created event.
func SpawnedTaskID(correlationID string) string {
	return "task-rt-" + correlationID
}

// Handle processes one task lifecycle delivery. Only completions of
// recurring tasks produce anything; everything else acks silently. The
// dedup ledger is checked before publishing and written after, with the
// deterministic message id closing the crash window between the two.
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	env, err := contracts.Decode(payload)
	if err != nil {
		return ErrInvalidEventPayload
	}
	if env.EventType != contracts.EventTaskCompleted {
		return nil
	}
	task, err := env.TaskSnapshot()
	if err != nil {
		return ErrInvalidEventPayload
	}
	if task.Recurrence == "" {
		return nil
	}

	seen, err := s.Repo.Exists(ctx, env.CorrelationID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		s.Logf("duplicate completion %s, cycle already spawned", env.CorrelationID)
		return nil
	}

	nextDue, err := NextOccurrence(task.Recurrence, task.DueAt, env.Timestamp)
	if err != nil {
		return err
	}

	spawned := task
	spawned.TaskID = SpawnedTaskID(env.CorrelationID)
	spawned.DueAt = nextDue
	spawned.Completed = false

	nextEnv, err := contracts.NewTaskEnvelope(contracts.EventTaskCreated, env.UserID, spawned)
	if err != nil {
		return err
	}
	nextEnv = nextEnv.WithCorrelation("recur-" + env.CorrelationID)

	data, err := json.Marshal(nextEnv)
	if err != nil {
		return err
	}
	if err := s.Publish(sharding.TaskEventSubject(spawned.TaskID), nextEnv.CorrelationID, data); err != nil {
		return fmt.Errorf("publish spawned task: %w", err)
	}

	if err := s.Repo.Record(ctx, env.CorrelationID, spawned.TaskID); err != nil {
		// Redelivery re-publishes under the same message id, which the
		// stream's duplicate window absorbs.
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}
