package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/sharding"
)

type PublishFunc func(subject string, payload []byte) error

// Scheduler is the job scheduling service boundary: schedule and cancel by
// stable job name, callback at due time.
type Scheduler interface {
	Schedule(ctx context.Context, name string, dueAt time.Time, payload any) (string, error)
	Cancel(ctx context.Context, name string) error
}

// DuePayload is what the scheduler hands back at due time.
type DuePayload struct {
	ReminderID string `json:"reminder_id"`
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id"`
}

type Service struct {
	Repo    Repository
	Jobs    Scheduler
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
	Logf    func(format string, args ...any)
}

func NewService(repo Repository, jobs Scheduler, publish PublishFunc) *Service {
	return &Service{
		Repo:    repo,
		Jobs:    jobs,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
		Logf:    log.Printf,
	}
}

// JobName derives the scheduler-side job name from a reminder id. It must
// be deterministic so update and cancel can always target the right job
// without extra scheduler-side state.
func JobName(reminderID string) string {
	return "reminder-" + reminderID
}

// dueTolerance absorbs clock skew between the scheduler and this service
// when deciding whether a due callback fired ahead of its remind_at.
const dueTolerance = 10 * time.Second

type CreateRequest struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	TaskDueAt time.Time `json:"due_at"`
	RemindAt  time.Time `json:"remind_at"`
}

// Create persists a PENDING reminder and requests its firing job. A dead
// scheduler does not fail the call: the reminder is kept with an empty job
// reference and the reconcile sweep picks it up later.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (Reminder, error) {
	if strings.TrimSpace(userID) == "" {
		return Reminder{}, ErrUserRequired
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return Reminder{}, ErrTaskIDRequired
	}
	if !req.RemindAt.After(s.Now()) {
		return Reminder{}, ErrRemindAtPast
	}

	rem := Reminder{
		ID:        s.NewID(),
		TaskID:    strings.TrimSpace(req.TaskID),
		UserID:    strings.TrimSpace(userID),
		Title:     strings.TrimSpace(req.Title),
		TaskDueAt: req.TaskDueAt.UTC(),
		RemindAt:  req.RemindAt.UTC(),
		Status:    StatusPending,
		CreatedAt: s.Now(),
	}
	if err := s.Repo.Insert(ctx, rem); err != nil {
		return Reminder{}, err
	}

	jobRef, err := s.Jobs.Schedule(ctx, JobName(rem.ID), rem.RemindAt, DuePayload{
		ReminderID: rem.ID,
		TaskID:     rem.TaskID,
		UserID:     rem.UserID,
	})
	if err != nil {
		// The reminder is not lost, it will not fire until reconciled.
		s.Logf("reminder %s persisted but not scheduled: %v", rem.ID, err)
		return rem, nil
	}

	if _, err := s.Repo.SetJobRef(ctx, rem.ID, jobRef); err != nil {
		s.Logf("reminder %s: storing job reference failed: %v", rem.ID, err)
	}
	rem.JobRef = jobRef
	return rem, nil
}

// Update moves a PENDING reminder to a new remind time by cancelling and
// re-scheduling the job under the same stable name.
func (s *Service) Update(ctx context.Context, userID, id string, remindAt time.Time) (Reminder, error) {
	rem, err := s.ownedPending(ctx, userID, id)
	if err != nil {
		return Reminder{}, err
	}
	if !remindAt.After(s.Now()) {
		return Reminder{}, ErrRemindAtPast
	}

	if err := s.Jobs.Cancel(ctx, JobName(id)); err != nil {
		s.Logf("reminder %s: job cancel before reschedule failed: %v", id, err)
	}

	jobRef, err := s.Jobs.Schedule(ctx, JobName(id), remindAt.UTC(), DuePayload{
		ReminderID: rem.ID,
		TaskID:     rem.TaskID,
		UserID:     rem.UserID,
	})
	if err != nil {
		s.Logf("reminder %s: reschedule failed, sweep will retry: %v", id, err)
		jobRef = ""
	}

	ok, err := s.Repo.UpdateRemindAt(ctx, id, remindAt.UTC(), jobRef)
	if err != nil {
		return Reminder{}, err
	}
	if !ok {
		// Lost a race with a concurrent cancel or firing. The scheduled
		// job is harmless: the due callback re-checks status.
		return Reminder{}, ErrNotPending
	}

	rem.RemindAt = remindAt.UTC()
	rem.JobRef = jobRef
	return rem, nil
}

// Cancel marks a PENDING reminder CANCELLED. Job cancellation is
// best-effort; if the job fires anyway, the due callback's status check
// short-circuits.
func (s *Service) Cancel(ctx context.Context, userID, id string) error {
	if _, err := s.ownedPending(ctx, userID, id); err != nil {
		return err
	}

	if err := s.Jobs.Cancel(ctx, JobName(id)); err != nil {
		s.Logf("reminder %s: job cancel failed, relying on status check: %v", id, err)
	}

	ok, err := s.Repo.MarkCancelled(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (Reminder, error) {
	rem, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if rem.UserID != userID {
		return Reminder{}, ErrNotFound
	}
	return rem, nil
}

// HandleDue is the scheduler's due-time callback. It is invoked at least
// once per firing and must stay correct under repeats: a non-PENDING
// reminder is a no-op, and the published envelope carries a correlation id
// derived from the reminder so the notification service deduplicates a
// replay after a crashed SENT write.
func (s *Service) HandleDue(ctx context.Context, payload DuePayload, finalAttempt bool) error {
	rem, err := s.Repo.Get(ctx, payload.ReminderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.Logf("due callback for unknown reminder %s, ignoring", payload.ReminderID)
			return nil
		}
		return err
	}
	if rem.Status != StatusPending {
		return nil
	}
	// An update can move remind_at later while the old firing is already in
	// flight. The stored time is authoritative: a firing that arrives well
	// ahead of it is stale and must not send.
	if rem.RemindAt.After(s.Now().Add(dueTolerance)) {
		s.Logf("due callback for reminder %s ahead of remind_at %s, ignoring stale firing", rem.ID, rem.RemindAt.Format(time.RFC3339))
		return nil
	}

	env, err := contracts.NewReminderDueEnvelope(contracts.ReminderDue{
		ReminderID: rem.ID,
		TaskID:     rem.TaskID,
		UserID:     rem.UserID,
		Title:      rem.Title,
		DueAt:      rem.TaskDueAt,
		RemindAt:   rem.RemindAt,
	})
	if err != nil {
		return err
	}
	env = env.WithCorrelation("due-" + rem.ID)

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if err := s.Publish(sharding.ReminderSubject(rem.ID), data); err != nil {
		if finalAttempt {
			if _, markErr := s.Repo.MarkFailed(ctx, rem.ID); markErr != nil {
				s.Logf("reminder %s: marking FAILED failed: %v", rem.ID, markErr)
			}
			s.Logf("reminder %s: delivery failed on final attempt: %v", rem.ID, err)
			return nil
		}
		return err
	}

	ok, err := s.Repo.MarkSent(ctx, rem.ID, s.Now())
	if err != nil {
		// Already published; returning an error retries the callback and
		// the deterministic correlation id absorbs the duplicate.
		return err
	}
	if !ok {
		s.Logf("reminder %s fired concurrently with a cancel, keeping terminal state", rem.ID)
	}
	return nil
}

// ReconcileUnscheduled re-requests jobs for PENDING reminders that have no
// live job reference (created or updated while the scheduler was down).
// Overdue ones are scheduled a few seconds out so they fire immediately.
func (s *Service) ReconcileUnscheduled(ctx context.Context, limit int) int {
	rems, err := s.Repo.ListUnscheduled(ctx, limit)
	if err != nil {
		s.Logf("reconcile sweep: listing unscheduled reminders failed: %v", err)
		return 0
	}

	recovered := 0
	for _, rem := range rems {
		dueAt := rem.RemindAt
		if earliest := s.Now().Add(5 * time.Second); dueAt.Before(earliest) {
			dueAt = earliest
		}
		jobRef, err := s.Jobs.Schedule(ctx, JobName(rem.ID), dueAt, DuePayload{
			ReminderID: rem.ID,
			TaskID:     rem.TaskID,
			UserID:     rem.UserID,
		})
		if err != nil {
			s.Logf("reconcile sweep: reminder %s still unscheduled: %v", rem.ID, err)
			continue
		}
		if _, err := s.Repo.SetJobRef(ctx, rem.ID, jobRef); err != nil {
			s.Logf("reconcile sweep: reminder %s job reference not stored: %v", rem.ID, err)
			continue
		}
		recovered++
	}
	return recovered
}

func (s *Service) ownedPending(ctx context.Context, userID, id string) (Reminder, error) {
	rem, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if rem.UserID != userID {
		return Reminder{}, ErrNotFound
	}
	if rem.Status != StatusPending {
		return Reminder{}, ErrNotPending
	}
	return rem, nil
}
