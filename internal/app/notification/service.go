package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/sharding"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")
var ErrUnsupportedEventType = errors.New("unsupported event type")

type PublishFunc func(subject string, payload []byte) error

// Notification is the in-app record created once per processed
// reminder.due envelope. Immutable after creation.
type Notification struct {
	ID            string    `json:"notification_id"`
	CorrelationID string    `json:"correlation_id"`
	TaskID        string    `json:"task_id"`
	UserID        string    `json:"user_id"`
	Message       string    `json:"message"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

type Repository interface {
	// Insert persists the notification unless one with the same
	// correlation id already exists. Reports whether a row was written.
	Insert(ctx context.Context, n Notification) (bool, error)
}

type Service struct {
	Repo    Repository
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
	Logf    func(format string, args ...any)
}

func NewService(repo Repository, publish PublishFunc) *Service {
	return &Service{
		Repo:    repo,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
		Logf:    log.Printf,
	}
}

// Handle processes one reminder.due delivery. Delivery is at-least-once:
// the insert dedups by correlation id, and the follow-on sync envelope is
// published on duplicates too so a crash between insert and publish never
// loses the live update (a doubled sync push is ephemeral and harmless).
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	env, err := contracts.Decode(payload)
	if err != nil {
		return ErrInvalidEventPayload
	}
	if env.EventType != contracts.EventReminderDue {
		return ErrUnsupportedEventType
	}
	due, err := env.ReminderDue()
	if err != nil {
		return ErrInvalidEventPayload
	}

	message := "Reminder: " + due.Title
	if due.Title == "" {
		message = "Task reminder"
	}

	inserted, err := s.Repo.Insert(ctx, Notification{
		ID:            s.NewID(),
		CorrelationID: env.CorrelationID,
		TaskID:        due.TaskID,
		UserID:        due.UserID,
		Message:       message,
		DeliveredAt:   s.Now(),
	})
	if err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}
	if !inserted {
		s.Logf("duplicate reminder.due %s, notification already exists", env.CorrelationID)
	}

	syncEnv, err := contracts.NewSyncEnvelope(due.UserID, contracts.SyncChange{
		TaskID:  due.TaskID,
		Kind:    "notification",
		Message: message,
	})
	if err != nil {
		return err
	}
	syncEnv = syncEnv.WithCorrelation("sync-" + env.CorrelationID)

	data, err := json.Marshal(syncEnv)
	if err != nil {
		return err
	}
	if err := s.Publish(sharding.UpdateSubject(due.UserID), data); err != nil {
		return fmt.Errorf("publish sync envelope: %w", err)
	}
	return nil
}
