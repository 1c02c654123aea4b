package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tasklane/platform/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

// Entry is one immutable audit record: a snapshot of a consumed task
// lifecycle envelope. The application never updates or deletes entries.
type Entry struct {
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	EntityID      string    `json:"entity_id"`
	UserID        string    `json:"user_id"`
	Payload       []byte    `json:"payload"`
	OccurredAt    time.Time `json:"occurred_at"`
	IngestedAt    time.Time `json:"ingested_at"`
}

type Repository interface {
	// Append inserts the entry unless one with the same correlation id
	// exists. Reports whether a row was written.
	Append(ctx context.Context, entry Entry) (bool, error)
}

// Service is a pure sink: one entry per envelope, no business logic, no
// follow-on events.
type Service struct {
	Repo Repository
	Now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		Repo: repo,
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Handle(ctx context.Context, payload []byte) error {
	env, err := contracts.Decode(payload)
	if err != nil {
		return ErrInvalidEventPayload
	}
	if !strings.HasPrefix(env.EventType, "task.") {
		return ErrInvalidEventPayload
	}

	_, err = s.Repo.Append(ctx, Entry{
		CorrelationID: env.CorrelationID,
		EventType:     env.EventType,
		EntityID:      env.EntityID,
		UserID:        env.UserID,
		Payload:       env.Payload,
		OccurredAt:    env.Timestamp,
		IngestedAt:    s.Now(),
	})
	return err
}
