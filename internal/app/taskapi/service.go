package taskapi

import (
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/sharding"
)

var ErrTitleRequired = errors.New("title is required")
var ErrTaskIDRequired = errors.New("task_id is required")
var ErrUserRequired = errors.New("user id is required")
var ErrUnsupportedAction = errors.New("unsupported action")
var ErrInvalidRecurrence = errors.New("invalid recurrence pattern")

// Publish failure modes. Best-effort is the default: a broker outage is
// logged as a degradation and never blocks the primary mutation.
const (
	ModeBestEffort = "best-effort"
	ModeStrict     = "strict"
)

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Publish PublishFunc
	Mode    string
	NewID   func() string
	Logf    func(format string, args ...any)
}

type Actor struct {
	UserID string
}

type MutationRequest struct {
	Action string                 `json:"action"`
	Task   contracts.TaskSnapshot `json:"task"`
}

type MutationResponse struct {
	Status        string `json:"status"`
	TaskID        string `json:"task_id"`
	EventType     string `json:"event_type"`
	CorrelationID string `json:"correlation_id"`
}

func NewService(publish PublishFunc, mode string) *Service {
	if mode != ModeStrict {
		mode = ModeBestEffort
	}
	return &Service{
		Publish: publish,
		Mode:    mode,
		NewID:   nuid.Next,
		Logf:    log.Printf,
	}
}

func mapEventType(action string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(action)) {
	case "create-task":
		return contracts.EventTaskCreated, nil
	case "update-task":
		return contracts.EventTaskUpdated, nil
	case "complete-task":
		return contracts.EventTaskCompleted, nil
	case "delete-task":
		return contracts.EventTaskDeleted, nil
	default:
		return "", ErrUnsupportedAction
	}
}

func validRecurrence(pattern string) bool {
	switch pattern {
	case "", contracts.RecurrenceDaily, contracts.RecurrenceWeekly,
		contracts.RecurrenceMonthly, contracts.RecurrenceYearly:
		return true
	}
	return false
}

// Accept translates one task mutation into exactly one envelope on the
// task event stream. The caller has already performed the mutation itself;
// this is the only coupling point between the CRUD layer and the event
// subsystem.
func (s *Service) Accept(actor Actor, req MutationRequest) (MutationResponse, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		return MutationResponse{}, ErrUserRequired
	}

	eventType, err := mapEventType(req.Action)
	if err != nil {
		return MutationResponse{}, err
	}

	task := req.Task
	task.TaskID = strings.TrimSpace(task.TaskID)
	task.Title = strings.TrimSpace(task.Title)
	if !validRecurrence(task.Recurrence) {
		return MutationResponse{}, ErrInvalidRecurrence
	}

	switch eventType {
	case contracts.EventTaskCreated:
		if task.Title == "" {
			return MutationResponse{}, ErrTitleRequired
		}
		if task.TaskID == "" {
			// Make the task id stable and explicit for later mutations.
			task.TaskID = s.NewID()
		}
	case contracts.EventTaskUpdated:
		if task.TaskID == "" {
			return MutationResponse{}, ErrTaskIDRequired
		}
		if task.Title == "" {
			return MutationResponse{}, ErrTitleRequired
		}
	case contracts.EventTaskCompleted:
		if task.TaskID == "" {
			return MutationResponse{}, ErrTaskIDRequired
		}
		task.Completed = true
	case contracts.EventTaskDeleted:
		if task.TaskID == "" {
			return MutationResponse{}, ErrTaskIDRequired
		}
	}

	env, err := contracts.NewTaskEnvelope(eventType, actor.UserID, task)
	if err != nil {
		return MutationResponse{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return MutationResponse{}, err
	}

	resp := MutationResponse{
		Status:        "accepted",
		TaskID:        task.TaskID,
		EventType:     eventType,
		CorrelationID: env.CorrelationID,
	}

	if err := s.Publish(sharding.TaskEventSubject(task.TaskID), payload); err != nil {
		if s.Mode == ModeStrict {
			return MutationResponse{}, err
		}
		// The mutation already happened; losing the side channel must not
		// fail it. The gap is visible in logs and metrics.
		s.Logf("task event publish degraded (task=%s type=%s): %v", task.TaskID, eventType, err)
	}

	return resp, nil
}
