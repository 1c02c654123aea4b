package jobsched

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

var ErrNameRequired = errors.New("job name is required")
var ErrCallbackRequired = errors.New("callback_url is required")
var ErrDueInPast = errors.New("due_at must be in the future")
var ErrRepeatsUnsupported = errors.New("repeating jobs are not supported")

// InvokeFunc delivers a due job's payload to its callback URL. final tells
// the callee this is the last attempt the scheduler will make.
type InvokeFunc func(ctx context.Context, job Job, attempt int, final bool) error

type Job struct {
	ID          string          `json:"job_id"`
	Name        string          `json:"name"`
	DueAt       time.Time       `json:"due_at"`
	CallbackURL string          `json:"callback_url"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextTryAt   time.Time       `json:"next_try_at"`
	Dead        bool            `json:"dead"`
	DeadAt      time.Time       `json:"dead_at,omitempty"`
}

// Service keeps the pending jobs in memory and drives at-least-once
// callback delivery. Jobs are keyed by name so a reschedule simply
// replaces the previous entry.
type Service struct {
	Invoke      InvokeFunc
	Now         func() time.Time
	NewID       func() string
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Logf        func(format string, args ...any)

	mu     sync.Mutex
	byName map[string]*Job
}

func NewService(invoke InvokeFunc) *Service {
	return &Service{
		Invoke:      invoke,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
		MaxAttempts: 5,
		Backoff:     defaultBackoff,
		Logf:        log.Printf,
		byName:      map[string]*Job{},
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

type ScheduleRequest struct {
	Name        string          `json:"name"`
	DueAt       time.Time       `json:"due_at"`
	CallbackURL string          `json:"callback_url"`
	Payload     json.RawMessage `json:"payload"`
	Repeats     int             `json:"repeats"`
}

func (s *Service) Schedule(req ScheduleRequest) (Job, error) {
	if req.Name == "" {
		return Job{}, ErrNameRequired
	}
	if req.CallbackURL == "" {
		return Job{}, ErrCallbackRequired
	}
	if req.Repeats != 0 {
		return Job{}, ErrRepeatsUnsupported
	}
	if !req.DueAt.After(s.Now()) {
		return Job{}, ErrDueInPast
	}

	job := &Job{
		ID:          s.NewID(),
		Name:        req.Name,
		DueAt:       req.DueAt.UTC(),
		CallbackURL: req.CallbackURL,
		Payload:     req.Payload,
		NextTryAt:   req.DueAt.UTC(),
	}

	s.mu.Lock()
	s.byName[req.Name] = job
	s.mu.Unlock()

	return *job, nil
}

// Cancel removes a pending job by name. It reports whether a live job was
// actually removed.
func (s *Service) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byName[name]
	if !ok || job.Dead {
		return false
	}
	delete(s.byName, name)
	return true
}

func (s *Service) Lookup(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byName[name]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Run polls for due jobs on a short tick until the context ends.
func (s *Service) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DispatchDue(ctx)
		}
	}
}

// DispatchDue invokes every job whose next attempt time has passed. A
// successful callback removes the job; a failed one backs off and retries
// until MaxAttempts, then the job is marked dead for the janitor.
func (s *Service) DispatchDue(ctx context.Context) {
	now := s.Now()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.byName {
		if !job.Dead && !job.NextTryAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.dispatch(ctx, job)
	}
}

func (s *Service) dispatch(ctx context.Context, job *Job) {
	s.mu.Lock()
	current, ok := s.byName[job.Name]
	if !ok || current.ID != job.ID || current.Dead {
		// Cancelled or replaced while we were collecting.
		s.mu.Unlock()
		return
	}
	current.Attempts++
	attempt := current.Attempts
	final := attempt >= s.MaxAttempts
	snapshot := *current
	s.mu.Unlock()

	err := s.Invoke(ctx, snapshot, attempt, final)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok = s.byName[job.Name]
	if !ok || current.ID != job.ID {
		return
	}
	if err == nil {
		delete(s.byName, job.Name)
		return
	}
	if final {
		current.Dead = true
		current.DeadAt = s.Now()
		s.Logf("job %s (%s) exhausted %d attempts: %v", job.Name, job.ID, attempt, err)
		return
	}
	current.NextTryAt = s.Now().Add(s.Backoff(attempt))
	s.Logf("job %s (%s) attempt %d failed, retrying: %v", job.Name, job.ID, attempt, err)
}

// PurgeDead drops dead jobs older than the retention window. Returns the
// number purged.
func (s *Service) PurgeDead(olderThan time.Duration) int {
	cutoff := s.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for name, job := range s.byName {
		if job.Dead && job.DeadAt.Before(cutoff) {
			delete(s.byName, name)
			purged++
		}
	}
	return purged
}
