package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tasklane/platform/internal/contracts"
)

type fakeRepository struct {
	byCorrelation map[string]Entry
	err           error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byCorrelation: map[string]Entry{}}
}

func (f *fakeRepository) Append(_ context.Context, entry Entry) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, exists := f.byCorrelation[entry.CorrelationID]; exists {
		return false, nil
	}
	f.byCorrelation[entry.CorrelationID] = entry
	return true, nil
}

func taskEventPayload(t *testing.T, correlationID string) []byte {
	t.Helper()
	env, err := contracts.NewTaskEnvelope(contracts.EventTaskDeleted, "user-1", contracts.TaskSnapshot{
		TaskID: "task-1",
		Title:  "Buy Milk",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env = env.WithCorrelation(correlationID)
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func TestHandle_AppendsOneEntry(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)
	svc.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }

	if err := svc.Handle(context.Background(), taskEventPayload(t, "corr-1")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	entry, ok := repo.byCorrelation["corr-1"]
	if !ok {
		t.Fatal("entry not appended")
	}
	if entry.EventType != contracts.EventTaskDeleted || entry.EntityID != "task-1" || entry.UserID != "user-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.IngestedAt.IsZero() || len(entry.Payload) == 0 {
		t.Fatalf("entry missing snapshot or ingestion time: %+v", entry)
	}
}

func TestHandle_RedeliveryAppendsNothing(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	payload := taskEventPayload(t, "corr-1")
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("second delivery returned error: %v", err)
	}
	if len(repo.byCorrelation) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(repo.byCorrelation))
	}
}

func TestHandle_RejectsMalformedAndForeignEvents(t *testing.T) {
	svc := NewService(newFakeRepository())

	if err := svc.Handle(context.Background(), []byte("{broken")); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}

	// A sync envelope on the task event stream is a producer bug; Term it.
	env, _ := contracts.NewSyncEnvelope("user-1", contracts.SyncChange{TaskID: "task-1"})
	data, _ := json.Marshal(env)
	if err := svc.Handle(context.Background(), data); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

func TestHandle_RepositoryFailureSurfaces(t *testing.T) {
	repo := newFakeRepository()
	repo.err = errors.New("db down")
	svc := NewService(repo)

	if err := svc.Handle(context.Background(), taskEventPayload(t, "corr-1")); err == nil {
		t.Fatal("repository failure must surface so the broker redelivers")
	}
}
