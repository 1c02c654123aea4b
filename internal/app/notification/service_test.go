package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/sharding"
)

type fakeRepository struct {
	byCorrelation map[string]Notification
	err           error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byCorrelation: map[string]Notification{}}
}

func (f *fakeRepository) Insert(_ context.Context, n Notification) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, exists := f.byCorrelation[n.CorrelationID]; exists {
		return false, nil
	}
	f.byCorrelation[n.CorrelationID] = n
	return true, nil
}

func duePayload(t *testing.T, correlationID string) []byte {
	t.Helper()
	env, err := contracts.NewReminderDueEnvelope(contracts.ReminderDue{
		ReminderID: "rem-1",
		TaskID:     "task-1",
		UserID:     "user-1",
		Title:      "Buy Milk",
		RemindAt:   time.Date(2026, 3, 1, 8, 45, 0, 0, time.UTC),
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

func TestHandle_CreatesNotificationAndPublishesSync(t *testing.T) {
	repo := newFakeRepository()
	var gotSubject string
	var gotPayload []byte
	svc := NewService(repo, func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	})
	svc.NewID = func() string { return "notif-1" }
	svc.Logf = func(string, ...any) {}

	if err := svc.Handle(context.Background(), duePayload(t, "due-rem-1")); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	n, ok := repo.byCorrelation["due-rem-1"]
	if !ok {
		t.Fatal("notification not persisted")
	}
	if n.UserID != "user-1" || n.TaskID != "task-1" || n.Message != "Reminder: Buy Milk" {
		t.Fatalf("unexpected notification: %+v", n)
	}

	if want := sharding.UpdateSubject("user-1"); gotSubject != want {
		t.Fatalf("sync subject mismatch: got %q want %q", gotSubject, want)
	}
	syncEnv, err := contracts.Decode(gotPayload)
	if err != nil {
		t.Fatalf("sync payload is not a valid envelope: %v", err)
	}
	if syncEnv.EventType != contracts.EventSync || syncEnv.CorrelationID != "sync-due-rem-1" {
		t.Fatalf("unexpected sync envelope: %+v", syncEnv)
	}
	change, err := syncEnv.SyncChange()
	if err != nil {
		t.Fatalf("sync change decode failed: %v", err)
	}
	if change.Kind != "notification" || change.TaskID != "task-1" {
		t.Fatalf("unexpected sync change: %+v", change)
	}
}

func TestHandle_DuplicateDeliveryCreatesOneNotification(t *testing.T) {
	repo := newFakeRepository()
	published := 0
	svc := NewService(repo, func(string, []byte) error {
		published++
		return nil
	})
	svc.Logf = func(string, ...any) {}

	payload := duePayload(t, "due-rem-1")
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("second delivery returned error: %v", err)
	}

	if len(repo.byCorrelation) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(repo.byCorrelation))
	}
	// The sync push still goes out on the duplicate, covering a crash
	// between the first insert and its publish.
	if published != 2 {
		t.Fatalf("expected sync published per delivery, got %d", published)
	}
}

func TestHandle_InsertFailureSurfacesForRedelivery(t *testing.T) {
	repo := newFakeRepository()
	repo.err = errors.New("db down")
	published := 0
	svc := NewService(repo, func(string, []byte) error {
		published++
		return nil
	})

	if err := svc.Handle(context.Background(), duePayload(t, "due-rem-1")); err == nil {
		t.Fatal("insert failure must surface so the broker redelivers")
	}
	if published != 0 {
		t.Fatal("no sync envelope may precede a persisted notification")
	}
}

func TestHandle_RejectsBadInput(t *testing.T) {
	svc := NewService(newFakeRepository(), func(string, []byte) error { return nil })

	if err := svc.Handle(context.Background(), []byte("{broken")); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}

	env, _ := contracts.NewSyncEnvelope("user-1", contracts.SyncChange{TaskID: "task-1"})
	data, _ := json.Marshal(env)
	if err := svc.Handle(context.Background(), data); !errors.Is(err, ErrUnsupportedEventType) {
		t.Fatalf("expected ErrUnsupportedEventType, got %v", err)
	}
}
