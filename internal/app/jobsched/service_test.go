package jobsched

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestService(invoke InvokeFunc) (*Service, *time.Time) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc := NewService(invoke)
	svc.Now = func() time.Time { return now }
	svc.Logf = func(string, ...any) {}
	return svc, &now
}

func mustSchedule(t *testing.T, svc *Service, name string, dueAt time.Time) Job {
	t.Helper()
	job, err := svc.Schedule(ScheduleRequest{
		Name:        name,
		DueAt:       dueAt,
		CallbackURL: "http://callee/due",
		Payload:     json.RawMessage(`{"reminder_id":"rem-1"}`),
	})
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	return job
}

func TestDispatchDue_InvokesAndRemoves(t *testing.T) {
	var invoked []string
	svc, now := newTestService(func(_ context.Context, job Job, attempt int, final bool) error {
		invoked = append(invoked, job.Name)
		if attempt != 1 || final {
			t.Errorf("unexpected attempt bookkeeping: attempt=%d final=%v", attempt, final)
		}
		return nil
	})

	mustSchedule(t, svc, "reminder-rem-1", now.Add(time.Minute))
	mustSchedule(t, svc, "reminder-rem-2", now.Add(time.Hour))

	*now = now.Add(2 * time.Minute)
	svc.DispatchDue(context.Background())

	if len(invoked) != 1 || invoked[0] != "reminder-rem-1" {
		t.Fatalf("expected only the due job to fire, got %v", invoked)
	}
	if _, ok := svc.Lookup("reminder-rem-1"); ok {
		t.Fatal("delivered job must be removed")
	}
	if _, ok := svc.Lookup("reminder-rem-2"); !ok {
		t.Fatal("future job must remain")
	}
}

func TestDispatchDue_RetriesWithBackoffThenDies(t *testing.T) {
	calls := 0
	var sawFinal bool
	svc, now := newTestService(func(_ context.Context, _ Job, _ int, final bool) error {
		calls++
		sawFinal = final
		return errors.New("callee down")
	})
	svc.MaxAttempts = 3
	svc.Backoff = func(int) time.Duration { return time.Minute }

	mustSchedule(t, svc, "reminder-rem-1", now.Add(time.Second))

	for i := 0; i < 5; i++ {
		*now = now.Add(2 * time.Minute)
		svc.DispatchDue(context.Background())
	}

	if calls != 3 {
		t.Fatalf("expected exactly MaxAttempts invocations, got %d", calls)
	}
	if !sawFinal {
		t.Fatal("last invocation must carry the final flag")
	}
	job, ok := svc.Lookup("reminder-rem-1")
	if !ok || !job.Dead {
		t.Fatalf("exhausted job must remain as dead, got %+v ok=%v", job, ok)
	}
}

func TestSchedule_SameNameReplaces(t *testing.T) {
	var invoked int
	var svc *Service
	var now *time.Time
	svc, now = newTestService(func(_ context.Context, job Job, _ int, _ bool) error {
		invoked++
		if !job.DueAt.Equal(now.Add(-time.Minute)) {
			// The replacement due time is what fires, not the original.
			t.Errorf("unexpected due time: %v", job.DueAt)
		}
		return nil
	})

	first := mustSchedule(t, svc, "reminder-rem-1", now.Add(time.Minute))
	second := mustSchedule(t, svc, "reminder-rem-1", now.Add(time.Hour))
	if first.ID == second.ID {
		t.Fatal("reschedule must produce a fresh job id")
	}

	*now = now.Add(61 * time.Minute)
	svc.DispatchDue(context.Background())
	if invoked != 1 {
		t.Fatalf("expected exactly one invocation, got %d", invoked)
	}
}

func TestCancel_StopsPendingJob(t *testing.T) {
	svc, now := newTestService(func(context.Context, Job, int, bool) error {
		t.Fatal("cancelled job must not fire")
		return nil
	})
	mustSchedule(t, svc, "reminder-rem-1", now.Add(time.Minute))

	if !svc.Cancel("reminder-rem-1") {
		t.Fatal("expected cancel to report removal")
	}
	if svc.Cancel("reminder-rem-1") {
		t.Fatal("second cancel must report nothing removed")
	}

	*now = now.Add(time.Hour)
	svc.DispatchDue(context.Background())
}

func TestSchedule_Validation(t *testing.T) {
	svc, now := newTestService(func(context.Context, Job, int, bool) error { return nil })

	cases := []struct {
		name string
		req  ScheduleRequest
		want error
	}{
		{"missing name", ScheduleRequest{DueAt: now.Add(time.Hour), CallbackURL: "http://x"}, ErrNameRequired},
		{"missing callback", ScheduleRequest{Name: "j", DueAt: now.Add(time.Hour)}, ErrCallbackRequired},
		{"past due", ScheduleRequest{Name: "j", DueAt: now.Add(-time.Hour), CallbackURL: "http://x"}, ErrDueInPast},
		{"repeats", ScheduleRequest{Name: "j", DueAt: now.Add(time.Hour), CallbackURL: "http://x", Repeats: 3}, ErrRepeatsUnsupported},
	}
	for _, tc := range cases {
		if _, err := svc.Schedule(tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestPurgeDead(t *testing.T) {
	svc, now := newTestService(func(context.Context, Job, int, bool) error {
		return errors.New("always fails")
	})
	svc.MaxAttempts = 1

	mustSchedule(t, svc, "reminder-rem-1", now.Add(time.Second))
	*now = now.Add(time.Minute)
	svc.DispatchDue(context.Background())

	if purged := svc.PurgeDead(time.Hour); purged != 0 {
		t.Fatalf("fresh dead job must survive the janitor, purged %d", purged)
	}
	*now = now.Add(2 * time.Hour)
	if purged := svc.PurgeDead(time.Hour); purged != 1 {
		t.Fatalf("expected one purged job, got %d", purged)
	}
}
