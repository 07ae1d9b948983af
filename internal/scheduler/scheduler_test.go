package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/scheduler"
)

func newScheduler() (*scheduler.Scheduler, *scheduler.MemoryStore) {
	store := scheduler.NewMemoryStore()
	return scheduler.New(store, time.Second, time.Minute, zap.NewNop()), store
}

func collectHandler(handled *[]string) scheduler.HandleFunc {
	return func(_ context.Context, task *scheduler.Task) error {
		*handled = append(*handled, task.ID)
		return nil
	}
}

func TestScheduler_SweepDispatchesDueTasks(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Schedule(ctx, scheduler.TaskPayload{NotificationID: "a"}, now.Add(-time.Minute), "past"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.Schedule(ctx, scheduler.TaskPayload{NotificationID: "b"}, now.Add(time.Hour), "future"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	var handled []string
	if err := s.Sweep(ctx, collectHandler(&handled)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(handled) != 1 || handled[0] != "past" {
		t.Fatalf("expected only the past-due task, got %v", handled)
	}

	// The handled task is gone; the future one remains.
	total, overdue, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if total != 1 || overdue != 0 {
		t.Fatalf("expected total=1 overdue=0, got total=%d overdue=%d", total, overdue)
	}
}

func TestScheduler_SweepOrdersByDueTime(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()
	now := time.Now()

	// Inserted out of order; equal due times keep insertion order.
	_, _ = s.Schedule(ctx, scheduler.TaskPayload{}, now.Add(-time.Second), "third-a")
	_, _ = s.Schedule(ctx, scheduler.TaskPayload{}, now.Add(-time.Minute), "first")
	_, _ = s.Schedule(ctx, scheduler.TaskPayload{}, now.Add(-time.Second), "third-b")
	_, _ = s.Schedule(ctx, scheduler.TaskPayload{}, now.Add(-30*time.Second), "second")

	var handled []string
	if err := s.Sweep(ctx, collectHandler(&handled)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	want := []string{"first", "second", "third-a", "third-b"}
	if len(handled) != len(want) {
		t.Fatalf("expected %d tasks, got %v", len(want), handled)
	}
	for i := range want {
		if handled[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, handled)
		}
	}
}

func TestScheduler_FailedHandoffKeepsTask(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()

	_, _ = s.Schedule(ctx, scheduler.TaskPayload{NotificationID: "n1"}, time.Now().Add(-time.Minute), "stuck")

	calls := 0
	failing := func(_ context.Context, _ *scheduler.Task) error {
		calls++
		return errors.New("engine unavailable")
	}
	if err := s.Sweep(ctx, failing); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 handoff attempt, got %d", calls)
	}

	// Task survived the failed handoff and is delivered on the next tick.
	var handled []string
	if err := s.Sweep(ctx, collectHandler(&handled)); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(handled) != 1 || handled[0] != "stuck" {
		t.Fatalf("expected retry of the same task, got %v", handled)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()

	taskID, err := s.Schedule(ctx, scheduler.TaskPayload{NotificationID: "n1"}, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected a generated task id")
	}

	removed, err := s.Cancel(ctx, taskID)
	if err != nil || !removed {
		t.Fatalf("expected cancel to remove the task, removed=%v err=%v", removed, err)
	}

	// Cancelling again is a no-op, not an error.
	removed, err = s.Cancel(ctx, taskID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if removed {
		t.Fatal("expected second cancel to report not found")
	}

	var handled []string
	_ = s.Sweep(ctx, collectHandler(&handled))
	if len(handled) != 0 {
		t.Fatalf("cancelled task must never fire, got %v", handled)
	}
}

func TestScheduler_SweepReportsStoreError(t *testing.T) {
	store := scheduler.NewMemoryStore()
	s := scheduler.New(store, time.Second, time.Minute, zap.NewNop())
	store.DueErr = errors.New("store down")

	err := s.Sweep(context.Background(), collectHandler(new([]string)))
	if err == nil {
		t.Fatal("expected sweep to surface the store error")
	}
}

func TestScheduler_ScheduleRecurring(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()
	start := time.Now().Add(-3 * time.Minute)

	taskIDs, err := s.ScheduleRecurring(ctx, scheduler.TaskPayload{NotificationID: "series"}, start, time.Minute, nil, 3)
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}
	if len(taskIDs) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(taskIDs))
	}

	tasks, err := s.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 due tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.Payload.Sequence != i+1 {
			t.Fatalf("occurrence %d: expected sequence %d, got %d", i, i+1, task.Payload.Sequence)
		}
		if task.Payload.Total != 3 {
			t.Fatalf("expected total 3, got %d", task.Payload.Total)
		}
		wantDue := start.Add(time.Duration(i) * time.Minute).UTC()
		if !task.DueAt.Equal(wantDue) {
			t.Fatalf("occurrence %d: expected due %v, got %v", i, wantDue, task.DueAt)
		}
	}
}

func TestScheduler_ScheduleRecurring_EndBound(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()
	start := time.Now().Add(time.Hour)
	end := start.Add(2 * time.Minute)

	taskIDs, err := s.ScheduleRecurring(ctx, scheduler.TaskPayload{}, start, time.Minute, &end, 0)
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}
	// start, +1m, +2m; +3m lands past end.
	if len(taskIDs) != 3 {
		t.Fatalf("expected 3 occurrences before end, got %d", len(taskIDs))
	}
}

func TestScheduler_ScheduleRecurring_RejectsBadInterval(t *testing.T) {
	s, _ := newScheduler()
	if _, err := s.ScheduleRecurring(context.Background(), scheduler.TaskPayload{}, time.Now(), 0, nil, 5); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
}

func TestScheduler_Range(t *testing.T) {
	s, _ := newScheduler()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Schedule(ctx, scheduler.TaskPayload{}, now.Add(time.Hour), "in-window")
	_, _ = s.Schedule(ctx, scheduler.TaskPayload{}, now.Add(48*time.Hour), "out-of-window")

	tasks, err := s.Range(ctx, now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "in-window" {
		t.Fatalf("expected only the in-window task, got %v", tasks)
	}
}
