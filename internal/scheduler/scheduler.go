// Package scheduler holds future-dated deliveries in a time-ordered store
// and sweeps them to the delivery engine when they come due. One sweep loop
// runs per process; singleton execution is a deployment guarantee, not
// something this package enforces.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxRecurringOccurrences caps eager expansion of a recurring series, a
// safety valve against misconfigured infinite schedules. Longer series are
// truncated with a warning rather than rejected: the first thousand are
// already durably stored by the time the cap is hit.
const MaxRecurringOccurrences = 1000

// HandleFunc receives a due task from the sweep. A non-nil error means the
// handoff itself failed and the task must stay in the store for the next
// tick; a delivery that fails after a successful handoff is the engine's
// business, not the scheduler's.
type HandleFunc func(ctx context.Context, task *Task) error

type Scheduler struct {
	store      Store
	interval   time.Duration
	backoffMax time.Duration
	logger     *zap.Logger
}

func New(store Store, interval, backoffMax time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		interval:   interval,
		backoffMax: backoffMax,
		logger:     logger,
	}
}

// Schedule inserts a task due at dueAt. A dueAt in the past is accepted and
// picked up by the next sweep. taskID, when empty, is generated; callers
// pass their correlation id to make cancellation idempotent.
func (s *Scheduler) Schedule(ctx context.Context, payload TaskPayload, dueAt time.Time, taskID string) (string, error) {
	if taskID == "" {
		taskID = uuid.New().String()
	}

	task := &Task{ID: taskID, DueAt: dueAt.UTC(), Payload: payload}
	if err := s.store.Add(ctx, task); err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}

	s.logger.Info("task scheduled",
		zap.String("task_id", taskID),
		zap.Time("due_at", task.DueAt),
	)
	return taskID, nil
}

// Cancel removes a pending task. Returns false when the task is unknown or
// already swept — cancellation racing the sweep is expected and harmless.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	removed, err := s.store.Remove(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	if removed {
		s.logger.Info("task cancelled", zap.String("task_id", taskID))
	}
	return removed, nil
}

// ListDue returns every task due at or before asOf, earliest first.
func (s *Scheduler) ListDue(ctx context.Context, asOf time.Time) ([]*Task, error) {
	return s.store.Due(ctx, asOf)
}

// Range returns tasks due within [from, to].
func (s *Scheduler) Range(ctx context.Context, from, to time.Time) ([]*Task, error) {
	return s.store.Range(ctx, from, to)
}

// Stats returns pending and overdue task counts.
func (s *Scheduler) Stats(ctx context.Context) (total, overdue int64, err error) {
	return s.store.Stats(ctx, time.Now().UTC())
}

// ScheduleRecurring eagerly expands a recurring series into individual
// tasks: one at start, then every interval, stopping at end (when set),
// maxOccurrences (when positive), or the MaxRecurringOccurrences cap.
// Each occurrence's payload carries its 1-based sequence number.
func (s *Scheduler) ScheduleRecurring(
	ctx context.Context,
	payload TaskPayload,
	start time.Time,
	interval time.Duration,
	end *time.Time,
	maxOccurrences int,
) ([]string, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("recurring interval must be positive, got %v", interval)
	}

	var taskIDs []string
	current := start
	for occurrence := 0; ; occurrence++ {
		if end != nil && current.After(*end) {
			break
		}
		if maxOccurrences > 0 && occurrence >= maxOccurrences {
			break
		}
		if occurrence >= MaxRecurringOccurrences {
			s.logger.Warn("recurring series truncated",
				zap.Int("cap", MaxRecurringOccurrences),
				zap.Time("start", start),
			)
			break
		}

		p := payload
		p.Sequence = occurrence + 1
		p.Total = maxOccurrences

		taskID := fmt.Sprintf("recurring_%d_%d", start.Unix(), occurrence+1)
		if _, err := s.Schedule(ctx, p, current, taskID); err != nil {
			return taskIDs, err
		}
		taskIDs = append(taskIDs, taskID)
		current = current.Add(interval)
	}

	s.logger.Info("recurring series scheduled", zap.Int("occurrences", len(taskIDs)))
	return taskIDs, nil
}

// Run executes the sweep loop until ctx is cancelled. When the store is
// unavailable the wait doubles up to backoffMax instead of crashing the
// process; a successful sweep resets it.
func (s *Scheduler) Run(ctx context.Context, handler HandleFunc) {
	s.logger.Info("scheduler sweep loop started", zap.Duration("interval", s.interval))

	wait := s.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler sweep loop stopping")
			return
		case <-timer.C:
			if err := s.Sweep(ctx, handler); err != nil {
				wait = min(wait*2, s.backoffMax)
				s.logger.Error("sweep failed, backing off",
					zap.Duration("next_attempt_in", wait),
					zap.Error(err),
				)
			} else {
				wait = s.interval
			}
			timer.Reset(wait)
		}
	}
}

// Sweep performs one tick: query due tasks, hand each to the handler in due
// order, and remove a task only after its handoff returns. A task whose
// handoff fails stays in the store for the next tick — at-least-once, never
// at-most-once.
func (s *Scheduler) Sweep(ctx context.Context, handler HandleFunc) error {
	due, err := s.store.Due(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("query due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Info("processing due tasks", zap.Int("count", len(due)))

	for _, task := range due {
		if err := handler(ctx, task); err != nil {
			s.logger.Error("task handoff failed, leaving in store",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			continue
		}
		if _, err := s.store.Remove(ctx, task.ID); err != nil {
			s.logger.Error("failed to remove handed-off task",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
