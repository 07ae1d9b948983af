package scheduler

import (
	"context"
	"time"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// TaskPayload is what a scheduled task carries. Exactly one of
// NotificationID (re-deliver an existing stored request, used for retries)
// or Request (create and deliver a new one) is set.
type TaskPayload struct {
	NotificationID string              `json:"notification_id,omitempty"`
	Request        *domain.SendRequest `json:"request,omitempty"`

	// Recurring series bookkeeping: 1-based occurrence number and the
	// total the caller asked for.
	Sequence int `json:"sequence,omitempty"`
	Total    int `json:"total,omitempty"`
}

// Task is the durable representation of a future delivery.
type Task struct {
	ID      string      `json:"id"`
	DueAt   time.Time   `json:"due_at"`
	Seq     uint64      `json:"seq"`
	Payload TaskPayload `json:"payload"`
}

// Store is the time-ordered structure holding pending tasks.
//
// Implementations must keep insert and remove atomic with respect to Due:
// a concurrent sweep and cancel may race, but a task is never observed
// twice and never becomes permanently invisible. Due and Range return
// tasks ascending by due time, then by insertion order (Seq) for ties.
type Store interface {
	// Add inserts the task and assigns its insertion sequence number.
	Add(ctx context.Context, t *Task) error
	// Remove deletes the task if still present; returns false (not an
	// error) when it is already gone.
	Remove(ctx context.Context, id string) (bool, error)
	// Due returns every task with DueAt <= asOf.
	Due(ctx context.Context, asOf time.Time) ([]*Task, error)
	// Range returns every task with from <= DueAt <= to.
	Range(ctx context.Context, from, to time.Time) ([]*Task, error)
	// Stats returns the total pending count and how many are overdue.
	Stats(ctx context.Context, asOf time.Time) (total, overdue int64, err error)
}
