package repository

import (
	"context"
	"time"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// NotificationRepository defines all persistence operations for notification
// requests. The pgx implementation is in pg_notification_repo.go.
// Tests use a hand-written mock (mock_notification_repo.go).
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error)
	ListForUser(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error
	RecordRetry(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error
	MarkRetrying(ctx context.Context, id string, retryCount int) error
	Cancel(ctx context.Context, id string) error
	CountByStatus(ctx context.Context, userID int64) (map[domain.Status]int, error)
}

// TemplateRepository answers template lookups for the renderer.
type TemplateRepository interface {
	// GetActive returns the active template matching (name, channel) exactly.
	// A missing or inactive template yields domain.ErrNotFound; callers
	// degrade to literal content rather than failing the request.
	GetActive(ctx context.Context, name string, channel domain.Channel) (*domain.Template, error)
}

// PreferenceRepository answers consent lookups.
type PreferenceRepository interface {
	// Get returns the preference row for (userID, type), or
	// domain.ErrNotFound when the user never set one.
	Get(ctx context.Context, userID int64, t domain.Type) (*domain.Preference, error)
}
