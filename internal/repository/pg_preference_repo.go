package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorhub/notification-engine/internal/domain"
)

type pgPreferenceRepository struct {
	pool *pgxpool.Pool
}

// NewPgPreferenceRepository returns a PreferenceRepository backed by PostgreSQL.
func NewPgPreferenceRepository(pool *pgxpool.Pool) PreferenceRepository {
	return &pgPreferenceRepository{pool: pool}
}

func (r *pgPreferenceRepository) Get(ctx context.Context, userID int64, t domain.Type) (*domain.Preference, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, notification_type,
		       chat_enabled, email_enabled, push_enabled, sms_enabled,
		       quiet_hours_start, quiet_hours_end, timezone,
		       digest_mode, min_interval_minutes, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1 AND notification_type = $2`, userID, t)

	var p domain.Preference
	err := row.Scan(
		&p.ID, &p.UserID, &p.Type,
		&p.ChatEnabled, &p.EmailEnabled, &p.PushEnabled, &p.SMSEnabled,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone,
		&p.DigestMode, &p.MinIntervalMinutes, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
