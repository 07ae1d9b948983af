package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorhub/notification-engine/internal/domain"
)

const notificationColumns = `id, correlation_id, user_id, channel, recipient_address,
	       type, title, message, html_message, template_name, context,
	       priority, status, idempotency_key, retry_count, max_retries,
	       last_error, last_error_at, scheduled_at, sent_at, delivered_at,
	       created_at, updated_at`

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, correlation_id, user_id, channel, recipient_address,
			 type, title, message, html_message, template_name, context,
			 priority, status, idempotency_key, retry_count, max_retries,
			 scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		n.ID, n.CorrelationID, n.UserID, n.Channel, n.RecipientAddress,
		n.Type, n.Title, n.Message, n.HTMLMessage, n.TemplateName, n.Context,
		n.Priority, n.Status, n.IdempotencyKey, n.RetryCount, n.MaxRetries,
		n.ScheduledAt, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idempotency_key") {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications WHERE id = $1`, id)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications WHERE idempotency_key = $1`, key)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) ListForUser(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM notifications" + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	// Append pagination args after the WHERE args.
	args = append(args, f.Limit, f.Offset)
	limitPlaceholder := fmt.Sprintf("$%d", len(args)-1)
	offsetPlaceholder := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(`
		SELECT `+notificationColumns+`
		FROM notifications%s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s`, where, limitPlaceholder, offsetPlaceholder)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	return notifications, total, err
}

func (r *pgNotificationRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	return err
}

func (r *pgNotificationRepository) MarkSending(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'sending', updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (r *pgNotificationRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'sent', sent_at = $1, last_error = NULL, updated_at = NOW()
		WHERE id = $2`, sentAt, id)
	return err
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', last_error = $1, last_error_at = $2, updated_at = NOW()
		WHERE id = $3`, errMsg, at, id)
	return err
}

func (r *pgNotificationRepository) RecordRetry(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', retry_count = $1, last_error = $2, last_error_at = $3, updated_at = NOW()
		WHERE id = $4`, retryCount, errMsg, at, id)
	return err
}

func (r *pgNotificationRepository) MarkRetrying(ctx context.Context, id string, retryCount int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'sending', retry_count = $1, updated_at = NOW()
		WHERE id = $2`, retryCount, id)
	return err
}

func (r *pgNotificationRepository) Cancel(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *pgNotificationRepository) CountByStatus(ctx context.Context, userID int64) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM notifications
		WHERE user_id = $1
		GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ---- helpers ----

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID, &n.CorrelationID, &n.UserID, &n.Channel, &n.RecipientAddress,
		&n.Type, &n.Title, &n.Message, &n.HTMLMessage, &n.TemplateName, &n.Context,
		&n.Priority, &n.Status, &n.IdempotencyKey, &n.RetryCount, &n.MaxRetries,
		&n.LastError, &n.LastErrorAt, &n.ScheduledAt, &n.SentAt, &n.DeliveredAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	add("user_id = $%d", f.UserID)
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Type != nil {
		add("type = $%d", *f.Type)
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}
