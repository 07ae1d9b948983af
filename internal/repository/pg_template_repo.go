package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorhub/notification-engine/internal/domain"
)

type pgTemplateRepository struct {
	pool *pgxpool.Pool
}

// NewPgTemplateRepository returns a TemplateRepository backed by PostgreSQL.
func NewPgTemplateRepository(pool *pgxpool.Pool) TemplateRepository {
	return &pgTemplateRepository{pool: pool}
}

func (r *pgTemplateRepository) GetActive(ctx context.Context, name string, channel domain.Channel) (*domain.Template, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, type, channel, language,
		       subject_template, body_template, html_template,
		       is_active, created_at, updated_at
		FROM notification_templates
		WHERE name = $1 AND channel = $2 AND is_active = TRUE`, name, channel)

	var t domain.Template
	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &t.Channel, &t.Language,
		&t.SubjectTemplate, &t.BodyTemplate, &t.HTMLTemplate,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
