package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"outreach/internal/models"
)

type templateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new message template repository
func NewTemplateRepository(db *sql.DB) TemplateRepository {
	return &templateRepository{db: db}
}

// Create creates a new template
func (r *templateRepository) Create(ctx context.Context, template *models.MessageTemplate) error {
	query := `
		INSERT INTO message_templates (name, content, platform, variables, is_default, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		template.Name,
		template.Content,
		template.Platform,
		pq.Array(template.Variables),
		template.IsDefault,
		template.IsActive,
	).Scan(&template.ID, &template.CreatedAt, &template.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	return nil
}

// GetByID retrieves a template by ID
func (r *templateRepository) GetByID(ctx context.Context, id int64) (*models.MessageTemplate, error) {
	query := `
		SELECT id, name, content, platform, variables, is_default, is_active, created_at, updated_at
		FROM message_templates
		WHERE id = $1
	`

	template := &models.MessageTemplate{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&template.ID,
		&template.Name,
		&template.Content,
		&template.Platform,
		pq.Array(&template.Variables),
		&template.IsDefault,
		&template.IsActive,
		&template.CreatedAt,
		&template.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return template, nil
}
