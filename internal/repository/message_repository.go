package repository

import (
	"context"
	"database/sql"
	"fmt"

	"outreach/internal/models"
)

type messageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new delivery record repository
func NewMessageRepository(db *sql.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create appends a delivery record
func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	query := `
		INSERT INTO messages (task_id, user_id, template_id, content, status, sent_at, delivered_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		message.TaskID,
		message.UserID,
		message.TemplateID,
		message.Content,
		message.Status,
		message.SentAt,
		message.DeliveredAt,
		message.ErrorMessage,
	).Scan(&message.ID, &message.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// ListByTask retrieves all delivery records written for a task
func (r *messageRepository) ListByTask(ctx context.Context, taskID int64) ([]*models.Message, error) {
	query := `
		SELECT id, task_id, user_id, template_id, content, status, sent_at, delivered_at, error_message, created_at
		FROM messages
		WHERE task_id = $1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages by task: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		message := &models.Message{}
		err := rows.Scan(
			&message.ID,
			&message.TaskID,
			&message.UserID,
			&message.TemplateID,
			&message.Content,
			&message.Status,
			&message.SentAt,
			&message.DeliveredAt,
			&message.ErrorMessage,
			&message.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
