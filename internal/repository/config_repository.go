package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type systemConfigRepository struct {
	db *sql.DB
}

// NewSystemConfigRepository creates a new system config repository
func NewSystemConfigRepository(db *sql.DB) SystemConfigRepository {
	return &systemConfigRepository{db: db}
}

// Get returns the value stored under key
func (r *systemConfigRepository) Get(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT value FROM system_configs WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value.String, nil
}
