package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"outreach/internal/models"
)

type groupRepository struct {
	db *sql.DB
}

// NewGroupRepository creates a new user group repository
func NewGroupRepository(db *sql.DB) GroupRepository {
	return &groupRepository{db: db}
}

// GetByIDs retrieves the groups matching the given IDs
func (r *groupRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.UserGroup, error) {
	if len(ids) == 0 {
		return []*models.UserGroup{}, nil
	}

	query := `
		SELECT id, name, description, created_at
		FROM user_groups
		WHERE id = ANY($1)
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get groups: %w", err)
	}
	defer rows.Close()

	groups := []*models.UserGroup{}
	for rows.Next() {
		group := &models.UserGroup{}
		if err := rows.Scan(&group.ID, &group.Name, &group.Description, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	return groups, nil
}

// MemberIDs returns the user IDs of a group in the order they joined
func (r *groupRepository) MemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	query := `
		SELECT user_id
		FROM user_group_members
		WHERE group_id = $1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group members: %w", err)
	}

	return ids, nil
}
