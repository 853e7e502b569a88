package service

import (
	"context"

	"outreach/internal/models"
	"outreach/internal/repository"
)

// orderedUsers fetches users and returns them in the order of ids.
// IDs without a user row are dropped; duplicates are kept once.
func orderedUsers(ctx context.Context, users repository.UserRepository, ids []int64) ([]*models.User, error) {
	found, err := users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.User, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}

	ordered := make([]*models.User, 0, len(found))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			ordered = append(ordered, u)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// dedupe keeps the first occurrence of every id
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
