package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/models"
)

func TestUserRepository_GetByIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id = ANY\\(\\$1\\)").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "platform", "username", "display_name", "profile_data", "contacted", "created_at",
		}).
			AddRow(1, "instagram", "alice", "Alice A.", `{"city":"Lisbon","followers":1200}`, false, now).
			AddRow(2, "instagram", "bob", nil, `{}`, true, now))

	users, err := repo.GetByIDs(context.Background(), []int64{2, 1})
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "Alice A.", users[0].Name())
	assert.Equal(t, "Lisbon", users[0].ProfileData["city"])
	assert.Equal(t, "bob", users[1].Name())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByIDs_Empty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	users, err := repo.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepository_MemberIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepository(db)

	mock.ExpectQuery("SELECT user_id FROM user_group_members WHERE group_id = \\$1 ORDER BY id").
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(9).AddRow(3).AddRow(5))

	ids, err := repo.MemberIDs(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 3, 5}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM message_templates WHERE id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "content", "platform", "variables", "is_default", "is_active", "created_at", "updated_at",
		}).AddRow(3, "Intro", "Hi {username}, {custom}!", "instagram", "{username,custom}", true, true, now, now))

	tpl, err := repo.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"username", "custom"}, tpl.Variables)
	assert.Equal(t, models.PlatformInstagram, tpl.Platform)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM message_templates").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(int64(1), int64(2), int64(3), "Hi alice", models.MessageStatusSent,
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(44, now))

	msg := &models.Message{
		TaskID:      1,
		UserID:      2,
		TemplateID:  3,
		Content:     "Hi alice",
		Status:      models.MessageStatusSent,
		SentAt:      &now,
		DeliveredAt: &now,
	}
	require.NoError(t, repo.Create(context.Background(), msg))
	assert.Equal(t, int64(44), msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSystemConfigRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSystemConfigRepository(db)

	mock.ExpectQuery("SELECT value FROM system_configs WHERE key = \\$1").
		WithArgs("INSTAGRAM_COOKIES").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`[{"name":"sessionid","value":"abc"}]`))
	mock.ExpectQuery("SELECT value FROM system_configs WHERE key = \\$1").
		WithArgs("MISSING").
		WillReturnError(sql.ErrNoRows)

	value, err := repo.Get(context.Background(), "INSTAGRAM_COOKIES")
	require.NoError(t, err)
	assert.Contains(t, value, "sessionid")

	_, err = repo.Get(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}
