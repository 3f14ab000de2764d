package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

func newUserRepo(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewUserRepository(NewSingleConnectionManager(db)), mock
}

func TestUserRepositoryCreateDuplicateIdentity(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &directory.User{
		ID:         "u-1",
		OrgID:      "org-1",
		Provider:   "saml",
		ExternalID: "ext-1",
		Email:      "jdoe@example.com",
		Role:       directory.RoleMember,
	})
	assert.ErrorIs(t, err, directory.ErrDuplicateIdentity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreateSetsVersion(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(0, 1))

	user := &directory.User{ID: "u-1", OrgID: "org-1", Provider: "saml", ExternalID: "ext-1"}
	require.NoError(t, repo.Create(context.Background(), user))
	assert.Equal(t, int64(1), user.Version)
	assert.False(t, user.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryGetByIDNotFound(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs("u-missing", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "org-1", "u-missing")
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func userRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "org_id", "provider", "external_id", "username", "email", "email_verified",
		"display_name", "role", "groups", "active", "metadata", "version",
		"created_at", "updated_at", "last_login_at",
	}).AddRow("u-1", "org-1", "saml", "ext-1", "jdoe", "jdoe@example.com", true,
		"Jane Doe", "member", `["engineering"]`, true, `{"dept":"eng"}`, 3, now, now, nil)
}

func TestUserRepositoryGetByExternalID(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE provider").
		WithArgs("saml", "ext-1").
		WillReturnRows(userRows())

	user, err := repo.GetByExternalID(context.Background(), "saml", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, []string{"engineering"}, user.Groups)
	assert.Equal(t, map[string]string{"dept": "eng"}, user.Metadata)
	assert.Equal(t, int64(3), user.Version)
	assert.Nil(t, user.LastLoginAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdateVersionConflict(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectQuery("UPDATE users").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.Update(context.Background(), &directory.User{ID: "u-1", Version: 2})
	assert.ErrorIs(t, err, directory.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdateMissingUser(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectQuery("UPDATE users").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u-gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.Update(context.Background(), &directory.User{ID: "u-gone", Version: 1})
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdateBumpsVersion(t *testing.T) {
	repo, mock := newUserRepo(t)

	now := time.Now()
	mock.ExpectQuery("UPDATE users").
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(3, now))

	user := &directory.User{ID: "u-1", Version: 2}
	require.NoError(t, repo.Update(context.Background(), user))
	assert.Equal(t, int64(3), user.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
