package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sso/gatehouse/pkg/certs"
	"github.com/gatehouse-sso/gatehouse/pkg/session"
)

func newSessionRepo(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSessionRepository(NewSingleConnectionManager(db)), mock
}

func TestSessionRepositoryRevokeWinner(t *testing.T) {
	repo, mock := newSessionRepo(t)

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.Revoke(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryRevokeAlreadyTerminal(t *testing.T) {
	repo, mock := newSessionRepo(t)

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Revoke(context.Background(), "s-1")
	require.NoError(t, err)
	assert.False(t, won, "a terminal session cannot be revoked twice")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryExtendExpiryNotActive(t *testing.T) {
	repo, mock := newSessionRepo(t)

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ExtendExpiry(context.Background(), "s-1", time.Now(), time.Now())
	assert.ErrorIs(t, err, session.ErrNotActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryGetRestoresIdleTimeout(t *testing.T) {
	repo, mock := newSessionRepo(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "org_id", "provider", "mfa_verified", "idle_timeout_ms",
		"status", "created_at", "expires_at", "absolute_expires_at", "last_activity_at", "revoked_at",
	}).AddRow("s-1", "u-1", "org-1", "saml", true, int64(900000),
		"active", now, now.Add(15*time.Minute), now.Add(8*time.Hour), now, nil)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("s-1").
		WillReturnRows(rows)

	s, err := repo.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, s.IdleTimeout)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.True(t, s.MFAVerified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCertificateRepositoryPromoteNoSecondary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCertificateRepository(NewSingleConnectionManager(db))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM certificates").
		WithArgs("org-1", string(certs.RoleSecondary)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err = repo.Promote(context.Background(), "org-1", time.Now().Add(30*24*time.Hour))
	assert.ErrorIs(t, err, certs.ErrNoSecondary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCertificateRepositoryPromoteSwapsRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCertificateRepository(NewSingleConnectionManager(db))

	removeAfter := time.Now().Add(30 * 24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM certificates").
		WithArgs("org-1", string(certs.RoleSecondary)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-2"))
	mock.ExpectExec("UPDATE certificates SET role = 'swapping'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE certificates SET role = (.+), remove_after = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE certificates SET role = (.+), remove_after = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Promote(context.Background(), "org-1", removeAfter))
	assert.NoError(t, mock.ExpectationsWereMet())
}
