package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/romu70/jearch/internal/model"
)

const rawSessionID = "4f1c0d2e9b8a7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d"

func TestSessionKey_IsStableDigest(t *testing.T) {
	key := sessionKey(rawSessionID)
	require.Len(t, key, 64)
	require.Equal(t, key, sessionKey(rawSessionID))
	require.NotEqual(t, rawSessionID, key)
	require.NotEqual(t, key, sessionKey(rawSessionID+"x"))
}

func TestPostgresSessionRepo_CreateStoresDigest(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(sessionKey(rawSessionID), "u-1", now.Add(time.Hour), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.Session{
		ID: rawSessionID, UserID: "u-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionRepo_FindByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT user_id, expires_at, created_at\s+FROM sessions\s+WHERE id = \$1 AND expires_at > now\(\)`).
		WithArgs(sessionKey(rawSessionID)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}).
			AddRow("u-1", now.Add(time.Hour), now))

	session, err := repo.FindByID(context.Background(), rawSessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, rawSessionID, session.ID)
	require.Equal(t, "u-1", session.UserID)
}

func TestPostgresSessionRepo_FindByID_MissingOrExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectQuery(`FROM sessions`).WillReturnError(sql.ErrNoRows)

	session, err := repo.FindByID(context.Background(), rawSessionID)
	require.NoError(t, err)
	require.Nil(t, session)

	// 空のIDはDBに問い合わせない
	session, err = repo.FindByID(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, session)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionRepo_FindByID_PropagatesError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectQuery(`FROM sessions`).WillReturnError(errors.New("connection reset"))

	_, err := repo.FindByID(context.Background(), rawSessionID)
	require.ErrorContains(t, err, "connection reset")
}

func TestPostgresSessionRepo_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectExec(`DELETE FROM sessions WHERE id = \$1`).
		WithArgs(sessionKey(rawSessionID)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions WHERE user_id = \$1`).
		WithArgs("u-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.DeleteByID(context.Background(), rawSessionID))
	require.NoError(t, repo.DeleteByUserID(context.Background(), "u-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
