package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_GetByKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys")).
		WithArgs(HashKey(testKey)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "account_id", "org_id", "key_hash", "rate_limit", "active", "created_at"}).
			AddRow("k-1", "alice", "acme", HashKey(testKey), int64(1000), true, created))

	k, err := NewPostgresStore(mock).GetByKey(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", k.AccountID)
	assert.Equal(t, "acme", k.OrgID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByKeyNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys")).
		WithArgs(HashKey("nope")).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresStore(mock).GetByKey(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPostgresStore_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs("alice", "", HashKey(testKey), int64(500), true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("k-9", created))

	k := &APIKey{AccountID: "alice", KeyHash: HashKey(testKey), RateLimit: 500, Active: true}
	require.NoError(t, NewPostgresStore(mock).Create(context.Background(), k))
	assert.Equal(t, "k-9", k.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Revoke(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET active = false")).
		WithArgs("k-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET active = false")).
		WithArgs("k-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewPostgresStore(mock)
	require.NoError(t, store.Revoke(context.Background(), "k-1"))
	assert.ErrorIs(t, store.Revoke(context.Background(), "k-2"), ErrKeyNotFound)
}
