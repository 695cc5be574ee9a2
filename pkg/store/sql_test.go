package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// sqlmock covers the failure paths that a healthy SQLite file never
// exercises: append errors, batch rollback, and Postgres error mapping.

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewSQLStore(context.Background(), db, DialectPostgres)
	require.NoError(t, err)
	return s, mock
}

func TestSQLStoreAppendFailure(t *testing.T) {
	s, mock := newMockStore(t)
	defer func() { _ = s.Close() }()

	mock.ExpectExec("INSERT INTO events").
		WillReturnError(errors.New("connection reset"))

	err := s.Append(context.Background(), testEnv("x1", "evt.a.b", "k"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePostgresDuplicateMapping(t *testing.T) {
	s, mock := newMockStore(t)
	defer func() { _ = s.Close() }()

	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.Append(context.Background(), testEnv("x1", "evt.a.b", "k"))
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreBatchRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	defer func() { _ = s.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.AppendBatch(context.Background(), []*envelope.Envelope{
		testEnv("b1", "evt.a.b", "k1"),
		testEnv("b2", "evt.a.b", "k2"),
	})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreCount(t *testing.T) {
	s, mock := newMockStore(t)
	defer func() { _ = s.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM events")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReplayQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)
	defer func() { _ = s.Close() }()

	mock.ExpectQuery("SELECT seq AS seq").
		WillReturnError(errors.New("relation does not exist"))

	_, err := s.Replay(context.Background(), ReplayFilter{Tenant: "t"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicateErr(t *testing.T) {
	assert.True(t, isDuplicateErr(&pq.Error{Code: "23505"}))
	assert.False(t, isDuplicateErr(&pq.Error{Code: "40001"}))
	assert.False(t, isDuplicateErr(errors.New("plain")))
	assert.False(t, isDuplicateErr(nil))
}
