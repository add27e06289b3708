package persistence

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannabros/researchflow/pkg/api"
)

func newMockPostgresStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for range Postgres.schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT ? FROM t WHERE a = ?", SQLite.rebind("SELECT ? FROM t WHERE a = ?"))
	assert.Equal(t, "SELECT $1 FROM t WHERE a = $2", Postgres.rebind("SELECT ? FROM t WHERE a = ?"))
}

func TestSQLStore_SchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE").WillReturnError(errors.New("permission denied"))

	_, err = NewPostgresStore(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres schema")
}

func TestSQLStore_CreateDuplicateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO instances")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.CreateInstance(context.Background(), newInstance("dup", api.WorkflowResearch, time.Unix(0, 0)), started(`{}`))
	assert.ErrorIs(t, err, ErrInstanceExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendConflictOnStaleSeq(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM instances WHERE id = $1")).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq), 0)")).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), "wf-1", 3, []api.HistoryEvent{{Type: api.EventTerminated}})
	assert.ErrorIs(t, err, ErrSequenceConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendInsertRaceIsConflict(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO history_events")).
		WithArgs("wf-1", int64(2), string(api.EventTerminated), "", int64(0), sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), "wf-1", 1, []api.HistoryEvent{{Type: api.EventTerminated}})
	assert.ErrorIs(t, err, ErrSequenceConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateMissingInstance(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE instances")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateInstance(context.Background(), newInstance("gone", api.WorkflowResearch, time.Unix(0, 0)))
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListEventsPropagatesQueryError(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta("FROM history_events")).WillReturnError(boom)

	_, err := store.ListEvents(context.Background(), "wf-1")
	assert.ErrorIs(t, err, boom)
}
