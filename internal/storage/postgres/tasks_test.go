package postgres

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcfabric/qcfabric/internal/storage"
	"github.com/qcfabric/qcfabric/internal/types"
)

// pgxArgConverter mirrors the pgx stdlib driver, which accepts slice
// arguments (e.g. []string for `= ANY($1)`) that the default
// database/sql converter rejects.
type pgxArgConverter struct{}

func (pgxArgConverter) ConvertValue(v any) (driver.Value, error) {
	if _, ok := v.([]string); ok {
		return driver.Value(v), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(pgxArgConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db, log: zerolog.Nop()}, mock
}

func TestClaimTasksOrdering(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM managers`).
		WithArgs("mgr1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))

	// The claim query must order by priority then age and use skip-locked
	mock.ExpectQuery(`ORDER BY priority DESC, created_on ASC\s+LIMIT \$3\s+FOR UPDATE SKIP LOCKED`).
		WithArgs("tag1", []byte(`["psi4"]`), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "record_id", "function", "tag", "priority", "required_programs", "created_on", "available_date",
		}).
			AddRow(11, 101, `{"record_type":"singlepoint"}`, "tag1", 2, `["psi4"]`, now, now).
			AddRow(12, 102, `{"record_type":"singlepoint"}`, "tag1", 1, `["psi4"]`, now, now))

	for _, ids := range [][2]int64{{101, 11}, {102, 12}} {
		mock.ExpectExec(`UPDATE records SET status = 'running'`).
			WithArgs(ids[0], "mgr1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO record_compute_history`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(ids[1]))
		mock.ExpectExec(`DELETE FROM tasks WHERE id`).
			WithArgs(ids[1]).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	mock.ExpectExec(`UPDATE managers SET claimed = claimed`).
		WithArgs("mgr1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tasks, err := store.ClaimTasks(context.Background(), "mgr1", []string{"tag1"}, []string{"psi4"}, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, int64(101), tasks[0].RecordID)
	assert.Equal(t, types.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, int64(102), tasks[1].RecordID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTasksInactiveManager(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM managers`).
		WithArgs("mgr1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("inactive"))
	mock.ExpectRollback()

	_, err := store.ClaimTasks(context.Background(), "mgr1", []string{"*"}, nil, 5)
	assert.ErrorIs(t, err, storage.ErrForbidden)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTasksUnknownManager(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM managers`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := store.ClaimTasks(context.Background(), "ghost", []string{"*"}, nil, 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A result for a record the manager no longer holds is discarded: the record
// row is untouched, a note entry lands in the history, and the batch reports
// a per-index error.
func TestReturnTasksLateReturnDiscarded(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM managers`).
		WithArgs("mgr1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))

	mock.ExpectQuery(`SELECT record_type, status, manager_name FROM records`).
		WithArgs(int64(101)).
		WillReturnRows(sqlmock.NewRows([]string{"record_type", "status", "manager_name"}).
			AddRow("singlepoint", "cancelled", nil))

	// History note for the discarded return
	mock.ExpectQuery(`INSERT INTO record_compute_history`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(55))
	mock.ExpectQuery(`INSERT INTO output_store`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))

	mock.ExpectCommit()

	meta, err := store.ReturnTasks(context.Background(), "mgr1", []*types.TaskResult{
		{RecordID: 101, Success: true},
	})
	require.NoError(t, err)
	assert.Empty(t, meta.UpdatedIdx)
	require.Len(t, meta.Errors, 1)
	assert.Contains(t, meta.Errors[0].Message, "no longer held")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReturnTasksFailureStoresErrorPayload(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM managers`).
		WithArgs("mgr1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))

	mock.ExpectQuery(`SELECT record_type, status, manager_name FROM records`).
		WithArgs(int64(101)).
		WillReturnRows(sqlmock.NewRows([]string{"record_type", "status", "manager_name"}).
			AddRow("singlepoint", "running", "mgr1"))

	mock.ExpectQuery(`SELECT id FROM record_compute_history`).
		WithArgs(int64(101)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(55))

	// error blob replace: delete old, insert new
	mock.ExpectExec(`DELETE FROM output_store`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO output_store`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))

	mock.ExpectExec(`UPDATE record_compute_history SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE records SET status = 'error'`).
		WithArgs(int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE managers SET returned = returned`).
		WithArgs("mgr1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	meta, err := store.ReturnTasks(context.Background(), "mgr1", []*types.TaskResult{
		{RecordID: 101, Success: false},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, meta.UpdatedIdx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTasksZeroLimit(t *testing.T) {
	store, _ := newMockStore(t)
	tasks, err := store.ClaimTasks(context.Background(), "mgr1", []string{"*"}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
