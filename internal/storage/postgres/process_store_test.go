package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

var processCols = []string{
	"id", "number", "author", "status", "marked", "link", "last_fingerprint",
	"last_ok_at", "last_error_at", "last_attempts", "consecutive_failures", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*ProcessStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewProcessStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func entryJSON(t *testing.T, e monitor.HistoryEntry) []byte {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	return raw
}

func TestGetRecordLoadsHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	errAt := created.Add(time.Hour)

	mock.ExpectQuery(`SELECT .+ FROM processes WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows(processCols).AddRow(
			"p1", "0001", "Ana", "EM ANDAMENTO", true, "https://example.com/p1", "Distribuído",
			nil, &errAt, 2, 1, created, created,
		))
	mock.ExpectQuery(`SELECT entry FROM process_history WHERE process_id = \$1 ORDER BY seq`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"entry"}).
			AddRow(entryJSON(t, monitor.HistoryEntry{ID: "e1", Date: created, Summary: "Distribuído"})).
			AddRow(entryJSON(t, monitor.HistoryEntry{ID: "e2", Date: errAt, Error: true, Message: "fetch failed"})))

	rec, err := store.GetRecord(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, monitor.StatusOngoing, rec.Status)
	require.True(t, rec.Marked)
	require.Nil(t, rec.LastOKAt)
	require.NotNil(t, rec.LastErrorAt)
	require.Equal(t, 2, rec.LastAttempts)
	require.Len(t, rec.History, 2)
	require.True(t, rec.History[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM processes WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(processCols))

	_, err := store.GetRecord(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRecordAppendsInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	now := created.Add(2 * time.Hour)
	entry := monitor.HistoryEntry{ID: "e3", Date: now, Summary: "Conclusos"}
	fp := "Conclusos"
	zero := 0

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM processes WHERE id = \$1 AND deleted_at IS NULL FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows(processCols).AddRow(
			"p1", "", "", "EM ANDAMENTO", false, "https://example.com/p1", "old",
			nil, nil, 1, 1, created, created,
		))
	mock.ExpectExec(`UPDATE processes SET`).
		WithArgs("p1", "", "", "EM ANDAMENTO", false, "https://example.com/p1", "Conclusos",
			pgxmock.AnyArg(), pgxmock.AnyArg(), 1, 0, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO process_history`).
		WithArgs("p1", "e3", now, entryJSON(t, entry)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.UpdateRecord(context.Background(), "p1", monitor.RecordUpdate{
		LastFingerprint:     &fp,
		LastOKAt:            &now,
		ConsecutiveFailures: &zero,
		Append:              []monitor.HistoryEntry{entry},
		UpdatedAt:           now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRecordMissingRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("gone").WillReturnRows(pgxmock.NewRows(processCols))
	mock.ExpectRollback()

	err := store.UpdateRecord(context.Background(), "gone", monitor.RecordUpdate{})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRecordInsertsRowAndHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	entry := monitor.HistoryEntry{ID: "m1", Date: now, Source: monitor.SourceManual, Summary: "Criado"}
	rec := monitor.ProcessRecord{ID: "p9", CreatedAt: now, UpdatedAt: now, History: []monitor.HistoryEntry{entry}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processes`).
		WithArgs("p9", "", "", "EM ANDAMENTO", false, "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO process_history`).
		WithArgs("p9", "m1", now, entryJSON(t, entry)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListLinkedRecordsGroupsHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	t0 := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery(`SELECT .+ FROM processes WHERE deleted_at IS NULL AND btrim\(link\) <> '' ORDER BY created_at, id`).
		WillReturnRows(pgxmock.NewRows(processCols).
			AddRow("a", "", "", "EM ANDAMENTO", false, "https://x/a", "", nil, nil, 0, 0, t0, t0).
			AddRow("b", "", "", "ENCERRADO", false, "https://x/b", "", nil, nil, 0, 0, t0.Add(time.Second), t0))
	mock.ExpectQuery(`SELECT process_id, entry FROM process_history WHERE process_id = ANY\(\$1\)`).
		WithArgs([]string{"a", "b"}).
		WillReturnRows(pgxmock.NewRows([]string{"process_id", "entry"}).
			AddRow("a", entryJSON(t, monitor.HistoryEntry{ID: "a1", Date: t0})).
			AddRow("b", entryJSON(t, monitor.HistoryEntry{ID: "b1", Date: t0})).
			AddRow("b", entryJSON(t, monitor.HistoryEntry{ID: "b2", Date: t0})))

	recs, err := store.ListLinkedRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Len(t, recs[0].History, 1)
	require.Len(t, recs[1].History, 2)
	require.Equal(t, monitor.StatusClosed, recs[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRecordMarksTrash(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	store.now = func() time.Time { return now }

	mock.ExpectExec(`UPDATE processes SET deleted_at = \$2`).
		WithArgs("p1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE processes SET deleted_at = \$2`).
		WithArgs("p1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.DeleteRecord(context.Background(), "p1"))
	require.ErrorIs(t, store.DeleteRecord(context.Background(), "p1"), monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScanLogsRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	entry := monitor.ScanLog{
		ID: "l1", ProcessID: "p1", CreatedAt: now, OK: true, NoChange: true, Duration: 1500 * time.Millisecond,
	}

	mock.ExpectExec(`INSERT INTO process_scan_logs`).
		WithArgs("l1", "p1", now, true, "", true, "", int64(1500)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT .+ FROM process_scan_logs WHERE process_id = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2`).
		WithArgs("p1", 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "process_id", "created_at", "ok", "reason", "no_change", "entry_id", "duration_ms"}).
			AddRow("l1", "p1", now, true, "", true, "", int64(1500)))

	require.NoError(t, store.AppendScanLog(context.Background(), entry))
	logs, err := store.ListScanLogs(context.Background(), "p1", 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, entry.Duration, logs[0].Duration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaRunsEveryStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schemaStatements {
		mock.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewProcessStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewProcessStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewProcessStoreWithPool(nil)
	require.Error(t, err)
}
