// Package sqlite provides a single-file monitor.Store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS processes (
	id                   TEXT PRIMARY KEY,
	number               TEXT NOT NULL DEFAULT '',
	author               TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'EM ANDAMENTO',
	marked               INTEGER NOT NULL DEFAULT 0,
	link                 TEXT NOT NULL DEFAULT '',
	last_fingerprint     TEXT NOT NULL DEFAULT '',
	last_ok_at           INTEGER,
	last_error_at        INTEGER,
	last_attempts        INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	deleted_at           INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS process_history (
	process_id TEXT NOT NULL REFERENCES processes(id),
	seq        INTEGER NOT NULL,
	entry_id   TEXT NOT NULL,
	entry_date INTEGER NOT NULL,
	entry      TEXT NOT NULL,
	PRIMARY KEY (process_id, seq)
)`,
	`CREATE TABLE IF NOT EXISTS process_scan_logs (
	id          TEXT PRIMARY KEY,
	process_id  TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	ok          INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	no_change   INTEGER NOT NULL DEFAULT 0,
	entry_id    TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS process_scan_logs_process_idx ON process_scan_logs (process_id, created_at DESC)`,
}

// ProcessStore keeps records in one SQLite file. Timestamps are stored as
// UTC unix nanoseconds. Deleted records keep their rows with deleted_at set.
type ProcessStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the parent directory, opens path and applies the schema.
func Open(ctx context.Context, path string) (*ProcessStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &ProcessStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *ProcessStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

const recordColumns = `id, number, author, status, marked, link, last_fingerprint,
	last_ok_at, last_error_at, last_attempts, consecutive_failures, created_at, updated_at`

// ListRecords returns every live record ordered by creation time.
func (s *ProcessStore) ListRecords(ctx context.Context) ([]monitor.ProcessRecord, error) {
	return s.list(ctx, "deleted_at IS NULL")
}

// ListLinkedRecords returns live records that have a link.
func (s *ProcessStore) ListLinkedRecords(ctx context.Context) ([]monitor.ProcessRecord, error) {
	return s.list(ctx, "deleted_at IS NULL AND trim(link) <> ''")
}

func (s *ProcessStore) list(ctx context.Context, filter string) ([]monitor.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM processes WHERE `+filter+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	records := []monitor.ProcessRecord{}
	index := map[string]int{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan process: %w", err)
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	_ = rows.Close()
	if len(records) == 0 {
		return records, nil
	}

	hrows, err := s.db.QueryContext(ctx, `SELECT h.process_id, h.entry FROM process_history h
JOIN processes p ON p.id = h.process_id
WHERE p.`+filter+` ORDER BY h.process_id, h.seq`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var processID, raw string
		if err := hrows.Scan(&processID, &raw); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		if i, ok := index[processID]; ok {
			records[i].History = append(records[i].History, entry)
		}
	}
	if err := hrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

// GetRecord fetches a live record by ID with its full history.
func (s *ProcessStore) GetRecord(ctx context.Context, id string) (monitor.ProcessRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM processes WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.ProcessRecord{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.ProcessRecord{}, fmt.Errorf("get process %s: %w", id, err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM process_history WHERE process_id = ? ORDER BY seq`, id)
	if err != nil {
		return monitor.ProcessRecord{}, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return monitor.ProcessRecord{}, fmt.Errorf("scan history: %w", err)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return monitor.ProcessRecord{}, err
		}
		rec.History = append(rec.History, entry)
	}
	if err := rows.Err(); err != nil {
		return monitor.ProcessRecord{}, fmt.Errorf("iterate history: %w", err)
	}
	return rec, nil
}

// CreateRecord inserts a record and its initial history. Ids of trashed
// records are not reusable.
func (s *ProcessStore) CreateRecord(ctx context.Context, rec monitor.ProcessRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		status := rec.Status
		if status == "" {
			status = monitor.StatusOngoing
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO processes (`+recordColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.Number, rec.Author, string(status), rec.Marked, rec.Link, rec.LastFingerprint,
			nanos(rec.LastOKAt), nanos(rec.LastErrorAt), rec.LastAttempts, rec.ConsecutiveFailures,
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert process %s: %w", rec.ID, err)
		}
		return appendHistory(ctx, tx, rec.ID, rec.History)
	})
}

// UpdateRecord applies the partial update and appends history in one
// transaction.
func (s *ProcessStore) UpdateRecord(ctx context.Context, id string, update monitor.RecordUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM processes WHERE id = ? AND deleted_at IS NULL`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return monitor.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load process %s: %w", id, err)
		}
		update.Apply(&rec)
		if _, err := tx.ExecContext(ctx, `UPDATE processes SET
	number = ?, author = ?, status = ?, marked = ?, link = ?, last_fingerprint = ?,
	last_ok_at = ?, last_error_at = ?, last_attempts = ?, consecutive_failures = ?, updated_at = ?
WHERE id = ?`,
			rec.Number, rec.Author, string(rec.Status), rec.Marked, rec.Link, rec.LastFingerprint,
			nanos(rec.LastOKAt), nanos(rec.LastErrorAt), rec.LastAttempts, rec.ConsecutiveFailures,
			rec.UpdatedAt.UnixNano(), id,
		); err != nil {
			return fmt.Errorf("update process %s: %w", id, err)
		}
		return appendHistory(ctx, tx, id, update.Append)
	})
}

// DeleteRecord marks a record as trashed.
func (s *ProcessStore) DeleteRecord(ctx context.Context, id string) error {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("delete process %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete process %s: %w", id, err)
	}
	if n == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// AppendScanLog records one scan attempt.
func (s *ProcessStore) AppendScanLog(ctx context.Context, entry monitor.ScanLog) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO process_scan_logs
	(id, process_id, created_at, ok, reason, no_change, entry_id, duration_ms)
VALUES (?,?,?,?,?,?,?,?)`,
		entry.ID, entry.ProcessID, entry.CreatedAt.UnixNano(), entry.OK, entry.Reason, entry.NoChange,
		entry.EntryID, entry.DurationMS(),
	); err != nil {
		return fmt.Errorf("insert scan log: %w", err)
	}
	return nil
}

// ListScanLogs returns the newest scan logs for a process, newest first. A
// non-positive limit returns all of them.
func (s *ProcessStore) ListScanLogs(ctx context.Context, processID string, limit int) ([]monitor.ScanLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, process_id, created_at, ok, reason, no_change, entry_id, duration_ms
FROM process_scan_logs WHERE process_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, processID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan logs: %w", err)
	}
	defer rows.Close()
	out := []monitor.ScanLog{}
	for rows.Next() {
		var (
			l           monitor.ScanLog
			created, ms int64
		)
		if err := rows.Scan(&l.ID, &l.ProcessID, &created, &l.OK, &l.Reason, &l.NoChange, &l.EntryID, &ms); err != nil {
			return nil, fmt.Errorf("scan scan log: %w", err)
		}
		l.CreatedAt = time.Unix(0, created).UTC()
		l.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan logs: %w", err)
	}
	return out, nil
}

func (s *ProcessStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, processID string, entries []monitor.HistoryEntry) error {
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal history entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_history (process_id, seq, entry_id, entry_date, entry)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM process_history WHERE process_id = ?), ?, ?, ?)`,
			processID, processID, e.ID, e.Date.UnixNano(), string(raw),
		); err != nil {
			return fmt.Errorf("insert history entry %s: %w", e.ID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (monitor.ProcessRecord, error) {
	var (
		rec                monitor.ProcessRecord
		status             string
		okAt, errAt        sql.NullInt64
		createdAt, updated int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Number, &rec.Author, &status, &rec.Marked, &rec.Link, &rec.LastFingerprint,
		&okAt, &errAt, &rec.LastAttempts, &rec.ConsecutiveFailures, &createdAt, &updated,
	); err != nil {
		return monitor.ProcessRecord{}, err
	}
	rec.Status = monitor.Status(status)
	rec.LastOKAt = fromNanos(okAt)
	rec.LastErrorAt = fromNanos(errAt)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	rec.History = []monitor.HistoryEntry{}
	return rec, nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func decodeEntry(raw string) (monitor.HistoryEntry, error) {
	var e monitor.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return monitor.HistoryEntry{}, fmt.Errorf("decode history entry: %w", err)
	}
	return e, nil
}
