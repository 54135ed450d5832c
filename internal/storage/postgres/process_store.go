// Package postgres provides a Postgres-backed monitor.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// ProcessStore persists records in the processes table, history rows in
// process_history and audit rows in process_scan_logs. Deleted records keep
// their rows and are marked with deleted_at.
type ProcessStore struct {
	pool pool
	now  func() time.Time
}

// NewProcessStore connects a pool using cfg.
func NewProcessStore(ctx context.Context, cfg Config) (*ProcessStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProcessStore{pool: p, now: utcNow}, nil
}

// NewProcessStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProcessStoreWithPool(p pool) (*ProcessStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProcessStore{pool: p, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

// EnsureSchema creates the tables when they are missing.
func (s *ProcessStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ProcessStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const recordColumns = `id, number, author, status, marked, link, last_fingerprint,
	last_ok_at, last_error_at, last_attempts, consecutive_failures, created_at, updated_at`

// ListRecords returns every live record ordered by creation time.
func (s *ProcessStore) ListRecords(ctx context.Context) ([]monitor.ProcessRecord, error) {
	return s.list(ctx, false)
}

// ListLinkedRecords returns live records that have a link.
func (s *ProcessStore) ListLinkedRecords(ctx context.Context) ([]monitor.ProcessRecord, error) {
	return s.list(ctx, true)
}

func (s *ProcessStore) list(ctx context.Context, linkedOnly bool) ([]monitor.ProcessRecord, error) {
	filter := "deleted_at IS NULL"
	if linkedOnly {
		filter += " AND btrim(link) <> ''"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM processes WHERE `+filter+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	ids := make([]string, len(records))
	index := make(map[string]int, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		index[rec.ID] = i
	}
	hrows, err := s.pool.Query(ctx,
		`SELECT process_id, entry FROM process_history WHERE process_id = ANY($1) ORDER BY process_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			processID string
			raw       []byte
		)
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
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM processes WHERE id = $1 AND deleted_at IS NULL`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.ProcessRecord{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.ProcessRecord{}, fmt.Errorf("get process %s: %w", id, err)
	}
	history, err := s.history(ctx, id)
	if err != nil {
		return monitor.ProcessRecord{}, err
	}
	rec.History = history
	return rec, nil
}

func (s *ProcessStore) history(ctx context.Context, id string) ([]monitor.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM process_history WHERE process_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	history := []monitor.HistoryEntry{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// CreateRecord inserts a record and its initial history in one transaction.
func (s *ProcessStore) CreateRecord(ctx context.Context, rec monitor.ProcessRecord) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `INSERT INTO processes (`+recordColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, recordArgs(rec)...); err != nil {
		return fmt.Errorf("insert process %s: %w", rec.ID, err)
	}
	if err = appendHistory(ctx, tx, rec.ID, rec.History); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateRecord locks the row, applies the partial update and appends new
// history rows in one transaction.
func (s *ProcessStore) UpdateRecord(ctx context.Context, id string, update monitor.RecordUpdate) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM processes WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock process %s: %w", id, err)
	}

	update.Apply(&rec)
	if _, err = tx.Exec(ctx, `UPDATE processes SET
	number = $2, author = $3, status = $4, marked = $5, link = $6, last_fingerprint = $7,
	last_ok_at = $8, last_error_at = $9, last_attempts = $10, consecutive_failures = $11,
	updated_at = $12
WHERE id = $1`,
		rec.ID, rec.Number, rec.Author, string(rec.Status), rec.Marked, rec.Link, rec.LastFingerprint,
		rec.LastOKAt, rec.LastErrorAt, rec.LastAttempts, rec.ConsecutiveFailures, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update process %s: %w", id, err)
	}
	if err = appendHistory(ctx, tx, id, update.Append); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteRecord marks a record as trashed.
func (s *ProcessStore) DeleteRecord(ctx context.Context, id string) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE processes SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, now)
	if err != nil {
		return fmt.Errorf("delete process %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// AppendScanLog records one scan attempt.
func (s *ProcessStore) AppendScanLog(ctx context.Context, entry monitor.ScanLog) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO process_scan_logs
	(id, process_id, created_at, ok, reason, no_change, entry_id, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.ProcessID, entry.CreatedAt, entry.OK, entry.Reason, entry.NoChange,
		entry.EntryID, entry.DurationMS(),
	); err != nil {
		return fmt.Errorf("insert scan log: %w", err)
	}
	return nil
}

// ListScanLogs returns the newest scan logs for a process, newest first. A
// non-positive limit returns all of them.
func (s *ProcessStore) ListScanLogs(ctx context.Context, processID string, limit int) ([]monitor.ScanLog, error) {
	query := `SELECT id, process_id, created_at, ok, reason, no_change, entry_id, duration_ms
FROM process_scan_logs WHERE process_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{processID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scan logs: %w", err)
	}
	defer rows.Close()
	out := []monitor.ScanLog{}
	for rows.Next() {
		var (
			l  monitor.ScanLog
			ms int64
		)
		if err := rows.Scan(&l.ID, &l.ProcessID, &l.CreatedAt, &l.OK, &l.Reason, &l.NoChange, &l.EntryID, &ms); err != nil {
			return nil, fmt.Errorf("scan scan log: %w", err)
		}
		l.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan logs: %w", err)
	}
	return out, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendHistory(ctx context.Context, tx execer, processID string, entries []monitor.HistoryEntry) error {
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal history entry: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO process_history (process_id, seq, entry_id, entry_date, entry)
VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM process_history WHERE process_id = $1), $2, $3, $4)`,
			processID, e.ID, e.Date, raw,
		); err != nil {
			return fmt.Errorf("insert history entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func recordArgs(rec monitor.ProcessRecord) []any {
	status := rec.Status
	if status == "" {
		status = monitor.StatusOngoing
	}
	return []any{
		rec.ID, rec.Number, rec.Author, string(status), rec.Marked, rec.Link, rec.LastFingerprint,
		rec.LastOKAt, rec.LastErrorAt, rec.LastAttempts, rec.ConsecutiveFailures, rec.CreatedAt, rec.UpdatedAt,
	}
}

func scanRecord(row pgx.Row) (monitor.ProcessRecord, error) {
	var (
		rec    monitor.ProcessRecord
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.Number, &rec.Author, &status, &rec.Marked, &rec.Link, &rec.LastFingerprint,
		&rec.LastOKAt, &rec.LastErrorAt, &rec.LastAttempts, &rec.ConsecutiveFailures, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return monitor.ProcessRecord{}, err
	}
	rec.Status = monitor.Status(status)
	rec.History = []monitor.HistoryEntry{}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]monitor.ProcessRecord, error) {
	defer rows.Close()
	out := []monitor.ProcessRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	return out, nil
}

func decodeEntry(raw []byte) (monitor.HistoryEntry, error) {
	var e monitor.HistoryEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return monitor.HistoryEntry{}, fmt.Errorf("decode history entry: %w", err)
	}
	return e, nil
}
