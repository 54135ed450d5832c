package postgres

// schemaStatements bootstraps the tables used by ProcessStore.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS processes (
	id                   TEXT PRIMARY KEY,
	number               TEXT NOT NULL DEFAULT '',
	author               TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'EM ANDAMENTO',
	marked               BOOLEAN NOT NULL DEFAULT FALSE,
	link                 TEXT NOT NULL DEFAULT '',
	last_fingerprint     TEXT NOT NULL DEFAULT '',
	last_ok_at           TIMESTAMPTZ,
	last_error_at        TIMESTAMPTZ,
	last_attempts        INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	deleted_at           TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS process_history (
	process_id TEXT NOT NULL REFERENCES processes(id),
	seq        INTEGER NOT NULL,
	entry_id   TEXT NOT NULL,
	entry_date TIMESTAMPTZ NOT NULL,
	entry      JSONB NOT NULL,
	PRIMARY KEY (process_id, seq)
)`,
	`CREATE INDEX IF NOT EXISTS process_history_date_idx ON process_history (entry_date)`,
	`CREATE TABLE IF NOT EXISTS process_scan_logs (
	id          TEXT PRIMARY KEY,
	process_id  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	ok          BOOLEAN NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	no_change   BOOLEAN NOT NULL DEFAULT FALSE,
	entry_id    TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS process_scan_logs_process_idx ON process_scan_logs (process_id, created_at DESC)`,
}
