// Package journal records every harness run and each of its steps in a
// local SQLite database.
package journal

// SchemaVersion is stored in PRAGMA user_version.
const SchemaVersion = 1

// CreateRunsTableSQL creates the runs table. One row per CLI invocation.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    command TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    template_fingerprint TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL,
    finished_at INTEGER
)`

// CreateStepsTableSQL creates the steps table. Captured output is stored
// snappy-compressed.
const CreateStepsTableSQL = `
CREATE TABLE IF NOT EXISTS steps (
    step_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    node INTEGER NOT NULL,
    step TEXT NOT NULL,
    status TEXT NOT NULL,
    exit_code INTEGER NOT NULL DEFAULT 0,
    stdout BLOB,
    stderr BLOB,
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(run_id)
)`

// CreateIndexesSQL creates lookup indexes.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the journal.
func AllSchemaSQL() []string {
	statements := []string{
		CreateRunsTableSQL,
		CreateStepsTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
