package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run and step statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"

	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusIgnored = "ignored"
)

// Run is one harness invocation.
type Run struct {
	ID                  uuid.UUID
	Command             string
	Status              string
	Reason              string
	TemplateFingerprint string
	StartedAt           time.Time
	FinishedAt          time.Time
}

// Step is one recorded pipeline step. Node is 0 for cluster-wide steps.
type Step struct {
	ID        int64
	RunID     uuid.UUID
	Node      int
	Step      string
	Status    string
	ExitCode  int
	Stdout    string
	Stderr    string
	Detail    string
	CreatedAt time.Time
}

// Recorder accepts step records.
type Recorder interface {
	Record(ctx context.Context, step Step) error
}

// Nop is a Recorder that discards everything.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Step) error { return nil }

// Journal is the SQLite-backed run ledger.
type Journal struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex

	insertStepStmt *sql.Stmt
}

// Open opens or creates the journal at dbPath.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, dbPath: dbPath}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: failed to initialize schema: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO steps (run_id, node, step, status, exit_code, stdout, stderr, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: failed to prepare insert statement: %w", err)
	}
	j.insertStepStmt = stmt

	return j, nil
}

func (j *Journal) initSchema() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var version int
	if err := j.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, SchemaVersion)
	}

	for _, stmt := range AllSchemaSQL() {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := j.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// BeginRun inserts a new running run.
func (j *Journal) BeginRun(ctx context.Context, command string) (*Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	run := &Run{
		ID:        uuid.New(),
		Command:   command,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, command, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID.String(), run.Command, run.Status, run.StartedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("journal: failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun stores the final status, reason and fingerprint of run.
func (j *Journal) FinishRun(ctx context.Context, run *Run, status, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	run.Status = status
	run.Reason = reason
	run.FinishedAt = time.Now().UTC()

	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, reason = ?, template_fingerprint = ?, finished_at = ? WHERE run_id = ?`,
		run.Status, run.Reason, run.TemplateFingerprint, run.FinishedAt.UnixNano(), run.ID.String())
	if err != nil {
		return fmt.Errorf("journal: failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal: run %s not found", run.ID)
	}
	return nil
}

// Record appends a step. CreatedAt defaults to now.
func (j *Journal) Record(ctx context.Context, step Step) error {
	if step.RunID == uuid.Nil {
		return fmt.Errorf("journal: step %q has no run", step.Step)
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.insertStepStmt.ExecContext(ctx,
		step.RunID.String(), step.Node, step.Step, step.Status, step.ExitCode,
		compress(step.Stdout), compress(step.Stderr), step.Detail, step.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("journal: failed to record step %q: %w", step.Step, err)
	}
	return nil
}

// For returns a Recorder that stamps every step with run's ID.
func (j *Journal) For(run *Run) Recorder {
	return runRecorder{j: j, id: run.ID}
}

type runRecorder struct {
	j  *Journal
	id uuid.UUID
}

func (r runRecorder) Record(ctx context.Context, step Step) error {
	step.RunID = r.id
	return r.j.Record(ctx, step)
}

// GetRun loads a run by ID.
func (j *Journal) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT run_id, command, status, reason, template_fingerprint, started_at, finished_at
		 FROM runs WHERE run_id = ?`, id.String())
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("journal: run %s not found", id)
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, command, status, reason, template_fingerprint, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Steps returns the steps of a run in recording order.
func (j *Journal) Steps(ctx context.Context, runID uuid.UUID) ([]Step, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT step_id, node, step, status, exit_code, stdout, stderr, detail, created_at
		 FROM steps WHERE run_id = ? ORDER BY step_id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("journal: failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			s              Step
			stdout, stderr []byte
			created        int64
		)
		if err := rows.Scan(&s.ID, &s.Node, &s.Step, &s.Status, &s.ExitCode, &stdout, &stderr, &s.Detail, &created); err != nil {
			return nil, fmt.Errorf("journal: failed to scan step: %w", err)
		}
		s.RunID = runID
		s.CreatedAt = time.Unix(0, created).UTC()
		if s.Stdout, err = decompress(stdout); err != nil {
			return nil, err
		}
		if s.Stderr, err = decompress(stderr); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.insertStepStmt != nil {
		j.insertStepStmt.Close()
	}
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run      Run
		id       string
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&id, &run.Command, &run.Status, &run.Reason, &run.TemplateFingerprint, &started, &finished); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("journal: invalid run id %q: %w", id, err)
	}
	run.ID = parsed
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		run.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return &run, nil
}

func compress(s string) []byte {
	if s == "" {
		return nil
	}
	return snappy.Encode(nil, []byte(s))
}

func decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return "", fmt.Errorf("journal: snappy decompress failed: %w", err)
	}
	return string(raw), nil
}
