// Package ledger keeps an append-mostly history of stage invocations in a
// SQLite database next to the tracker state files.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database created under derivatives/anatprep/.
const FileName = "anatprep_runs.db"

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

var (
	// ErrSchemaMismatch indicates the database was written by another schema version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
)

// Status is the lifecycle state of one stage run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusAbandoned marks a run that never finished, e.g. after a crash.
	StatusAbandoned Status = "abandoned"
)

// Run is one stage invocation on one subject/session.
type Run struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Session    string     `json:"session"`
	Stage      string     `json:"stage"`
	Iteration  int        `json:"iteration"`
	Status     Status     `json:"status"`
	Force      bool       `json:"force,omitempty"`
	Host       string     `json:"host,omitempty"`
	LogPath    string     `json:"log_path,omitempty"`
	Outputs    []string   `json:"outputs,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns the run time, or zero while running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the SQLite-backed ledger.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open creates or connects to the ledger in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dbPath := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d (move the file aside to start a new ledger)",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Begin records run as running. Earlier runs of the same subject/session
// still marked running are set to abandoned first; callers hold the
// session lock, so nothing else can be running there.
func (s *Store) Begin(ctx context.Context, run Run) (int64, error) {
	if strings.TrimSpace(run.ID) == "" {
		return 0, errors.New("ledger: run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	abandoned, err := s.abandonRunning(ctx, run.Subject, run.Session)
	if err != nil {
		return 0, err
	}
	outputs, err := encodeOutputs(run.Outputs)
	if err != nil {
		return 0, err
	}
	_, err = s.execWithRetry(ctx, `INSERT INTO stage_runs
		(id, subject, session, stage, iteration, status, force, host, log_path, outputs, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Subject, run.Session, run.Stage, run.Iteration, string(StatusRunning),
		boolToInt(run.Force), nullableString(run.Host), nullableString(run.LogPath), outputs,
		formatTime(run.StartedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return abandoned, nil
}

func (s *Store) abandonRunning(ctx context.Context, subject, session string) (int64, error) {
	res, err := s.execWithRetry(ctx, `UPDATE stage_runs
		SET status = ?, finished_at = ?, error_message = COALESCE(error_message, 'run did not finish')
		WHERE subject = ? AND session = ? AND status = ?`,
		string(StatusAbandoned), formatTime(s.now()), subject, session, string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("abandon stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Finish closes run id with status, its outputs and an optional error.
func (s *Store) Finish(ctx context.Context, id string, status Status, outputs []string, runErr error) error {
	encoded, err := encodeOutputs(outputs)
	if err != nil {
		return err
	}
	var message any
	if runErr != nil {
		message = runErr.Error()
	}
	res, err := s.execWithRetry(ctx, `UPDATE stage_runs
		SET status = ?, outputs = ?, error_message = ?, finished_at = ?
		WHERE id = ?`,
		string(status), encoded, message, formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Filter narrows List. Empty fields match everything; Limit <= 0 means 50.
type Filter struct {
	Subject string
	Session string
	Stage   string
	Limit   int
}

const defaultListLimit = 50

// List returns matching runs, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Run, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Subject != "" {
		clauses = append(clauses, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.Session != "" {
		clauses = append(clauses, "session = ?")
		args = append(args, filter.Session)
	}
	if filter.Stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, filter.Stage)
	}
	query := `SELECT id, subject, session, stage, iteration, status, force, host, log_path, outputs, error_message, started_at, finished_at
		FROM stage_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns a single run.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT id, subject, session, stage, iteration, status, force, host, log_path, outputs, error_message, started_at, finished_at
		FROM stage_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}
