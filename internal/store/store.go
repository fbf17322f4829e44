// Package store is the run ledger: a small SQLite database that records every
// batch run and the outcome of each input it touched, so an aborted run still
// leaves a record of what was and was not processed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"defensepipe/internal/logging"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of a batch tool.
type Run struct {
	ID         string
	Tool       string
	Dir        string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Inputs     int
	Error      string
	Files      []FileRecord // only populated by GetRun
}

// FileRecord is the outcome for one input of a run.
type FileRecord struct {
	Seq      int
	Input    string
	Output   string
	Status   string
	ExitCode int
	Duration time.Duration
	Message  string
}

// Store manages the run ledger database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// Open creates or opens the ledger at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; concurrent workers serialize through the pool.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		dbPath: path,
		logger: logging.Named(logger, logging.CategoryStore),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		dir TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		inputs INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS run_files (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new running run and returns its id.
func (s *Store) CreateRun(ctx context.Context, tool, dir string, inputs int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tool, dir, status, started_at, inputs) VALUES (?, ?, ?, ?, ?, ?)`,
		id, tool, dir, string(RunRunning), formatTime(s.now()), inputs)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	s.logger.Debug("run created", zap.String("run_id", id), zap.String("tool", tool), zap.Int("inputs", inputs))
	return id, nil
}

// RecordFile appends a file outcome to a run. Seq orders files within the run.
func (s *Store) RecordFile(ctx context.Context, runID string, rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_files (run_id, seq, input, output, status, exit_code, duration_ms, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Seq, rec.Input, rec.Output, rec.Status, rec.ExitCode, rec.Duration.Milliseconds(), rec.Message)
	if err != nil {
		return fmt.Errorf("failed to record file %s: %w", rec.Input, err)
	}
	return nil
}

// FinishRun sets the final status of a run. runErr may be nil.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		string(status), formatTime(s.now()), msg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	s.logger.Debug("run finished", zap.String("run_id", runID), zap.String("status", string(status)))
	return nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means 20.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, dir, status, started_at, finished_at, inputs, error
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun returns a run and its files. id may be a unique prefix.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrRunNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, dir, status, started_at, finished_at, inputs, error
		 FROM runs WHERE id = ? OR id LIKE ? LIMIT 2`, id, stripLikeWildcards(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var run *Run
	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	case len(matches) > 1:
		for _, m := range matches {
			if m.ID == id {
				run = m
			}
		}
		if run == nil {
			return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
		}
	default:
		run = matches[0]
	}

	files, err := s.db.QueryContext(ctx,
		`SELECT seq, input, output, status, exit_code, duration_ms, message
		 FROM run_files WHERE run_id = ? ORDER BY seq`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run files: %w", err)
	}
	defer files.Close()
	for files.Next() {
		var rec FileRecord
		var ms int64
		if err := files.Scan(&rec.Seq, &rec.Input, &rec.Output, &rec.Status, &rec.ExitCode, &ms, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan run file: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		run.Files = append(run.Files, rec)
	}
	return run, files.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run      Run
		status   string
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Tool, &run.Dir, &status, &started, &finished, &run.Inputs, &run.Error); err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = RunStatus(status)
	run.StartedAt = parseTime(started)
	if finished.Valid {
		run.FinishedAt = parseTime(finished.String)
	}
	return &run, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stripLikeWildcards(s string) string {
	r := strings.NewReplacer("%", "", "_", "")
	return r.Replace(s)
}
