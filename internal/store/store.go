// Package store provides the local run journal: one row per reconciliation
// attempt, kept for audit and the history command. Decisions never read it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// FileName is the journal database inside the data directory.
const FileName = "journal.db"

// maxStoredOutput caps each output stream kept per run.
const maxStoredOutput = 64 << 10

// Store manages the run journal.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Run is one journaled reconciliation attempt.
type Run struct {
	ID         string
	App        string
	State      string
	Upgrade    bool
	Stall      string
	Check      bool
	Status     string
	Action     string
	Changed    bool
	Failed     bool
	Msg        string
	ErrorKind  string
	Error      string
	Output     *Output
	StartedAt  time.Time
	DurationMs int64
}

// Output is the tool output of the action a run executed.
type Output struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Filter narrows ListRuns.
type Filter struct {
	App   string
	Limit int
}

// New opens (and creates) the journal in dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		app TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '',
		upgrade BOOLEAN NOT NULL DEFAULT 0,
		stall TEXT NOT NULL DEFAULT '',
		check_mode BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		changed BOOLEAN NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT 0,
		msg TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		output_json TEXT,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_app ON runs(app, id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun appends run to the journal and returns its ID. A ULID is
// assigned when run.ID is empty.
func (s *Store) RecordRun(run *Run) (string, error) {
	if run.App == "" {
		return "", fmt.Errorf("app is required")
	}
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	var outputJSON sql.NullString
	if run.Output != nil {
		capped := Output{
			ExitCode: run.Output.ExitCode,
			Stdout:   capOutput(run.Output.Stdout),
			Stderr:   capOutput(run.Output.Stderr),
		}
		data, err := json.Marshal(capped)
		if err != nil {
			return "", fmt.Errorf("marshal output: %w", err)
		}
		outputJSON = sql.NullString{String: string(data), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO runs (id, app, state, upgrade, stall, check_mode, status, action,
			changed, failed, msg, error_kind, error, output_json, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.App, run.State, run.Upgrade, run.Stall, run.Check, run.Status, run.Action,
		run.Changed, run.Failed, run.Msg, run.ErrorKind, run.Error, outputJSON,
		run.StartedAt.UTC(), run.DurationMs)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return run.ID, nil
}

const runColumns = `id, app, state, upgrade, stall, check_mode, status, action,
	changed, failed, msg, error_kind, error, output_json, started_at, duration_ms`

// GetRun returns the run with the given ID, or nil if there is none.
func (s *Store) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns journaled runs, newest first.
func (s *Store) ListRuns(f Filter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if f.App != "" {
		query += " WHERE app = ?"
		args = append(args, f.App)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
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

// CleanupOldRuns removes runs that started before the retention period.
func (s *Store) CleanupOldRuns(retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UTC()
	res, err := s.db.Exec("DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var outputJSON sql.NullString

	if err := row.Scan(
		&run.ID,
		&run.App,
		&run.State,
		&run.Upgrade,
		&run.Stall,
		&run.Check,
		&run.Status,
		&run.Action,
		&run.Changed,
		&run.Failed,
		&run.Msg,
		&run.ErrorKind,
		&run.Error,
		&outputJSON,
		&run.StartedAt,
		&run.DurationMs,
	); err != nil {
		return nil, err
	}

	if outputJSON.Valid && outputJSON.String != "" {
		run.Output = &Output{}
		if err := json.Unmarshal([]byte(outputJSON.String), run.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return &run, nil
}

func capOutput(s string) string {
	if len(s) <= maxStoredOutput {
		return s
	}
	return strings.ToValidUTF8(s[len(s)-maxStoredOutput:], "")
}
