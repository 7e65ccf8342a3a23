package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps ledgers in a single SQLite database, one row per run.
// The full ledger lives in the payload column; the other columns exist for
// ordering and quick inspection with the sqlite3 shell.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		reason TEXT NOT NULL,
		confidence REAL NOT NULL,
		phases INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts the ledger once; a second insert for the run id fails with
// ErrAlreadyRecorded.
func (s *SQLiteStore) Record(ctx context.Context, l RunLedger) error {
	if err := l.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", l.RunID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, reason, confidence, phases, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		l.RunID, l.StartedAt.UnixNano(), l.FinishedAt.UnixNano(), string(l.Termination.Reason),
		l.FinalConfidence, len(l.Phases), string(payload))
	if err != nil {
		return fmt.Errorf("ledger: insert %s: %w", l.RunID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: insert %s: %w", l.RunID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, l.RunID)
	}
	return nil
}

// Read loads one ledger.
func (s *SQLiteStore) Read(ctx context.Context, runID string) (RunLedger, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunLedger{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return RunLedger{}, fmt.Errorf("ledger: read %s: %w", runID, err)
	}
	return decode(runID, []byte(payload))
}

// List returns summaries most recent first, paging in SQL. Rows whose
// payload cannot be decoded are reported in Unreadable.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) (ListResult, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, payload FROM runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return ListResult{}, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()
	result := ListResult{Summaries: []Summary{}}
	for rows.Next() {
		var runID, payload string
		if err := rows.Scan(&runID, &payload); err != nil {
			return ListResult{}, fmt.Errorf("ledger: list: %w", err)
		}
		l, err := decode(runID, []byte(payload))
		if err != nil {
			result.Unreadable = append(result.Unreadable, RecordError{RunID: runID, Err: err})
			continue
		}
		result.Summaries = append(result.Summaries, l.Summary())
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("ledger: list: %w", err)
	}
	return result, nil
}
