package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore is an Archive and History backed by SQLite.
type SQLiteStore struct {
	db     *sql.DB
	window int
	owned  bool
}

var (
	_ Archive = (*SQLiteStore)(nil)
	_ History = (*SQLiteStore)(nil)
)

// OpenSQLite opens dsn with the modernc driver and prepares the schema.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, dsn string, window int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// A single connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(ctx, db, window)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLiteStore initializes the schema in db. The caller keeps ownership of db.
func NewSQLiteStore(ctx context.Context, db *sql.DB, window int) (*SQLiteStore, error) {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	s := &SQLiteStore{db: db, window: window}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			tenant_id TEXT,
			status TEXT NOT NULL,
			record BLOB NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS executions_workflow ON executions (workflow_id, started_at);
		CREATE TABLE IF NOT EXISTS capability_timings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			capability TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS capability_timings_capability ON capability_timings (capability, id);`,
	)
	return err
}

// SaveExecution inserts or replaces rec.
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("save execution: record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, workflow_name, tenant_id, status, record, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		rec.ID,
		rec.WorkflowID,
		rec.WorkflowName,
		rec.TenantID,
		string(rec.Status),
		data,
		rec.Error,
		rec.StartedAt.UnixNano(),
		rec.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetExecution loads an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM executions WHERE id = ?`, id)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return decodeRecord(data)
}

// ListExecutions returns the newest executions first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT record FROM executions ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args := []any{limit}
	if workflowID != "" {
		query = `SELECT record FROM executions WHERE workflow_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`
		args = []any{workflowID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordTiming appends a sample and prunes samples outside the window.
func (s *SQLiteStore) RecordTiming(ctx context.Context, capability string, d time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO capability_timings (capability, duration_ns, recorded_at) VALUES (?, ?, ?)`,
		capability, int64(d), time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("record timing for %s: %w", capability, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM capability_timings
		WHERE capability = ? AND id NOT IN (
			SELECT id FROM capability_timings WHERE capability = ? ORDER BY id DESC LIMIT ?
		)`,
		capability, capability, s.window,
	); err != nil {
		return fmt.Errorf("prune timings for %s: %w", capability, err)
	}

	return tx.Commit()
}

// Averages returns the mean of the retained samples per capability.
func (s *SQLiteStore) Averages(ctx context.Context) (map[string]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT capability, AVG(duration_ns) FROM capability_timings GROUP BY capability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Duration)
	for rows.Next() {
		var (
			capability string
			avg        float64
		)
		if err := rows.Scan(&capability, &avg); err != nil {
			return nil, err
		}
		out[capability] = time.Duration(avg)
	}
	return out, rows.Err()
}

// Close releases the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func decodeRecord(data []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	return &rec, nil
}
