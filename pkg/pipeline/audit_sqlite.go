package pipeline

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore persists audit records in SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// OpenSQLiteAuditStore opens dsn with the pure-Go sqlite driver.
func OpenSQLiteAuditStore(ctx context.Context, dsn string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLiteAuditStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteAuditStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteAuditStore(ctx context.Context, db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteAuditStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// Record stores a single audit record.
func (s *SQLiteAuditStore) Record(ctx context.Context, record AuditRecord) error {
	record = normalizeRecord(record)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crew_step_attempts (
			run_id, step_index, role, model, attempt, status, output_text, error_text, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.RunID,
		record.StepIndex,
		record.Role,
		record.Model,
		record.Attempt,
		record.Status,
		record.Output,
		record.Error,
		record.StartedAt,
		record.FinishedAt,
	)
	return err
}

// List returns audit records matching the filter in insertion order.
func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT run_id, step_index, role, model, attempt, status, output_text, error_text, started_at, finished_at
		FROM crew_step_attempts
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.Role != "" {
		addFilter("role = ?", filter.Role)
	}
	if filter.Status != "" {
		addFilter("status = ?", filter.Status)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			rec      AuditRecord
			output   sql.NullString
			errText  sql.NullString
			started  sql.NullTime
			finished sql.NullTime
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.StepIndex,
			&rec.Role,
			&rec.Model,
			&rec.Attempt,
			&rec.Status,
			&output,
			&errText,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		rec.Output = output.String
		rec.Error = errText.String
		if started.Valid {
			rec.StartedAt = started.Time.UTC()
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time.UTC()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func ensureAuditSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS crew_step_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			role TEXT NOT NULL,
			model TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			output_text TEXT,
			error_text TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_crew_attempts_run ON crew_step_attempts(run_id);
		CREATE INDEX IF NOT EXISTS idx_crew_attempts_status ON crew_step_attempts(status);
	`)
	return err
}
