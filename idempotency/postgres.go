package idempotency

import (
	"database/sql"
	"fmt"
	"time"

	// Registers the "postgres" driver with database/sql, same import-for-
	// side-effect idiom as Tim275-oms/stock/store_postgres.go.
	_ "github.com/lib/pq"
)

// PostgresStore implements Store atop database/sql + lib/pq, grounded on
// Tim275-oms/stock/store_postgres.go's sql.Open/QueryRowContext/
// ExecContext idiom, generalized to the processed_events table layout of
// spec.md §6.
type PostgresStore struct {
	db        *sql.DB
	schema    string
	tableName string
}

// PostgresConfig configures the store's table location and connection.
type PostgresConfig struct {
	ConnectionString string
	Schema           string
	TableName        string
}

// NewPostgresStore opens and pings the database, matching the teacher's
// connect-then-ping pattern.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreWithDB(db, cfg), nil
}

// NewPostgresStoreWithDB builds a PostgresStore around a database handle the
// caller already owns, skipping Open/Ping. This is the seam integration
// tests use to back the store with a sqlmock *sql.DB (per
// jordigilh-kubernaut/test/unit/datastorage/workflow_repository_test.go's
// sqlmock.New()-then-inject shape) instead of a live Postgres instance.
func NewPostgresStoreWithDB(db *sql.DB, cfg PostgresConfig) *PostgresStore {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	table := cfg.TableName
	if table == "" {
		table = "processed_events"
	}

	return &PostgresStore{db: db, schema: schema, tableName: table}
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) qualified() string {
	return fmt.Sprintf("%s.%s", s.schema, s.tableName)
}

// Check implements Store.Check. It must not raise on absence, per spec.md
// §4.2 — sql.ErrNoRows is translated to a negative CheckResult, not an
// error.
func (s *PostgresStore) Check(consumer, eventID string) (CheckResult, error) {
	query := fmt.Sprintf(`
		SELECT status, processed_at, processing_attempts, output
		FROM %s
		WHERE consumer_name = $1 AND event_id = $2`, s.qualified())

	var status string
	var processedAt sql.NullTime
	var attempts int
	var output []byte

	err := s.db.QueryRow(query, consumer, eventID).Scan(&status, &processedAt, &attempts, &output)
	if err == sql.ErrNoRows {
		return CheckResult{Processed: false}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency check: %w", err)
	}

	return CheckResult{
		Processed:   status == string(StatusCompleted),
		ProcessedAt: processedAt.Time,
		Attempts:    attempts,
		Output:      output,
	}, nil
}

// MarkInProgress implements Store.MarkInProgress as an upsert that claims
// the row for this attempt: a brand-new event_id gets processing_attempts
// = 1; a previously-failed row is reclaimed and its processing_attempts
// incremented, so a retried delivery's attempt count is always the store's
// own record. This upsert, not RecordOutcome, is what counts attempts.
// The WHERE clause on the UPDATE arm skips rows another worker already
// has in_progress, so concurrent delivery of the same event_id to
// multiple processes still results in exactly one winner, per spec.md §4.2.
func (s *PostgresStore) MarkInProgress(consumer, eventID, eventType string) error {
	table := s.qualified()
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, consumer_name, status, processing_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, now(), now())
		ON CONFLICT (consumer_name, event_id) DO UPDATE SET
			status = $4,
			processing_attempts = %s.processing_attempts + 1,
			updated_at = now()
		WHERE %s.status != $4`, table, table, table)

	_, err := s.db.Exec(query, eventID, eventType, consumer, StatusInProgress)
	if err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	return nil
}

// RecordOutcome implements Store.RecordOutcome. processing_attempts is not
// touched here: MarkInProgress already claimed/incremented it for this
// attempt, so RecordOutcome only settles the terminal status.
func (s *PostgresStore) RecordOutcome(consumer, eventID string, outcome Outcome) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
		    processed_at = now(),
		    updated_at = now(),
		    processing_duration_ms = $2,
		    result = $3,
		    output = $4,
		    error_message = $5,
		    error_code = $6
		WHERE consumer_name = $7 AND event_id = $8`, s.qualified())

	_, err := s.db.Exec(query,
		outcome.Status, outcome.DurationMs, nullResult(outcome.Result), outcome.Output,
		nullString(outcome.ErrorMessage), nullString(outcome.ErrorCode),
		consumer, eventID)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Reset implements Store.Reset: a manual re-drive deletes the row outright.
func (s *PostgresStore) Reset(consumer, eventID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE consumer_name = $1 AND event_id = $2`, s.qualified())
	_, err := s.db.Exec(query, consumer, eventID)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Prune implements Store.Prune: removes rows older than the retention
// cutoff, returning the number of rows removed.
func (s *PostgresStore) Prune(consumer string, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE consumer_name = $1 AND updated_at < $2`, s.qualified())
	result, err := s.db.Exec(query, consumer, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return result.RowsAffected()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullResult(r Result) any {
	if r == "" {
		return nil
	}
	return string(r)
}
