package workflow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresInstanceStore implements InstanceStore atop database/sql +
// lib/pq, grounded on idempotency.PostgresStore's sql.Open/QueryRow/Exec
// idiom (itself grounded on Tim275-oms/stock/store_postgres.go).
// Decisions and Metadata are stored as JSON columns rather than normalized
// tables: they're written and read whole, never queried by sub-field, so
// a relational decomposition would add joins with no payoff.
type PostgresInstanceStore struct {
	db        *sql.DB
	schema    string
	tableName string
}

// PostgresInstanceConfig configures the store's table location and
// connection.
type PostgresInstanceConfig struct {
	ConnectionString string
	Schema           string
	TableName        string
}

// NewPostgresInstanceStore opens and pings the database.
func NewPostgresInstanceStore(cfg PostgresInstanceConfig) (*PostgresInstanceStore, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	table := cfg.TableName
	if table == "" {
		table = "workflow_instances"
	}

	return &PostgresInstanceStore{db: db, schema: schema, tableName: table}, nil
}

// Close closes the underlying database handle.
func (s *PostgresInstanceStore) Close() error {
	return s.db.Close()
}

func (s *PostgresInstanceStore) qualified() string {
	return fmt.Sprintf("%s.%s", s.schema, s.tableName)
}

// Save upserts inst in full, keyed by id.
func (s *PostgresInstanceStore) Save(inst *Instance) error {
	decisions, err := json.Marshal(inst.Decisions)
	if err != nil {
		return fmt.Errorf("marshaling decisions: %w", err)
	}
	metadata, err := json.Marshal(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, template_id, template_version, current_step, decisions,
			status, metadata, created_at, updated_at, step_deadline
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			decisions = EXCLUDED.decisions,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			step_deadline = EXCLUDED.step_deadline`, s.qualified())

	_, err = s.db.Exec(query,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.CurrentStep, decisions,
		string(inst.Status), metadata, inst.CreatedAt, inst.UpdatedAt, nullTime(inst.StepDeadline))
	if err != nil {
		return fmt.Errorf("saving instance %s: %w", inst.ID, err)
	}
	return nil
}

// Get loads one instance by id.
func (s *PostgresInstanceStore) Get(instanceID string) (*Instance, error) {
	query := fmt.Sprintf(`
		SELECT id, template_id, template_version, current_step, decisions,
		       status, metadata, created_at, updated_at, step_deadline
		FROM %s
		WHERE id = $1`, s.qualified())

	var inst Instance
	var decisions, metadata []byte
	var status string
	var stepDeadline sql.NullTime

	err := s.db.QueryRow(query, instanceID).Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.CurrentStep, &decisions,
		&status, &metadata, &inst.CreatedAt, &inst.UpdatedAt, &stepDeadline)
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", instanceID, err)
	}

	inst.Status = InstanceStatus(status)
	inst.StepDeadline = stepDeadline.Time
	if err := json.Unmarshal(decisions, &inst.Decisions); err != nil {
		return nil, fmt.Errorf("unmarshaling decisions for %s: %w", instanceID, err)
	}
	if err := json.Unmarshal(metadata, &inst.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata for %s: %w", instanceID, err)
	}
	return &inst, nil
}

// ListOverdue returns every in_progress instance whose step_deadline has
// passed as of now.
func (s *PostgresInstanceStore) ListOverdue(now time.Time) ([]*Instance, error) {
	query := fmt.Sprintf(`
		SELECT id, template_id, template_version, current_step, decisions,
		       status, metadata, created_at, updated_at, step_deadline
		FROM %s
		WHERE status = $1 AND step_deadline IS NOT NULL AND step_deadline <= $2`, s.qualified())

	rows, err := s.db.Query(query, string(StatusInProgress), now)
	if err != nil {
		return nil, fmt.Errorf("listing overdue instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var inst Instance
		var decisions, metadata []byte
		var status string
		var stepDeadline sql.NullTime

		if err := rows.Scan(
			&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.CurrentStep, &decisions,
			&status, &metadata, &inst.CreatedAt, &inst.UpdatedAt, &stepDeadline); err != nil {
			return nil, fmt.Errorf("scanning overdue instance: %w", err)
		}
		inst.Status = InstanceStatus(status)
		inst.StepDeadline = stepDeadline.Time
		if err := json.Unmarshal(decisions, &inst.Decisions); err != nil {
			return nil, fmt.Errorf("unmarshaling decisions: %w", err)
		}
		if err := json.Unmarshal(metadata, &inst.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
