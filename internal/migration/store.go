package migration

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/devswarm/backend/internal/instance"
)

// PlanStore is durable storage for migration plans. Get returns (nil, nil)
// when the id is unknown.
type PlanStore interface {
	Save(plan *MigrationPlan) error
	Get(id string) (*MigrationPlan, error)
	List(status PlanStatus) ([]*MigrationPlan, error)
}

// SQLitePlanStore stores one row per plan: scalar columns for narrowing
// plus the full plan as a JSON document, same shape as the instance
// registry.
type SQLitePlanStore struct {
	db *sql.DB
}

const planSchema = `
CREATE TABLE IF NOT EXISTS migration_plans (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	source_instance_id TEXT NOT NULL,
	expires_at         TEXT NOT NULL,
	document           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON migration_plans(status);
`

// NewSQLitePlanStore ensures the schema and returns the store.
func NewSQLitePlanStore(db *sql.DB) (*SQLitePlanStore, error) {
	if _, err := db.Exec(planSchema); err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "create migration_plans schema")
	}
	return &SQLitePlanStore{db: db}, nil
}

// Save inserts or replaces the record for plan.ID.
func (s *SQLitePlanStore) Save(plan *MigrationPlan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return instance.WrapErr(instance.ErrPersistenceFailure, err, "encode plan %s", plan.ID)
	}
	query := `INSERT OR REPLACE INTO migration_plans (id, status, source_instance_id, expires_at, document)
			  VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, plan.ID, string(plan.Status), plan.SourceInstanceID,
		plan.ExpiresAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return instance.WrapErr(instance.ErrPersistenceFailure, err, "persist plan %s", plan.ID)
	}
	return nil
}

func (s *SQLitePlanStore) Get(id string) (*MigrationPlan, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM migration_plans WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "read plan %s", id)
	}
	return decodePlan(doc)
}

// List returns plans with the given status, or every plan when status is
// empty, oldest first.
func (s *SQLitePlanStore) List(status PlanStatus) ([]*MigrationPlan, error) {
	query := `SELECT document FROM migration_plans`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "list plans")
	}
	defer rows.Close()

	var out []*MigrationPlan
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "scan plan row")
		}
		plan, err := decodePlan(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "iterate plans")
	}
	return out, nil
}

func decodePlan(doc string) (*MigrationPlan, error) {
	var plan MigrationPlan
	if err := json.Unmarshal([]byte(doc), &plan); err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "decode plan document")
	}
	return &plan, nil
}
