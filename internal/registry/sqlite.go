package registry

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/devswarm/backend/internal/instance"
)

// SQLiteRegistry stores one row per instance id: a few scalar columns for
// cheap narrowing plus the full record as a JSON document.
type SQLiteRegistry struct {
	db *sql.DB
}

const instanceSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id            TEXT PRIMARY KEY,
	provider_type TEXT NOT NULL,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	document      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_provider ON instances(provider_type);
`

// NewSQLiteRegistry ensures the schema and returns the registry.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	if _, err := db.Exec(instanceSchema); err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "create instances schema")
	}
	return &SQLiteRegistry{db: db}, nil
}

// Register inserts or replaces the record for inst.ID.
func (r *SQLiteRegistry) Register(inst *instance.Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return instance.WrapErr(instance.ErrPersistenceFailure, err, "encode instance %s", inst.ID)
	}
	query := `INSERT OR REPLACE INTO instances (id, provider_type, name, status, created_at, updated_at, document)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.Exec(query, inst.ID, string(inst.ProviderType), inst.Name, string(inst.Status),
		inst.CreatedAt.UTC().Format(time.RFC3339Nano), inst.UpdatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return instance.WrapErr(instance.ErrPersistenceFailure, err, "persist instance %s", inst.ID)
	}
	return nil
}

func (r *SQLiteRegistry) Get(id string) (*instance.Instance, error) {
	var doc string
	err := r.db.QueryRow(`SELECT document FROM instances WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "read instance %s", id)
	}
	return decode(doc)
}

func (r *SQLiteRegistry) Remove(id string) error {
	_, err := r.db.Exec(`DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return instance.WrapErr(instance.ErrPersistenceFailure, err, "remove instance %s", id)
	}
	return nil
}

// List narrows by status in SQL where possible and finishes with the
// in-memory filter, which also applies ordering and offset/limit.
func (r *SQLiteRegistry) List(filter instance.Filter) ([]*instance.Instance, error) {
	query := `SELECT document FROM instances`
	var args []interface{}
	if len(filter.Statuses) == 1 {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Statuses[0]))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "list instances")
	}
	defer rows.Close()

	var all []*instance.Instance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "scan instance row")
		}
		inst, err := decode(doc)
		if err != nil {
			return nil, err
		}
		all = append(all, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "iterate instances")
	}
	return filter.Apply(all), nil
}

func decode(doc string) (*instance.Instance, error) {
	var inst instance.Instance
	if err := json.Unmarshal([]byte(doc), &inst); err != nil {
		return nil, instance.WrapErr(instance.ErrPersistenceFailure, err, "decode instance document")
	}
	return &inst, nil
}
