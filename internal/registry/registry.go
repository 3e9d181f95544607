// Package registry is the durable source of truth for instance records,
// independent of which provider currently owns them. One self-contained
// JSON document is stored per instance id.
package registry

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devswarm/backend/internal/instance"
)

// Registry maps instance ids to records. Get returns (nil, nil) when the
// id is unknown; callers decide whether absence is an error.
type Registry interface {
	Register(inst *instance.Instance) error
	Get(id string) (*instance.Instance, error)
	Remove(id string) error
	List(filter instance.Filter) ([]*instance.Instance, error)
}

// Open opens (or creates) the backing SQLite database. WAL keeps
// concurrent readers cheap; each record is still written independently.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
