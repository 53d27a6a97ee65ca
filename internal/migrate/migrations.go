// Package migrate brings the case-tracking database up to the newest
// embedded schema and records the applied version.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type script struct {
	version int
	name    string
	sql     string
}

// Script filenames carry a numeric version prefix ("001_init.sql").
func loadScripts() ([]script, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var scripts []script
	for _, f := range entries {
		if f.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("schema script %s has no version prefix: %w", f.Name(), err)
		}
		scripts = append(scripts, script{version: v, name: f.Name(), sql: string(data)})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })
	return scripts, nil
}

// Migrate applies the embedded schema scripts newer than the recorded
// version, all in one transaction.
func Migrate(db *sql.DB) error {
	scripts, err := loadScripts()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := readVersion(tx.QueryRow)
	if err != nil {
		return err
	}
	if current < 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	}

	for _, s := range scripts {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.sql); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record %s: %w", s.name, err)
		}
		current = s.version
	}
	return tx.Commit()
}

// Version reports the applied schema version, 0 for a fresh database.
func Version(db *sql.DB) (int, error) {
	v, err := readVersion(db.QueryRow)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}

// readVersion returns -1 when the version row does not exist yet.
func readVersion(queryRow func(string, ...any) *sql.Row) (int, error) {
	var v int
	err := queryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
