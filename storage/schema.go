package storage

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// initSchema creates the tables on first open and records the schema
// version. The DDL is shared between backends; the only divergence is
// the boolean column type, supplied by the dialect.
func initSchema(db *sql.DB, dialect Dialect) error {
	boolType := dialect.BoolType()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS print_jobs (
			token TEXT PRIMARY KEY,
			printer_mac TEXT NOT NULL,
			payload_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			media_types TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_print_jobs_queue
			ON print_jobs (printer_mac, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS printers (
			mac TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			use_push %[1]s NOT NULL DEFAULT %[2]s,
			is_default %[1]s NOT NULL DEFAULT %[2]s,
			online %[1]s NOT NULL DEFAULT %[2]s,
			status_code TEXT NOT NULL DEFAULT '',
			printing_in_progress %[1]s NOT NULL DEFAULT %[2]s,
			first_seen BIGINT NOT NULL,
			last_activity BIGINT NOT NULL
		)`, boolType, boolFalseLiteral(dialect)),
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var current int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(dialect.Rewrite(
			`INSERT INTO schema_version (version) VALUES (?)`), schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}
	return nil
}

func boolFalseLiteral(dialect Dialect) string {
	if dialect.Name() == "postgres" {
		return "FALSE"
	}
	return "0"
}
