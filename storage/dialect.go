package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL syntax differences between the SQLite and
// PostgreSQL backends so the shared store logic can be written once.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// BoolType returns the column type for booleans.
	// SQLite: INTEGER (0/1). PostgreSQL: BOOLEAN.
	BoolType() string

	// UpsertConflict returns the ON CONFLICT clause opener for the given
	// key columns.
	UpsertConflict(conflictColumns []string) string

	// Rewrite adapts a query written with ?-placeholders to the backend.
	Rewrite(query string) string

	// IsUniqueViolation reports whether err is a unique-constraint
	// violation from this backend.
	IsUniqueViolation(err error) bool
}

// SQLiteDialect implements Dialect for modernc.org/sqlite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }

func (d *SQLiteDialect) BoolType() string { return "INTEGER" }

func (d *SQLiteDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

func (d *SQLiteDialect) Rewrite(query string) string { return query }

func (d *SQLiteDialect) IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PostgresDialect implements Dialect for jackc/pgx via database/sql.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) BoolType() string { return "BOOLEAN" }

func (d *PostgresDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

func (d *PostgresDialect) Rewrite(query string) string {
	return ConvertPlaceholders(query)
}

func (d *PostgresDialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// ConvertPlaceholders rewrites SQLite-style ? placeholders into
// PostgreSQL-style $n placeholders so queries can be written once.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}
