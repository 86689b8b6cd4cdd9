package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore backs the queue with PostgreSQL for deployments where
// several broker instances share one database.
type PostgresStore struct {
	BaseStore
}

// NewPostgresStore connects with the given DSN, verifies the connection
// and applies the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{
		BaseStore: BaseStore{db: db, dialect: &PostgresDialect{}},
	}
	if err := initSchema(s.db, s.dialect); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
