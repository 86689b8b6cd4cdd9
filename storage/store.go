package storage

import (
	"context"
	"fmt"
)

// Store is the durable backing for the job queue and the printer registry.
// Ordering and the at-most-one-in-flight rule are enforced here, not by
// in-process locks, so any number of request workers observe a consistent
// queue head.
type Store interface {
	// AppendJob inserts a job and returns its 1-based queue position for
	// its printer. The store assigns CreatedAt. Returns ErrDuplicateToken
	// when the token already exists; no partial state is left behind.
	AppendJob(ctx context.Context, job *PrintJob) (int, error)

	// PeekJob returns the oldest Pending-or-Fetched job for the printer,
	// or nil when the queue is empty. Repeated peeks return the same job
	// until it is deleted.
	PeekJob(ctx context.Context, mac string) (*PrintJob, error)

	// MarkJobFetched transitions Pending to Fetched. Calling it on an
	// already-Fetched job is a no-op.
	MarkJobFetched(ctx context.Context, token string) error

	// DeleteJob removes the job. Returns ErrJobNotFound when the token is
	// absent; the call has no other side effects in that case.
	DeleteJob(ctx context.Context, token string) error

	// JobPosition returns the 1-based index of the token within its
	// printer's ordered queue, or 0 when absent.
	JobPosition(ctx context.Context, mac, token string) (int, error)

	// ListJobs returns jobs in queue order; mac == "" lists all printers.
	ListJobs(ctx context.Context, mac string) ([]*PrintJob, error)

	// ClearJobs bulk-deletes jobs and reports how many were removed;
	// mac == "" clears everything.
	ClearJobs(ctx context.Context, mac string) (int, error)

	// CountJobs returns the number of queued jobs across all printers.
	CountJobs(ctx context.Context) (int, error)

	// UpsertPrinter inserts or updates a registry entry keyed by MAC.
	UpsertPrinter(ctx context.Context, p *Printer) error

	// GetPrinter looks up a registry entry by canonical MAC.
	GetPrinter(ctx context.Context, mac string) (*Printer, error)

	// GetPrinterByLabel looks up a registry entry by its operator label.
	GetPrinterByLabel(ctx context.Context, label string) (*Printer, error)

	// ListPrinters returns all registry entries ordered by label.
	ListPrinters(ctx context.Context) ([]*Printer, error)

	// DefaultPrinter returns the entry flagged as default, or
	// ErrPrinterNotFound when none is flagged.
	DefaultPrinter(ctx context.Context) (*Printer, error)

	// UpdatePrinterStatus records a poll: marks the printer online and
	// refreshes status code, printing flag, IP and last activity.
	UpdatePrinterStatus(ctx context.Context, mac, ip, statusCode string, printingInProgress bool) error

	Close() error
}

// Config selects and parameterizes a Store backend.
type Config struct {
	Driver string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path   string `toml:"path"`   // SQLite database file
	DSN    string `toml:"dsn"`    // PostgreSQL connection string
}

// EffectiveDriver resolves the configured driver name, defaulting to
// SQLite.
func (c Config) EffectiveDriver() string {
	if c.Driver == "" {
		return "sqlite"
	}
	return c.Driver
}

// NewStore creates a Store for the configured backend.
func NewStore(cfg Config) (Store, error) {
	switch cfg.EffectiveDriver() {
	case "sqlite", "sqlite3", "modernc", "modernc-sqlite":
		path := cfg.Path
		if path == "" {
			path = "cloudprnt.db"
		}
		return NewSQLiteStore(path)

	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		return NewPostgresStore(cfg.DSN)

	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres)", cfg.Driver)
	}
}
