package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BaseStore implements Store on top of database/sql with a Dialect.
// SQLiteStore and PostgresStore embed it and only differ in connection
// setup and DDL.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
}

// DB exposes the underlying handle for backend-specific setup and tests.
func (s *BaseStore) DB() *sql.DB { return s.db }

func (s *BaseStore) Close() error { return s.db.Close() }

const jobColumns = "token, printer_mac, payload_kind, payload, media_types, status, created_at"

func (s *BaseStore) AppendJob(ctx context.Context, job *PrintJob) (int, error) {
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := job.Status
	if status == "" {
		status = JobPending
	}
	mediaTypes, err := json.Marshal(job.MediaTypes)
	if err != nil {
		return 0, fmt.Errorf("marshal media types: %w", err)
	}

	query := s.dialect.Rewrite(`
		INSERT INTO print_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		job.Token, job.PrinterMAC, string(job.PayloadKind), job.Payload,
		string(mediaTypes), string(status), createdAt.UnixMicro())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateToken, job.Token)
		}
		return 0, fmt.Errorf("append job: %w", err)
	}

	job.CreatedAt = createdAt
	job.Status = status
	return s.JobPosition(ctx, job.PrinterMAC, job.Token)
}

func (s *BaseStore) PeekJob(ctx context.Context, mac string) (*PrintJob, error) {
	query := s.dialect.Rewrite(`
		SELECT ` + jobColumns + `
		FROM print_jobs
		WHERE printer_mac = ?
		ORDER BY created_at, token
		LIMIT 1`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, mac))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek job: %w", err)
	}
	return job, nil
}

func (s *BaseStore) MarkJobFetched(ctx context.Context, token string) error {
	query := s.dialect.Rewrite(`
		UPDATE print_jobs SET status = ? WHERE token = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(JobFetched), token); err != nil {
		return fmt.Errorf("mark job fetched: %w", err)
	}
	return nil
}

func (s *BaseStore) DeleteJob(ctx context.Context, token string) error {
	query := s.dialect.Rewrite(`DELETE FROM print_jobs WHERE token = ?`)
	res, err := s.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, token)
	}
	return nil
}

func (s *BaseStore) JobPosition(ctx context.Context, mac, token string) (int, error) {
	var createdAt int64
	query := s.dialect.Rewrite(`
		SELECT created_at FROM print_jobs WHERE token = ? AND printer_mac = ?`)
	err := s.db.QueryRowContext(ctx, query, token, mac).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("job position: %w", err)
	}

	var position int
	query = s.dialect.Rewrite(`
		SELECT COUNT(*) FROM print_jobs
		WHERE printer_mac = ?
		  AND (created_at < ? OR (created_at = ? AND token <= ?))`)
	err = s.db.QueryRowContext(ctx, query, mac, createdAt, createdAt, token).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("job position: %w", err)
	}
	return position, nil
}

func (s *BaseStore) ListJobs(ctx context.Context, mac string) ([]*PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs`
	args := []interface{}{}
	if mac != "" {
		query += ` WHERE printer_mac = ?`
		args = append(args, mac)
	}
	query += ` ORDER BY printer_mac, created_at, token`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rewrite(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*PrintJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *BaseStore) ClearJobs(ctx context.Context, mac string) (int, error) {
	query := `DELETE FROM print_jobs`
	args := []interface{}{}
	if mac != "" {
		query += ` WHERE printer_mac = ?`
		args = append(args, mac)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rewrite(query), args...)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	return int(n), nil
}

func (s *BaseStore) CountJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM print_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

const printerColumns = "mac, label, ip, use_push, is_default, online, status_code, printing_in_progress, first_seen, last_activity"

func (s *BaseStore) UpsertPrinter(ctx context.Context, p *Printer) error {
	firstSeen := p.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now().UTC()
	}
	lastActivity := p.LastActivity
	if lastActivity.IsZero() {
		lastActivity = firstSeen
	}

	query := s.dialect.Rewrite(`
		INSERT INTO printers (` + printerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		` + s.dialect.UpsertConflict([]string{"mac"}) + `
			label = excluded.label,
			ip = excluded.ip,
			use_push = excluded.use_push,
			is_default = excluded.is_default,
			online = excluded.online,
			status_code = excluded.status_code,
			printing_in_progress = excluded.printing_in_progress,
			last_activity = excluded.last_activity`)
	_, err := s.db.ExecContext(ctx, query,
		p.MAC, p.Label, p.IP, p.UsePush, p.IsDefault, p.Online,
		p.StatusCode, p.PrintingInProgress,
		firstSeen.UnixMicro(), lastActivity.UnixMicro())
	if err != nil {
		return fmt.Errorf("upsert printer: %w", err)
	}
	p.FirstSeen = firstSeen
	p.LastActivity = lastActivity
	return nil
}

func (s *BaseStore) GetPrinter(ctx context.Context, mac string) (*Printer, error) {
	query := s.dialect.Rewrite(`
		SELECT ` + printerColumns + ` FROM printers WHERE mac = ?`)
	p, err := scanPrinter(s.db.QueryRowContext(ctx, query, mac))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, mac)
	}
	if err != nil {
		return nil, fmt.Errorf("get printer: %w", err)
	}
	return p, nil
}

func (s *BaseStore) GetPrinterByLabel(ctx context.Context, label string) (*Printer, error) {
	query := s.dialect.Rewrite(`
		SELECT ` + printerColumns + ` FROM printers WHERE label = ?`)
	p, err := scanPrinter(s.db.QueryRowContext(ctx, query, label))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, label)
	}
	if err != nil {
		return nil, fmt.Errorf("get printer by label: %w", err)
	}
	return p, nil
}

func (s *BaseStore) ListPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+printerColumns+` FROM printers ORDER BY label, mac`)
	if err != nil {
		return nil, fmt.Errorf("list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, fmt.Errorf("list printers: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (s *BaseStore) DefaultPrinter(ctx context.Context) (*Printer, error) {
	query := s.dialect.Rewrite(`
		SELECT ` + printerColumns + ` FROM printers WHERE is_default = ? ORDER BY label LIMIT 1`)
	p, err := scanPrinter(s.db.QueryRowContext(ctx, query, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no default printer", ErrPrinterNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("default printer: %w", err)
	}
	return p, nil
}

func (s *BaseStore) UpdatePrinterStatus(ctx context.Context, mac, ip, statusCode string, printingInProgress bool) error {
	query := s.dialect.Rewrite(`
		UPDATE printers
		SET online = ?, status_code = ?, printing_in_progress = ?, ip = ?, last_activity = ?
		WHERE mac = ?`)
	res, err := s.db.ExecContext(ctx, query,
		true, statusCode, printingInProgress, ip, time.Now().UTC().UnixMicro(), mac)
	if err != nil {
		return fmt.Errorf("update printer status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update printer status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrPrinterNotFound, mac)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*PrintJob, error) {
	var (
		job        PrintJob
		kind       string
		mediaTypes string
		status     string
		createdAt  int64
	)
	err := row.Scan(&job.Token, &job.PrinterMAC, &kind, &job.Payload,
		&mediaTypes, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	job.PayloadKind = PayloadKind(kind)
	job.Status = JobStatus(status)
	job.CreatedAt = time.UnixMicro(createdAt).UTC()
	if err := json.Unmarshal([]byte(mediaTypes), &job.MediaTypes); err != nil {
		return nil, fmt.Errorf("unmarshal media types: %w", err)
	}
	return &job, nil
}

func scanPrinter(row rowScanner) (*Printer, error) {
	var (
		p            Printer
		firstSeen    int64
		lastActivity int64
	)
	err := row.Scan(&p.MAC, &p.Label, &p.IP, &p.UsePush, &p.IsDefault,
		&p.Online, &p.StatusCode, &p.PrintingInProgress, &firstSeen, &lastActivity)
	if err != nil {
		return nil, err
	}
	p.FirstSeen = time.UnixMicro(firstSeen).UTC()
	p.LastActivity = time.UnixMicro(lastActivity).UTC()
	return &p, nil
}
