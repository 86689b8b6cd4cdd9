package storage

import (
	"errors"
	"time"
)

// Domain errors surfaced by Store implementations.
var (
	// ErrDuplicateToken is returned when a job token already exists.
	ErrDuplicateToken = errors.New("duplicate job token")
	// ErrJobNotFound is returned when a token does not resolve to a job.
	ErrJobNotFound = errors.New("job not found")
	// ErrPrinterNotFound is returned when a MAC or label is not registered.
	ErrPrinterNotFound = errors.New("printer not found")
)

// JobStatus is the queue lifecycle state of a job. Completed jobs are
// deleted rather than given a terminal status.
type JobStatus string

const (
	JobPending JobStatus = "Pending"
	JobFetched JobStatus = "Fetched"
)

// PayloadKind discriminates how a job payload is turned into bytes at
// fetch time.
type PayloadKind string

const (
	// PayloadMarkup is inline Star Document Markup compiled at fetch time.
	PayloadMarkup PayloadKind = "Markup"
	// PayloadHex is a pre-compiled command stream stored as hex text and
	// served verbatim.
	PayloadHex PayloadKind = "Hex"
	// PayloadInvoiceRef is an invoice identifier resolved to markup lazily.
	PayloadInvoiceRef PayloadKind = "InvoiceRef"
)

// PrintJob is one queued print. Jobs are partitioned by printer MAC and
// served in created-at order, ties broken by token.
type PrintJob struct {
	Token       string      `json:"token"`
	PrinterMAC  string      `json:"printer_mac"`
	PayloadKind PayloadKind `json:"payload_kind"`
	Payload     string      `json:"payload,omitempty"`
	MediaTypes  []string    `json:"media_types"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Printer is an adopted printer in the registry.
type Printer struct {
	MAC                string    `json:"mac"`
	Label              string    `json:"label"`
	IP                 string    `json:"ip,omitempty"`
	UsePush            bool      `json:"use_push"`
	IsDefault          bool      `json:"is_default"`
	Online             bool      `json:"online"`
	StatusCode         string    `json:"status_code,omitempty"`
	PrintingInProgress bool      `json:"printing_in_progress"`
	FirstSeen          time.Time `json:"first_seen"`
	LastActivity       time.Time `json:"last_activity"`
}
