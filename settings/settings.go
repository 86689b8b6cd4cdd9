// Package settings defines the effective-configuration snapshot served
// to operators. Values are copied out of the live config at request
// time so the snapshot always reflects what the broker is actually
// running with, including environment overrides.
package settings

import (
	"net/url"
	"strings"
)

// Snapshot is the read-only view returned by the settings endpoint.
type Snapshot struct {
	Version   string            `json:"version"`
	Server    Server            `json:"server"`
	Printing  Printing          `json:"printing"`
	Images    Images            `json:"images"`
	Database  Database          `json:"database"`
	Discovery Discovery         `json:"discovery"`
	Push      Push              `json:"push"`
	Sources   map[string]string `json:"sources,omitempty"` // config key -> file | env | default
}

type Server struct {
	ListenAddr string `json:"listen_addr"`
	PublicURL  string `json:"public_url"`
}

type Printing struct {
	PaperWidthMM      int      `json:"paper_width_mm"`
	ColumnWidth       int      `json:"column_width"`
	CodePage          string   `json:"code_page"`
	DefaultMediaTypes []string `json:"default_media_types"`
	HeaderLogoURL     string   `json:"header_logo_url,omitempty"`
	FooterLogoURL     string   `json:"footer_logo_url,omitempty"`
	DefaultPrinter    string   `json:"default_printer,omitempty"` // label of the is_default registry entry
}

type Images struct {
	TimeoutMS  int  `json:"timeout_ms"`
	Dither     bool `json:"dither"`
	ScaleToFit bool `json:"scale_to_fit"`
}

type Database struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"` // always redacted
}

type Discovery struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type Push struct {
	Enabled           bool `json:"enabled"`
	ActiveConnections int  `json:"active_connections"`
}

// RedactDSN strips credentials from a connection string before it is
// exposed. Unparseable DSNs are hidden entirely.
func RedactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// key=value style or garbage; hide rather than leak.
		if strings.Contains(dsn, "password=") {
			return "(redacted)"
		}
		return dsn
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
