package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"cloudprnt/server/storage"
)

// ConfigSourceTracker records which keys were set by environment
// variables, so the settings endpoint can show where each value came
// from.
type ConfigSourceTracker struct {
	EnvKeys map[string]bool
}

func newConfigSourceTracker() *ConfigSourceTracker {
	return &ConfigSourceTracker{EnvKeys: make(map[string]bool)}
}

// Source reports where a key's value came from.
func (t *ConfigSourceTracker) Source(key string, fileLoaded bool) string {
	if t.EnvKeys[key] {
		return "env"
	}
	if fileLoaded {
		return "file"
	}
	return "default"
}

// Config is the broker configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Printing  PrintingConfig  `toml:"printing"`
	Images    ImagesConfig    `toml:"images"`
	Resolver  ResolverConfig  `toml:"resolver"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Database  storage.Config  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Push      PushConfig      `toml:"push"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	// PublicURL is the base URL printers can reach this broker on. Used
	// in push notices and the test page QR. Empty falls back to the
	// request host.
	PublicURL string `toml:"public_url"`
}

// PrintingConfig holds the document rendering defaults.
type PrintingConfig struct {
	PaperWidthMM      int      `toml:"paper_width_mm"` // 58, 80 or 112
	CodePage          string   `toml:"code_page"`      // "cp1252" or "utf-8"
	DefaultMediaTypes []string `toml:"default_media_types"`
	// Logo URLs are advisory: exposed through the settings endpoint so
	// document producers can place them in markup via [image: url ...].
	HeaderLogoURL string `toml:"header_logo_url"`
	FooterLogoURL string `toml:"footer_logo_url"`
}

// ImagesConfig tunes the image fetch/raster pipeline.
type ImagesConfig struct {
	TimeoutMS  int  `toml:"timeout_ms"`
	Dither     bool `toml:"dither"`
	ScaleToFit bool `toml:"scale_to_fit"`
}

// ResolverConfig points at the upstream document service that renders
// invoice references into markup.
type ResolverConfig struct {
	Endpoint  string `toml:"endpoint"`
	AuthToken string `toml:"auth_token"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// DiscoveryConfig tunes the unadopted-printer tracker.
type DiscoveryConfig struct {
	TTLSeconds int `toml:"ttl_seconds"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"` // empty disables file output
}

// PushConfig controls the WebSocket push bridge.
type PushConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8001",
		},
		Printing: PrintingConfig{
			PaperWidthMM: 80,
			CodePage:     "cp1252",
			DefaultMediaTypes: []string{
				"application/vnd.star.line",
				"text/vnd.star.markup",
			},
		},
		Images: ImagesConfig{
			TimeoutMS:  10000,
			Dither:     true,
			ScaleToFit: true,
		},
		Resolver: ResolverConfig{
			TimeoutMS: 30000,
		},
		Discovery: DiscoveryConfig{
			TTLSeconds: 300,
		},
		Database: storage.Config{
			Driver: "sqlite",
			Path:   "cloudprnt.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Push: PushConfig{
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from a TOML file with CLOUDPRNT_*
// environment variable overrides. Returns the config, a tracker of
// env-set keys, and whether the file existed.
func LoadConfig(configPath string) (*Config, *ConfigSourceTracker, bool, error) {
	cfg := DefaultConfig()
	tracker := newConfigSourceTracker()

	fileLoaded := false
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, nil, false, fmt.Errorf("parse config %s: %w", configPath, err)
		}
		fileLoaded = true
	}

	applyEnvString := func(env, key string, dst *string) {
		if val := os.Getenv(env); val != "" {
			*dst = val
			tracker.EnvKeys[key] = true
		}
	}
	applyEnvInt := func(env, key string, dst *int) {
		if val := os.Getenv(env); val != "" {
			var v int
			if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
				*dst = v
				tracker.EnvKeys[key] = true
			}
		}
	}
	applyEnvBool := func(env, key string, dst *bool) {
		if val := os.Getenv(env); val != "" {
			*dst = val == "true" || val == "1"
			tracker.EnvKeys[key] = true
		}
	}

	applyEnvString("CLOUDPRNT_LISTEN_ADDR", "server.listen_addr", &cfg.Server.ListenAddr)
	applyEnvString("CLOUDPRNT_PUBLIC_URL", "server.public_url", &cfg.Server.PublicURL)
	applyEnvInt("CLOUDPRNT_PAPER_WIDTH_MM", "printing.paper_width_mm", &cfg.Printing.PaperWidthMM)
	applyEnvString("CLOUDPRNT_CODE_PAGE", "printing.code_page", &cfg.Printing.CodePage)
	applyEnvString("CLOUDPRNT_HEADER_LOGO_URL", "printing.header_logo_url", &cfg.Printing.HeaderLogoURL)
	applyEnvString("CLOUDPRNT_FOOTER_LOGO_URL", "printing.footer_logo_url", &cfg.Printing.FooterLogoURL)
	applyEnvInt("CLOUDPRNT_IMAGE_TIMEOUT_MS", "images.timeout_ms", &cfg.Images.TimeoutMS)
	applyEnvBool("CLOUDPRNT_IMAGE_DITHER", "images.dither", &cfg.Images.Dither)
	applyEnvString("CLOUDPRNT_RESOLVER_ENDPOINT", "resolver.endpoint", &cfg.Resolver.Endpoint)
	applyEnvString("CLOUDPRNT_RESOLVER_AUTH_TOKEN", "resolver.auth_token", &cfg.Resolver.AuthToken)
	applyEnvInt("CLOUDPRNT_RESOLVER_TIMEOUT_MS", "resolver.timeout_ms", &cfg.Resolver.TimeoutMS)
	applyEnvInt("CLOUDPRNT_DISCOVERY_TTL_SECONDS", "discovery.ttl_seconds", &cfg.Discovery.TTLSeconds)
	applyEnvString("CLOUDPRNT_DB_DRIVER", "database.driver", &cfg.Database.Driver)
	applyEnvString("CLOUDPRNT_DB_PATH", "database.path", &cfg.Database.Path)
	applyEnvString("CLOUDPRNT_DB_DSN", "database.dsn", &cfg.Database.DSN)
	applyEnvString("CLOUDPRNT_LOG_DIR", "logging.dir", &cfg.Logging.Dir)
	applyEnvBool("CLOUDPRNT_PUSH_ENABLED", "push.enabled", &cfg.Push.Enabled)

	if val := os.Getenv("CLOUDPRNT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
		tracker.EnvKeys["logging.level"] = true
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
		tracker.EnvKeys["logging.level"] = true
	}

	return cfg, tracker, fileLoaded, nil
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(configPath string) error {
	f, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(DefaultConfig())
}
