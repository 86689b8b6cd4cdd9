package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface.
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("CloudPRNT broker service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if p.svcLogger != nil {
		p.svcLogger.Info("CloudPRNT broker service running")
	}

	runServer(p.ctx)

	if p.svcLogger != nil {
		p.svcLogger.Info("CloudPRNT broker service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("CloudPRNT broker service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("CloudPRNT broker service stopped gracefully")
		}
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("CloudPRNT broker service stopped with timeout")
		}
	}

	return nil
}

// getServiceConfig returns the service configuration for the current
// platform.
func getServiceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "CloudPRNT", "broker")
	case "darwin":
		workingDir = "/Library/Application Support/CloudPRNT/broker"
	default:
		workingDir = "/var/lib/cloudprnt"
	}

	return &service.Config{
		Name:             "CloudPRNTBroker",
		DisplayName:      "CloudPRNT Broker",
		Description:      "Print-job broker for Star CloudPRNT printers. Queues documents, compiles Star Document Markup and answers printer polls.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"Dependencies":           "",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// setupServiceDirectories creates the data, log and config directories
// for service operation and seeds a default config file.
func setupServiceDirectories() error {
	var dirs []string
	var configPath string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "CloudPRNT")
		brokerDir := filepath.Join(baseDir, "broker")
		dirs = []string{
			baseDir,
			brokerDir,
			filepath.Join(brokerDir, "logs"),
		}
		configPath = filepath.Join(brokerDir, "config.toml")
	case "darwin":
		baseDir := "/Library/Application Support/CloudPRNT"
		brokerDir := filepath.Join(baseDir, "broker")
		dirs = []string{
			baseDir,
			brokerDir,
			filepath.Join(brokerDir, "logs"),
			"/var/log/cloudprnt",
		}
		configPath = filepath.Join(brokerDir, "config.toml")
	default: // Linux
		dirs = []string{
			"/var/lib/cloudprnt",
			"/var/log/cloudprnt",
			"/etc/cloudprnt",
		}
		configPath = "/etc/cloudprnt/broker.toml"
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to generate default config at %s: %w", configPath, err)
		}
		fmt.Printf("Generated default configuration at: %s\n", configPath)
	} else {
		fmt.Printf("Configuration already exists at: %s\n", configPath)
	}

	return nil
}
