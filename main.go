// CloudPRNT Broker - print-job queue for Star CloudPRNT printers.
// Answers printer polls, compiles Star Document Markup to Star Line
// Mode bytes and exposes a producer API for enqueueing documents.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"cloudprnt/server/discovery"
	"cloudprnt/server/handlers"
	"cloudprnt/server/logger"
	"cloudprnt/server/push"
	"cloudprnt/server/raster"
	"cloudprnt/server/resolver"
	"cloudprnt/server/settings"
	"cloudprnt/server/starline"
	"cloudprnt/server/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"     // Semantic version (e.g. "0.3.1")
	BuildTime = "unknown" // Build timestamp
	GitCommit = "unknown" // Git commit hash
)

// Flags shared with the service wrapper. The service runs with
// "--service run", which goes through the same flag parsing as an
// interactive start.
var (
	flagConfigPath  string
	flagListenAddr  string
	flagLogLevel    string
	brokerStartTime = time.Now()
)

// defaultConfigPath returns the platform config location used when
// -config is not given. Matches the directories the service installer
// creates.
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return os.Getenv("ProgramData") + `\CloudPRNT\broker\config.toml`
	case "darwin":
		return "/Library/Application Support/CloudPRNT/broker/config.toml"
	default:
		if _, err := os.Stat("/etc/cloudprnt/broker.toml"); err == nil {
			return "/etc/cloudprnt/broker.toml"
		}
		return "broker.toml"
	}
}

func main() {
	flag.StringVar(&flagConfigPath, "config", defaultConfigPath(), "Configuration file path")
	flag.StringVar(&flagListenAddr, "listen", "", "Listen address override (e.g. :8001)")
	flag.StringVar(&flagLogLevel, "log-level", "", "Log level override (error, warn, info, debug, trace)")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, status, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	healthcheck := flag.Bool("healthcheck", false, "Probe the local health endpoint and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("CloudPRNT Broker %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		if err := WriteDefaultConfig(flagConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at %s\n", flagConfigPath)
		return
	}

	if *healthcheck {
		cfg, _, _, err := LoadConfig(flagConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
			os.Exit(1)
		}
		addr := healthcheckAddr(cfg.Server.ListenAddr)
		if err := handlers.RunHealthCheck(addr); err != nil {
			fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	if *serviceCmd != "" && *serviceCmd != "run" {
		handleServiceCommand(*serviceCmd)
		return
	}

	if *serviceCmd == "run" || !service.Interactive() {
		runAsService()
		return
	}

	// Interactive start: run until Ctrl-C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runServer(ctx)
}

// healthcheckAddr turns a listen address into something dialable; a
// bare ":8001" means localhost.
func healthcheckAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

// handleServiceCommand processes service install/uninstall/start/stop/status.
func handleServiceCommand(cmd string) {
	svcConfig := getServiceConfig()
	prg := &program{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to setup service directories: %v\n", err)
			os.Exit(1)
		}
		if err := s.Install(); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				fmt.Println("Service already installed")
			} else {
				fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Println("CloudPRNT broker service installed")
		fmt.Println("Use '--service start' to start it")

	case "uninstall":
		if err := s.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("CloudPRNT broker service uninstalled")

	case "start":
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("CloudPRNT broker service started")

	case "stop":
		if err := s.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stop service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("CloudPRNT broker service stopped")

	case "status":
		status, err := s.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to query service status: %v\n", err)
			os.Exit(1)
		}
		switch status {
		case service.StatusRunning:
			fmt.Println("running")
		case service.StatusStopped:
			fmt.Println("stopped")
		default:
			fmt.Println("not installed")
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown service command: %s\n", cmd)
		os.Exit(1)
	}
}

// runAsService hands control to the platform service manager.
func runAsService() {
	svcConfig := getServiceConfig()
	prg := &program{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	if err := s.Run(); err != nil {
		log.Fatalf("Service run failed: %v", err)
	}
}

// runServer wires the broker together and serves until ctx is
// cancelled. Called both interactively and from the service wrapper.
func runServer(ctx context.Context) {
	cfg, tracker, fileLoaded, err := LoadConfig(flagConfigPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if flagListenAddr != "" {
		cfg.Server.ListenAddr = flagListenAddr
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	brokerLog := logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Dir, 1000)
	defer brokerLog.Close()

	brokerLog.Info("CloudPRNT broker starting",
		"version", Version, "commit", GitCommit,
		"go", runtime.Version(), "os", runtime.GOOS, "arch", runtime.GOARCH)

	store, err := storage.NewStore(cfg.Database)
	if err != nil {
		brokerLog.Error("Failed to open queue store", "error", err)
		log.Fatalf("Failed to open queue store: %v", err)
	}
	defer store.Close()
	brokerLog.Info("Queue store ready", "driver", cfg.Database.EffectiveDriver())

	discoveryTracker := discovery.NewTracker(time.Duration(cfg.Discovery.TTLSeconds) * time.Second)

	var hub *push.Hub
	if cfg.Push.Enabled {
		hub = push.NewHub(brokerLog)
		defer hub.Close()
	}

	images := raster.NewFetcher(
		time.Duration(cfg.Images.TimeoutMS)*time.Millisecond,
		raster.Options{
			PrinterWidth: raster.WidthCodeForMM(cfg.Printing.PaperWidthMM),
			Dither:       cfg.Images.Dither,
			ScaleToFit:   cfg.Images.ScaleToFit,
		},
	)

	var docResolver resolver.Resolver
	if cfg.Resolver.Endpoint != "" {
		docResolver = resolver.NewHTTPResolver(
			cfg.Resolver.Endpoint,
			cfg.Resolver.AuthToken,
			time.Duration(cfg.Resolver.TimeoutMS)*time.Millisecond,
		)
	} else {
		// Without an upstream document service only inline markup and
		// image jobs can be enqueued.
		docResolver = resolver.Static{}
	}

	compiler := starline.NewCompiler(cfg.Printing.CodePage, cfg.Printing.PaperWidthMM)
	compiler.Images = images
	compiler.Logger = brokerLog

	mux := http.NewServeMux()

	healthAPI := handlers.NewHealthAPI(handlers.HealthAPIOptions{
		Store:        store,
		Version:      Version,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		ProcessStart: brokerStartTime,
	})
	healthAPI.RegisterRoutes(mux)

	jobsOpts := handlers.JobsAPIOptions{
		Store:             store,
		Images:            images,
		Logger:            brokerLog,
		PublicURL:         cfg.Server.PublicURL,
		CodePage:          cfg.Printing.CodePage,
		DefaultMediaTypes: cfg.Printing.DefaultMediaTypes,
	}
	if hub != nil {
		jobsOpts.Hub = hub
	}
	jobsAPI := handlers.NewJobsAPI(jobsOpts)
	jobsAPI.RegisterRoutes(mux)

	discoveryAPI := handlers.NewDiscoveryAPI(handlers.DiscoveryAPIOptions{
		Store:   store,
		Tracker: discoveryTracker,
		Logger:  brokerLog,
	})
	discoveryAPI.RegisterRoutes(mux)

	settingsAPI := handlers.NewSettingsAPI(func() settings.Snapshot {
		return buildSnapshot(cfg, tracker, fileLoaded, hub, store)
	})
	settingsAPI.RegisterRoutes(mux)

	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			hub.HandleWS(w, r, r.URL.Query().Get("mac"))
		})
	}

	// The printer protocol owns "/": POST poll, GET fetch, DELETE confirm.
	cloudprntAPI := handlers.NewCloudPRNTAPI(handlers.CloudPRNTAPIOptions{
		Store:             store,
		Compiler:          compiler,
		Resolver:          docResolver,
		Discovery:         discoveryTracker,
		Logger:            brokerLog,
		DefaultMediaTypes: cfg.Printing.DefaultMediaTypes,
	})
	cloudprntAPI.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		brokerLog.Info("Listening for printer polls", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		brokerLog.Info("Shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			brokerLog.Warn("Shutdown incomplete", "error", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			brokerLog.Error("HTTP server failed", "error", err)
			log.Fatalf("HTTP server failed: %v", err)
		}
	}

	brokerLog.Info("CloudPRNT broker stopped")
}

// buildSnapshot assembles the effective-configuration view for the
// settings endpoint. DSNs are redacted before leaving the process.
func buildSnapshot(cfg *Config, tracker *ConfigSourceTracker, fileLoaded bool, hub *push.Hub, store storage.Store) settings.Snapshot {
	sources := make(map[string]string)
	for _, key := range []string{
		"server.listen_addr", "server.public_url",
		"printing.paper_width_mm", "printing.code_page",
		"printing.header_logo_url", "printing.footer_logo_url",
		"images.timeout_ms", "images.dither",
		"resolver.endpoint", "resolver.timeout_ms",
		"discovery.ttl_seconds",
		"database.driver", "database.path", "database.dsn",
		"logging.level", "logging.dir",
		"push.enabled",
	} {
		sources[key] = tracker.Source(key, fileLoaded)
	}

	snap := settings.Snapshot{
		Version: Version,
		Server: settings.Server{
			ListenAddr: cfg.Server.ListenAddr,
			PublicURL:  cfg.Server.PublicURL,
		},
		Printing: settings.Printing{
			PaperWidthMM:      cfg.Printing.PaperWidthMM,
			ColumnWidth:       starline.ColumnWidthFor(cfg.Printing.PaperWidthMM),
			CodePage:          cfg.Printing.CodePage,
			DefaultMediaTypes: cfg.Printing.DefaultMediaTypes,
			HeaderLogoURL:     cfg.Printing.HeaderLogoURL,
			FooterLogoURL:     cfg.Printing.FooterLogoURL,
		},
		Images: settings.Images{
			TimeoutMS:  cfg.Images.TimeoutMS,
			Dither:     cfg.Images.Dither,
			ScaleToFit: cfg.Images.ScaleToFit,
		},
		Database: settings.Database{
			Driver: cfg.Database.EffectiveDriver(),
			Path:   cfg.Database.Path,
			DSN:    settings.RedactDSN(cfg.Database.DSN),
		},
		Discovery: settings.Discovery{
			TTLSeconds: cfg.Discovery.TTLSeconds,
		},
		Push: settings.Push{
			Enabled: cfg.Push.Enabled,
		},
		Sources: sources,
	}
	if hub != nil {
		snap.Push.ActiveConnections = hub.ConnectionCount()
	}
	if p, err := store.DefaultPrinter(context.Background()); err == nil {
		snap.Printing.DefaultPrinter = p.Label
	}
	return snap
}
