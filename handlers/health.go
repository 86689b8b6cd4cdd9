package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"cloudprnt/server/storage"
)

// HealthAPI provides the health check and version endpoints. Both are
// public: load balancers and printers probe them without credentials.
type HealthAPI struct {
	store        storage.Store
	version      string
	buildTime    string
	gitCommit    string
	processStart time.Time
}

type HealthAPIOptions struct {
	Store        storage.Store
	Version      string
	BuildTime    string
	GitCommit    string
	ProcessStart time.Time
}

func NewHealthAPI(opts HealthAPIOptions) *HealthAPI {
	return &HealthAPI{
		store:        opts.Store,
		version:      opts.Version,
		buildTime:    opts.BuildTime,
		gitCommit:    opts.GitCommit,
		processStart: opts.ProcessStart,
	}
}

func (api *HealthAPI) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		mux = http.DefaultServeMux
	}
	mux.HandleFunc("/health", api.HandleHealth)
	mux.HandleFunc("/api/version", api.HandleVersion)
}

// HandleHealth reports liveness plus the current queue depth.
func (api *HealthAPI) HandleHealth(w http.ResponseWriter, r *http.Request) {
	queued, err := api.store.CountJobs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "degraded",
			"timestamp": time.Now().UTC(),
			"error":     "queue store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"queued_jobs": queued,
	})
}

// HandleVersion returns build and runtime information.
func (api *HealthAPI) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    api.version,
		"build_time": api.buildTime,
		"git_commit": api.gitCommit,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(api.processStart).String(),
	})
}

// RunHealthCheck probes the local health endpoint, for use by the
// service wrapper's healthcheck mode.
func RunHealthCheck(addr string) error {
	url := fmt.Sprintf("http://%s/health", addr)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if payload.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", payload.Status)
	}
	return nil
}
