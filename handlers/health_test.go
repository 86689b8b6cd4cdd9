package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloudprnt/server/settings"
	"cloudprnt/server/storage"
)

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, err = store.AppendJob(context.Background(), &storage.PrintJob{
		Token:       "J-1",
		PrinterMAC:  "00:11:62:AA:BB:CC",
		PayloadKind: storage.PayloadMarkup,
		Payload:     "x",
		MediaTypes:  []string{MediaStarLine},
	})
	if err != nil {
		t.Fatal(err)
	}

	api := NewHealthAPI(HealthAPIOptions{
		Store:        store,
		Version:      "1.2.3",
		ProcessStart: time.Now(),
	})

	rec := httptest.NewRecorder()
	api.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out struct {
		Status     string `json:"status"`
		QueuedJobs int    `json:"queued_jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" {
		t.Errorf("status = %q, want ok", out.Status)
	}
	if out.QueuedJobs != 1 {
		t.Errorf("queued_jobs = %d, want 1", out.QueuedJobs)
	}
}

func TestHandleVersion(t *testing.T) {
	t.Parallel()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	api := NewHealthAPI(HealthAPIOptions{
		Store:        store,
		Version:      "1.2.3",
		GitCommit:    "abc1234",
		ProcessStart: time.Now(),
	})

	rec := httptest.NewRecorder()
	api.HandleVersion(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	var out map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["version"] != "1.2.3" || out["git_commit"] != "abc1234" {
		t.Errorf("version payload = %v", out)
	}
	if _, ok := out["go_version"]; !ok {
		t.Error("go_version missing")
	}
}

func TestRunHealthCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if err := RunHealthCheck(addr); err != nil {
		t.Errorf("healthy endpoint failed check: %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "degraded"})
	}))
	defer bad.Close()
	if err := RunHealthCheck(strings.TrimPrefix(bad.URL, "http://")); err == nil {
		t.Error("degraded endpoint passed check")
	}
}

func TestHandleSettings(t *testing.T) {
	t.Parallel()

	snap := settings.Snapshot{
		Version: "1.2.3",
		Printing: settings.Printing{
			PaperWidthMM: 80,
			ColumnWidth:  48,
			CodePage:     "cp1252",
		},
		Database: settings.Database{Driver: "sqlite", Path: "cloudprnt.db"},
	}
	api := NewSettingsAPI(func() settings.Snapshot { return snap })

	rec := httptest.NewRecorder()
	api.HandleSettings(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out settings.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Printing.ColumnWidth != 48 || out.Database.Driver != "sqlite" {
		t.Errorf("snapshot = %+v", out)
	}

	rec = httptest.NewRecorder()
	api.HandleSettings(rec, httptest.NewRequest(http.MethodPost, "/api/v1/settings", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}
