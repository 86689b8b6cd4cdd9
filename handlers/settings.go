package handlers

import (
	"net/http"

	"cloudprnt/server/settings"
)

// SettingsAPI serves the effective-configuration snapshot. The snapshot
// function is supplied by the composition root so the handler never
// holds a stale copy.
type SettingsAPI struct {
	snapshot func() settings.Snapshot
}

func NewSettingsAPI(snapshot func() settings.Snapshot) *SettingsAPI {
	return &SettingsAPI{snapshot: snapshot}
}

func (api *SettingsAPI) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		mux = http.DefaultServeMux
	}
	mux.HandleFunc("/api/v1/settings", api.HandleSettings)
}

func (api *SettingsAPI) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.snapshot())
}
