package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"cloudprnt/server/discovery"
	"cloudprnt/server/internal/macaddr"
	"cloudprnt/server/storage"
)

// DiscoveryAPI exposes the unadopted-printer list and the adoption
// operation.
type DiscoveryAPI struct {
	store   storage.Store
	tracker *discovery.Tracker
	log     Logger
}

type DiscoveryAPIOptions struct {
	Store   storage.Store
	Tracker *discovery.Tracker
	Logger  Logger
}

func NewDiscoveryAPI(opts DiscoveryAPIOptions) *DiscoveryAPI {
	return &DiscoveryAPI{store: opts.Store, tracker: opts.Tracker, log: opts.Logger}
}

func (api *DiscoveryAPI) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		mux = http.DefaultServeMux
	}
	mux.HandleFunc("/api/v1/discovery", api.HandleDiscovery)
	mux.HandleFunc("/api/v1/discovery/adopt", api.HandleAdopt)
	mux.HandleFunc("/api/v1/printers", api.HandlePrinters)
}

// HandleDiscovery lists (GET) or clears (DELETE) discovered printers.
func (api *DiscoveryAPI) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records := api.tracker.List()
		type discovered struct {
			*discovery.Record
			SuggestedLabel string `json:"suggested_label"`
		}
		out := make([]discovered, 0, len(records))
		for _, rec := range records {
			out = append(out, discovered{Record: rec, SuggestedLabel: rec.SuggestedLabel()})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"printers": out, "count": len(out)})

	case http.MethodDelete:
		n := api.tracker.Clear()
		api.log.Info("Discovery list cleared", "removed", n)
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})

	default:
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type adoptRequest struct {
	MAC       string `json:"mac"`
	Label     string `json:"label,omitempty"`
	UsePush   bool   `json:"use_push,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// HandleAdopt moves a discovered printer into the registry. Adoption
// works even when the discovery record has already expired; the record
// only supplies the suggested label and last known address.
func (api *DiscoveryAPI) HandleAdopt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req adoptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	mac, err := macaddr.Normalize(req.MAC)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid MAC address")
		return
	}

	record := api.tracker.Get(mac)

	label := strings.TrimSpace(req.Label)
	if label == "" {
		if record != nil {
			label = record.SuggestedLabel()
		} else {
			label = (&discovery.Record{MAC: mac}).SuggestedLabel()
		}
	}

	printer := &storage.Printer{
		MAC:       mac,
		Label:     label,
		UsePush:   req.UsePush,
		IsDefault: req.IsDefault,
	}
	if record != nil {
		printer.IP = record.IP
		printer.Online = true
		printer.StatusCode = record.StatusCode
		printer.FirstSeen = record.FirstSeen
		printer.LastActivity = record.LastSeen
	}

	if err := api.store.UpsertPrinter(r.Context(), printer); err != nil {
		api.log.Error("Printer adoption failed", "mac", mac, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Adoption failed")
		return
	}
	api.tracker.Remove(mac)

	api.log.Info("Printer adopted", "mac", mac, "label", label)
	writeJSON(w, http.StatusCreated, printer)
}

// HandlePrinters lists the adopted registry.
func (api *DiscoveryAPI) HandlePrinters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	printers, err := api.store.ListPrinters(r.Context())
	if err != nil {
		api.log.Error("Printer listing failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Registry unavailable")
		return
	}
	if printers == nil {
		printers = []*storage.Printer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"printers": printers, "count": len(printers)})
}
