package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cloudprnt/server/discovery"
	"cloudprnt/server/internal/macaddr"
	"cloudprnt/server/resolver"
	"cloudprnt/server/starline"
	"cloudprnt/server/storage"
)

const (
	// Media types the broker can produce from markup.
	MediaStarLine = "application/vnd.star.line"
	MediaMarkup   = "text/vnd.star.markup"
)

// CloudPRNTAPI implements the printer-facing protocol: status poll, job
// fetch and print confirmation.
type CloudPRNTAPI struct {
	store             storage.Store
	compiler          *starline.Compiler
	resolver          resolver.Resolver
	discovery         *discovery.Tracker
	log               Logger
	defaultMediaTypes []string
}

// CloudPRNTAPIOptions configures the printer-facing API.
type CloudPRNTAPIOptions struct {
	Store     storage.Store
	Compiler  *starline.Compiler
	Resolver  resolver.Resolver
	Discovery *discovery.Tracker
	Logger    Logger

	// DefaultMediaTypes is advertised in poll responses when no job is
	// queued, so printers know what the broker can produce.
	DefaultMediaTypes []string
}

func NewCloudPRNTAPI(opts CloudPRNTAPIOptions) *CloudPRNTAPI {
	mediaTypes := opts.DefaultMediaTypes
	if len(mediaTypes) == 0 {
		mediaTypes = []string{MediaStarLine, MediaMarkup}
	}
	return &CloudPRNTAPI{
		store:             opts.Store,
		compiler:          opts.Compiler,
		resolver:          opts.Resolver,
		discovery:         opts.Discovery,
		log:               opts.Logger,
		defaultMediaTypes: mediaTypes,
	}
}

// RegisterRoutes registers the protocol routes. Printers configured
// with a bare server URL hit "/" and are dispatched by verb.
func (api *CloudPRNTAPI) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		mux = http.DefaultServeMux
	}
	mux.HandleFunc("/", api.HandleRoot)
	mux.HandleFunc("/poll", api.HandlePoll)
	mux.HandleFunc("/job", api.HandleJob)
}

// HandleRoot dispatches the protocol verbs for printers pointed at the
// server root.
func (api *CloudPRNTAPI) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		api.HandlePoll(w, r)
	case http.MethodGet:
		api.HandleFetch(w, r)
	case http.MethodDelete:
		api.HandleConfirm(w, r)
	default:
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleJob serves fetch and confirm on the explicit /job route.
func (api *CloudPRNTAPI) HandleJob(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.HandleFetch(w, r)
	case http.MethodDelete:
		api.HandleConfirm(w, r)
	default:
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// pollRequest is the status body a printer POSTs on every poll cycle.
type pollRequest struct {
	PrinterMAC         string `json:"printerMAC"`
	StatusCode         string `json:"statusCode"`
	ClientType         string `json:"clientType"`
	ClientVersion      string `json:"clientVersion"`
	PrintingInProgress bool   `json:"printingInProgress"`
}

type pollResponse struct {
	JobReady   bool     `json:"jobReady"`
	MediaTypes []string `json:"mediaTypes"`
	JobToken   string   `json:"jobToken,omitempty"`
}

// HandlePoll answers the printer's status POST with whether a job is
// waiting. Polls are never rejected: a malformed body or MAC gets the
// same "no job" answer an idle printer would, so a misconfigured device
// keeps its poll cycle alive.
func (api *CloudPRNTAPI) HandlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	idle := pollResponse{JobReady: false, MediaTypes: api.defaultMediaTypes}

	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, idle)
		return
	}
	mac, err := macaddr.Normalize(req.PrinterMAC)
	if err != nil {
		writeJSON(w, http.StatusOK, idle)
		return
	}

	ip := getRealIP(r)
	if _, err := api.store.GetPrinter(r.Context(), mac); err == nil {
		if err := api.store.UpdatePrinterStatus(r.Context(), mac, ip, req.StatusCode, req.PrintingInProgress); err != nil {
			api.log.Warn("Failed to record printer status", "mac", mac, "error", err)
		}
	} else if errors.Is(err, storage.ErrPrinterNotFound) {
		api.discovery.Track(mac, ip, req.ClientType, req.StatusCode)
	} else {
		api.log.Error("Printer lookup failed during poll", "mac", mac, "error", err)
	}

	// Fail closed on store trouble: answering "no job" keeps printers
	// polling while the store recovers.
	job, err := api.store.PeekJob(r.Context(), mac)
	if err != nil {
		api.log.Error("Queue peek failed during poll", "mac", mac, "error", err)
		writeJSON(w, http.StatusOK, idle)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, idle)
		return
	}

	api.log.Debug("Job offered on poll", "mac", mac, "token", job.Token)
	writeJSON(w, http.StatusOK, pollResponse{
		JobReady:   true,
		MediaTypes: job.MediaTypes,
		JobToken:   job.Token,
	})
}

// HandleFetch serves the job body. The printer names the media type it
// wants; when that is not one the job offers, the job's first type is
// used instead.
func (api *CloudPRNTAPI) HandleFetch(w http.ResponseWriter, r *http.Request) {
	rawMAC := r.URL.Query().Get("mac")
	if rawMAC == "" {
		writeMessage(w, http.StatusBadRequest, "MAC address required")
		return
	}
	mac, err := macaddr.Normalize(rawMAC)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid MAC address")
		return
	}

	job, err := api.store.PeekJob(r.Context(), mac)
	if err != nil {
		// Fail closed: the printer retries on its next poll cycle.
		api.log.Error("Queue peek failed during fetch", "mac", mac, "error", err)
		writeMessage(w, http.StatusNotFound, "No job queued")
		return
	}
	if job == nil {
		writeMessage(w, http.StatusNotFound, "No job queued")
		return
	}

	media := selectMediaType(r.URL.Query().Get("type"), job.MediaTypes)

	body, err := api.render(r.Context(), job, media)
	if err != nil {
		var unsupported *unsupportedMediaError
		if errors.As(err, &unsupported) {
			writeMessage(w, http.StatusUnsupportedMediaType, unsupported.Error())
			return
		}
		api.log.Error("Job render failed", "mac", mac, "token", job.Token, "media", media, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Job render failed")
		return
	}

	if err := api.store.MarkJobFetched(r.Context(), job.Token); err != nil {
		api.log.Warn("Failed to mark job fetched", "token", job.Token, "error", err)
	}

	api.log.Info("Job fetched", "mac", mac, "token", job.Token, "media", media, "bytes", len(body))
	w.Header().Set("Content-Type", media)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// HandleConfirm removes the job after the printer reports the outcome.
// The removal is keyed by token so a duplicate confirmation of an
// already-removed job stays harmless.
func (api *CloudPRNTAPI) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	rawMAC := r.URL.Query().Get("mac")
	if rawMAC == "" {
		writeMessage(w, http.StatusBadRequest, "MAC address required")
		return
	}
	mac, err := macaddr.Normalize(rawMAC)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid MAC address")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		job, err := api.store.PeekJob(r.Context(), mac)
		if err != nil {
			api.log.Error("Queue peek failed during confirm", "mac", mac, "error", err)
			writeMessage(w, http.StatusInternalServerError, "Queue unavailable")
			return
		}
		if job == nil {
			writeMessage(w, http.StatusNotFound, "No job to delete")
			return
		}
		token = job.Token
	}

	if code := r.URL.Query().Get("code"); code != "" {
		api.log.Info("Print result reported", "mac", mac, "token", token, "code", code)
	}

	if err := api.store.DeleteJob(r.Context(), token); err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeMessage(w, http.StatusNotFound, "No job to delete")
			return
		}
		api.log.Error("Job delete failed", "token", token, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Queue unavailable")
		return
	}
	writeMessage(w, http.StatusOK, "ok")
}

type unsupportedMediaError struct{ media string }

func (e *unsupportedMediaError) Error() string {
	return fmt.Sprintf("cannot produce media type %q", e.media)
}

// selectMediaType picks the requested type when the job offers it, else
// the job's first offered type.
func selectMediaType(requested string, offered []string) string {
	for _, m := range offered {
		if m == requested {
			return m
		}
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return requested
}

// render materializes the job payload as the chosen media type.
func (api *CloudPRNTAPI) render(ctx context.Context, job *storage.PrintJob, media string) ([]byte, error) {
	switch job.PayloadKind {
	case storage.PayloadHex:
		if !containsMedia(job.MediaTypes, media) {
			return nil, &unsupportedMediaError{media: media}
		}
		body, err := hex.DecodeString(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
		return body, nil

	case storage.PayloadMarkup:
		return api.renderMarkup(ctx, job.Payload, media)

	case storage.PayloadInvoiceRef:
		doc, err := api.resolver.Resolve(ctx, job.Payload)
		if err != nil {
			return nil, err
		}
		return api.renderMarkup(ctx, doc, media)

	default:
		return nil, fmt.Errorf("unknown payload kind %q", job.PayloadKind)
	}
}

func (api *CloudPRNTAPI) renderMarkup(ctx context.Context, doc, media string) ([]byte, error) {
	switch media {
	case MediaStarLine:
		return api.compiler.Compile(ctx, doc)
	case MediaMarkup:
		return []byte(doc), nil
	default:
		return nil, &unsupportedMediaError{media: media}
	}
}

func containsMedia(offered []string, media string) bool {
	for _, m := range offered {
		if m == media {
			return true
		}
	}
	return false
}
