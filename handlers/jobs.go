package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"cloudprnt/server/internal/macaddr"
	"cloudprnt/server/push"
	"cloudprnt/server/raster"
	"cloudprnt/server/starline"
	"cloudprnt/server/storage"
)

// MediaStarGraphics is the media type for pre-rasterized image and test
// jobs.
const MediaStarGraphics = "application/vnd.star.starprnt"

// JobsAPI is the producer and queue-admin surface.
type JobsAPI struct {
	store             storage.Store
	hub               Notifier
	images            *raster.Fetcher
	log               Logger
	publicURL         string
	codePage          string
	defaultMediaTypes []string
}

// JobsAPIOptions configures the producer API.
type JobsAPIOptions struct {
	Store  storage.Store
	Hub    Notifier
	Images *raster.Fetcher
	Logger Logger

	// PublicURL is the externally reachable base URL of this broker,
	// embedded in push notices so printers know where to fetch from.
	PublicURL string

	// CodePage and DefaultMediaTypes mirror the printing config.
	CodePage          string
	DefaultMediaTypes []string
}

func NewJobsAPI(opts JobsAPIOptions) *JobsAPI {
	mediaTypes := opts.DefaultMediaTypes
	if len(mediaTypes) == 0 {
		mediaTypes = []string{MediaStarLine, MediaMarkup}
	}
	return &JobsAPI{
		store:             opts.Store,
		hub:               opts.Hub,
		images:            opts.Images,
		log:               opts.Logger,
		publicURL:         strings.TrimRight(opts.PublicURL, "/"),
		codePage:          opts.CodePage,
		defaultMediaTypes: mediaTypes,
	}
}

func (api *JobsAPI) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		mux = http.DefaultServeMux
	}
	mux.HandleFunc("/api/v1/print/invoice", api.HandlePrintInvoice)
	mux.HandleFunc("/api/v1/print/image", api.HandlePrintImage)
	mux.HandleFunc("/api/v1/print/test", api.HandlePrintTest)
	mux.HandleFunc("/api/v1/queue", api.HandleQueue)
}

type printInvoiceRequest struct {
	Invoice    string   `json:"invoice"`
	Printer    string   `json:"printer,omitempty"` // label or MAC; empty = default printer
	Markup     string   `json:"markup,omitempty"`  // inline document; empty = resolve at fetch time
	MediaTypes []string `json:"media_types,omitempty"`
}

type enqueueResponse struct {
	Message  string `json:"message"`
	Token    string `json:"token"`
	Position int    `json:"position"`
}

// HandlePrintInvoice queues an invoice print. The invoice name doubles
// as the job token so re-submitting the same invoice is rejected while
// the original is still queued.
func (api *JobsAPI) HandlePrintInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req printInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Invoice) == "" {
		writeMessage(w, http.StatusBadRequest, "invoice is required")
		return
	}

	printer, err := api.resolvePrinter(r.Context(), req.Printer)
	if err != nil {
		if errors.Is(err, storage.ErrPrinterNotFound) {
			writeMessage(w, http.StatusNotFound, "Printer not found")
			return
		}
		api.log.Error("Printer resolution failed", "printer", req.Printer, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Printer lookup failed")
		return
	}

	job := &storage.PrintJob{
		Token:      req.Invoice,
		PrinterMAC: printer.MAC,
		MediaTypes: req.MediaTypes,
	}
	if len(job.MediaTypes) == 0 {
		job.MediaTypes = api.defaultMediaTypes
	}
	if req.Markup != "" {
		job.PayloadKind = storage.PayloadMarkup
		job.Payload = req.Markup
	} else {
		job.PayloadKind = storage.PayloadInvoiceRef
		job.Payload = req.Invoice
	}

	api.enqueue(w, r.Context(), printer, job)
}

type printImageRequest struct {
	URL     string `json:"url"`
	Printer string `json:"printer,omitempty"`
	Drawer  bool   `json:"drawer,omitempty"` // kick the cash drawer after printing
	Buzzer  bool   `json:"buzzer,omitempty"` // sound the buzzer after printing
	Cut     string `json:"cut,omitempty"`    // "partial" (default), "full" or "none"
}

// HandlePrintImage rasterizes an image now and queues the resulting
// command stream as a pre-compiled job.
func (api *JobsAPI) HandlePrintImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req printImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" {
		writeMessage(w, http.StatusBadRequest, "url is required")
		return
	}

	printer, err := api.resolvePrinter(r.Context(), req.Printer)
	if err != nil {
		if errors.Is(err, storage.ErrPrinterNotFound) {
			writeMessage(w, http.StatusNotFound, "Printer not found")
			return
		}
		api.log.Error("Printer resolution failed", "printer", req.Printer, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Printer lookup failed")
		return
	}

	fragment, err := api.images.Render(r.Context(), req.URL)
	if err != nil {
		api.log.Warn("Image job render failed", "url", req.URL, "error", err)
		writeMessage(w, http.StatusBadGateway, "Image could not be fetched or decoded")
		return
	}

	e := starline.NewEmitter(api.codePage)
	e.Raw(fragment)
	e.NewLine()
	if req.Drawer {
		e.OpenCashDrawer()
	}
	if req.Buzzer {
		e.SoundBuzzer(1, 200, 100)
	}
	switch req.Cut {
	case "none":
	case "full":
		e.FullCut()
	default:
		e.PartialCut()
	}

	job := &storage.PrintJob{
		Token:       "IMG-" + jobTokenSuffix(),
		PrinterMAC:  printer.MAC,
		PayloadKind: storage.PayloadHex,
		Payload:     hex.EncodeToString(e.Bytes()),
		MediaTypes:  []string{MediaStarGraphics},
	}
	api.enqueue(w, r.Context(), printer, job)
}

type printTestRequest struct {
	Printer string `json:"printer,omitempty"`
}

// HandlePrintTest queues a self-describing test page with a QR code of
// the broker URL, so a freshly adopted printer can be verified without
// a producer system.
func (api *JobsAPI) HandlePrintTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req printTestRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	printer, err := api.resolvePrinter(r.Context(), req.Printer)
	if err != nil {
		if errors.Is(err, storage.ErrPrinterNotFound) {
			writeMessage(w, http.StatusNotFound, "Printer not found")
			return
		}
		api.log.Error("Printer resolution failed", "printer", req.Printer, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Printer lookup failed")
		return
	}

	target := api.publicURL
	if target == "" {
		target = "http://" + r.Host
	}

	e := starline.NewEmitter(api.codePage)
	e.SetAlignment(starline.AlignCenter)
	e.SetEmphasis()
	e.TextLine("CloudPRNT Test Page")
	e.CancelEmphasis()
	e.NewLine()
	e.TextLine("Printer: " + printer.Label)
	e.TextLine("MAC: " + printer.MAC)
	e.TextLine(time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	e.NewLine()
	if qr, err := raster.TestPageQR(target, 240); err == nil {
		e.Raw(qr)
	} else {
		api.log.Warn("Test page QR generation failed", "error", err)
		e.TextLine(target)
	}
	e.NewLines(2)
	e.PartialCut()

	job := &storage.PrintJob{
		Token:       "TEST-" + jobTokenSuffix(),
		PrinterMAC:  printer.MAC,
		PayloadKind: storage.PayloadHex,
		Payload:     hex.EncodeToString(e.Bytes()),
		MediaTypes:  []string{MediaStarGraphics},
	}
	api.enqueue(w, r.Context(), printer, job)
}

// HandleQueue lists (GET) or clears (DELETE) queued jobs, optionally
// scoped to one printer. DELETE with a token removes a single job.
func (api *JobsAPI) HandleQueue(w http.ResponseWriter, r *http.Request) {
	mac := ""
	if raw := r.URL.Query().Get("mac"); raw != "" {
		var err error
		mac, err = macaddr.Normalize(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid MAC address")
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		jobs, err := api.store.ListJobs(r.Context(), mac)
		if err != nil {
			api.log.Error("Queue listing failed", "error", err)
			writeMessage(w, http.StatusInternalServerError, "Queue unavailable")
			return
		}
		if jobs == nil {
			jobs = []*storage.PrintJob{}
		}
		// Payloads can be large pre-rendered streams; the listing is a
		// diagnostic view, not an export.
		type jobSummary struct {
			Token       string              `json:"token"`
			PrinterMAC  string              `json:"printer_mac"`
			PayloadKind storage.PayloadKind `json:"payload_kind"`
			MediaTypes  []string            `json:"media_types"`
			Status      storage.JobStatus   `json:"status"`
			CreatedAt   time.Time           `json:"created_at"`
		}
		out := make([]jobSummary, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobSummary{
				Token:       j.Token,
				PrinterMAC:  j.PrinterMAC,
				PayloadKind: j.PayloadKind,
				MediaTypes:  j.MediaTypes,
				Status:      j.Status,
				CreatedAt:   j.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out, "count": len(out)})

	case http.MethodDelete:
		if token := r.URL.Query().Get("token"); token != "" {
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
			return
		}
		n, err := api.store.ClearJobs(r.Context(), mac)
		if err != nil {
			api.log.Error("Queue clear failed", "error", err)
			writeMessage(w, http.StatusInternalServerError, "Queue unavailable")
			return
		}
		api.log.Info("Queue cleared", "mac", mac, "removed", n)
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})

	default:
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// resolvePrinter maps the request's printer field to a registry entry:
// a MAC in any accepted form, else a label, else the default printer.
func (api *JobsAPI) resolvePrinter(ctx context.Context, ref string) (*storage.Printer, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return api.store.DefaultPrinter(ctx)
	}
	if mac, err := macaddr.Normalize(ref); err == nil {
		return api.store.GetPrinter(ctx, mac)
	}
	return api.store.GetPrinterByLabel(ctx, ref)
}

func (api *JobsAPI) enqueue(w http.ResponseWriter, ctx context.Context, printer *storage.Printer, job *storage.PrintJob) {
	position, err := api.store.AppendJob(ctx, job)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateToken) {
			pos, perr := api.store.JobPosition(ctx, printer.MAC, job.Token)
			if perr != nil {
				pos = 0
			}
			writeJSON(w, http.StatusConflict, enqueueResponse{
				Message:  "already queued",
				Token:    job.Token,
				Position: pos,
			})
			return
		}
		api.log.Error("Enqueue failed", "token", job.Token, "mac", printer.MAC, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Enqueue failed")
		return
	}

	api.log.Info("Job queued", "token", job.Token, "mac", printer.MAC, "position", position, "kind", job.PayloadKind)
	api.notify(printer, job)

	writeJSON(w, http.StatusCreated, enqueueResponse{
		Message:  "queued",
		Token:    job.Token,
		Position: position,
	})
}

// notify tells a push-capable printer a job is waiting. Failures are
// logged and swallowed: the job is already durable and the printer's
// next poll will pick it up.
func (api *JobsAPI) notify(printer *storage.Printer, job *storage.PrintJob) {
	if api.hub == nil || !printer.UsePush || !api.hub.IsConnected(printer.MAC) {
		return
	}
	notice := push.JobNotice{
		Title:      "print-job",
		JobToken:   job.Token,
		PrintData:  api.jobURL(printer.MAC, job.Token),
		MediaTypes: job.MediaTypes,
	}
	if err := api.hub.PublishJob(printer.MAC, notice); err != nil {
		api.log.Warn("Push notify failed, printer will poll", "mac", printer.MAC, "token", job.Token, "error", err)
	}
}

func (api *JobsAPI) jobURL(mac, token string) string {
	base := api.publicURL
	if base == "" {
		base = "http://localhost:8001"
	}
	return fmt.Sprintf("%s/job?mac=%s&token=%s", base, macaddr.ToDots(mac), token)
}

func jobTokenSuffix() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
