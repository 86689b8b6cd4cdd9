package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloudprnt/server/discovery"
	"cloudprnt/server/resolver"
	"cloudprnt/server/starline"
	"cloudprnt/server/storage"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type brokerFixture struct {
	store   *storage.SQLiteStore
	tracker *discovery.Tracker
	srv     *httptest.Server
}

func newBrokerFixture(t *testing.T, docs resolver.Static) *brokerFixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tracker := discovery.NewTracker(0)
	api := NewCloudPRNTAPI(CloudPRNTAPIOptions{
		Store:     store,
		Compiler:  starline.NewCompiler(starline.CodePageWindows1252, 80),
		Resolver:  docs,
		Discovery: tracker,
		Logger:    nopLogger{},
	})

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &brokerFixture{store: store, tracker: tracker, srv: srv}
}

func (f *brokerFixture) poll(t *testing.T, mac string) pollResponse {
	t.Helper()
	body := fmt.Sprintf(`{"printerMAC":%q,"statusCode":"200 OK","clientType":"Star mC-Print3","clientVersion":"1.0"}`, mac)
	resp, err := http.Post(f.srv.URL+"/", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	return out
}

func (f *brokerFixture) enqueue(t *testing.T, job *storage.PrintJob) {
	t.Helper()
	if _, err := f.store.AppendJob(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (f *brokerFixture) confirm(t *testing.T, mac, token string) *http.Response {
	t.Helper()
	url := f.srv.URL + "/?mac=" + mac
	if token != "" {
		url += "&token=" + token
	}
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func markupJob(token, mac, doc string) *storage.PrintJob {
	return &storage.PrintJob{
		Token:       token,
		PrinterMAC:  mac,
		PayloadKind: storage.PayloadMarkup,
		Payload:     doc,
		MediaTypes:  []string{MediaStarLine, MediaMarkup},
	}
}

func TestPollEmptyQueue(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	out := f.poll(t, "00.11.62.12.34.56")
	if out.JobReady {
		t.Errorf("jobReady = true on empty queue")
	}
	if out.JobToken != "" {
		t.Errorf("empty-queue poll leaked a token: %+v", out)
	}
	want := []string{MediaStarLine, MediaMarkup}
	if len(out.MediaTypes) != len(want) || out.MediaTypes[0] != want[0] || out.MediaTypes[1] != want[1] {
		t.Errorf("mediaTypes = %v, want %v", out.MediaTypes, want)
	}
}

// Printers with a garbled config must not be bounced off the poll
// endpoint: bad bodies and bad MACs still get the idle answer.
func TestPollToleratesBadInput(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	for _, body := range []string{"", "{not json", `{"printerMAC":"not-a-mac"}`} {
		resp, err := http.Post(f.srv.URL+"/", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("body %q: status = %d, want 200", body, resp.StatusCode)
		}
		var out pollResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("body %q: decode: %v", body, err)
		}
		resp.Body.Close()
		if out.JobReady {
			t.Errorf("body %q: jobReady = true", body)
		}
		if len(out.MediaTypes) == 0 {
			t.Errorf("body %q: mediaTypes missing from idle response", body)
		}
	}
}

// A dead store degrades to idle answers instead of surfacing errors to
// the printer: poll says no job, fetch says 404.
func TestPollAndFetchDegradeWhenStoreDown(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	if err := f.store.Close(); err != nil {
		t.Fatal(err)
	}

	out := f.poll(t, "00.11.62.12.34.56")
	if out.JobReady {
		t.Errorf("jobReady = true with store down")
	}
	if len(out.MediaTypes) == 0 {
		t.Errorf("mediaTypes missing from degraded poll response")
	}

	resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("fetch status = %d, want 404", resp.StatusCode)
	}
}

// Full protocol pass: enqueue, poll, fetch, confirm, with the exact
// byte layout the printer expects.
func TestPollFetchConfirmCycle(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	f.enqueue(t, markupJob("INV-1", mac, "[align: centre]Hello\n[cut]"))

	out := f.poll(t, "00.11.62.12.34.56")
	if !out.JobReady {
		t.Fatal("jobReady = false with a queued job")
	}
	if out.JobToken != "INV-1" {
		t.Errorf("jobToken = %q", out.JobToken)
	}
	if len(out.MediaTypes) != 2 || out.MediaTypes[0] != MediaStarLine {
		t.Errorf("mediaTypes = %v", out.MediaTypes)
	}

	resp, err := http.Get(f.srv.URL + "/?mac=00.11.62.12.34.56&type=" + MediaStarLine + "&token=INV-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != MediaStarLine {
		t.Errorf("Content-Type = %q", ct)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	b := body.Bytes()
	if cl := resp.Header.Get("Content-Length"); cl != fmt.Sprint(len(b)) {
		t.Errorf("Content-Length = %s for %d bytes", cl, len(b))
	}

	prologue, _ := hex.DecodeString("1b1d7420")
	if !bytes.HasPrefix(b, prologue) {
		t.Errorf("body does not start with the cp1252 selector: %x", b[:4])
	}
	centre, _ := hex.DecodeString("1b1d6101")
	if !bytes.Contains(b, centre) {
		t.Error("body missing centre alignment")
	}
	hello := append([]byte("Hello"), 0x0A)
	if !bytes.Contains(b, hello) {
		t.Error("body missing Hello line")
	}
	cut, _ := hex.DecodeString("1b6403")
	if !bytes.HasSuffix(b, cut) {
		t.Errorf("body does not end with a partial cut: %x", b[len(b)-3:])
	}

	resp2 := f.confirm(t, "00.11.62.12.34.56", "INV-1")
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d", resp2.StatusCode)
	}
	var msg map[string]string
	if err := json.NewDecoder(resp2.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["message"] != "ok" {
		t.Errorf("confirm message = %q", msg["message"])
	}

	// Re-sending the DELETE is harmless but reports not-found.
	resp3 := f.confirm(t, "00.11.62.12.34.56", "INV-1")
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("duplicate confirm status = %d, want 404", resp3.StatusCode)
	}
}

func TestFetchMarkupVerbatim(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	const doc = "[align: centre]Hello\n[cut]"
	f.enqueue(t, markupJob("INV-1", mac, doc))

	resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56&type=" + MediaMarkup)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != MediaMarkup {
		t.Errorf("Content-Type = %q", ct)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if body.String() != doc {
		t.Errorf("markup body = %q, want the document verbatim", body.String())
	}
}

func TestFetchRepeatsUntilConfirmed(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	f.enqueue(t, markupJob("INV-1", mac, "Hello\n[cut]"))
	f.enqueue(t, markupJob("INV-2", mac, "World\n[cut]"))

	fetch := func() []byte {
		resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fetch status = %d", resp.StatusCode)
		}
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		return body.Bytes()
	}

	first := fetch()
	second := fetch()
	if !bytes.Equal(first, second) {
		t.Error("repeated fetch before DELETE returned different bytes")
	}
	if !bytes.Contains(first, []byte("Hello")) {
		t.Error("fetch served the wrong job")
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing mac", "/job", http.StatusBadRequest},
		{"invalid mac", "/job?mac=zz.zz", http.StatusBadRequest},
		{"empty queue", "/job?mac=00.11.62.12.34.56", http.StatusNotFound},
		{"root missing mac", "/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Get(f.srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestFetchUnsupportedMediaType(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	f.enqueue(t, &storage.PrintJob{
		Token:       "INV-1",
		PrinterMAC:  mac,
		PayloadKind: storage.PayloadMarkup,
		Payload:     "Hello\n[cut]",
		MediaTypes:  []string{"image/png"},
	})

	resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestFetchResolvesInvoiceRef(t *testing.T) {
	t.Parallel()

	docs := resolver.Static{"INV-77": "[align: centre]ACME\nINV-77\n[cut]"}
	f := newBrokerFixture(t, docs)
	mac := "00:11:62:12:34:56"
	f.enqueue(t, &storage.PrintJob{
		Token:       "INV-77",
		PrinterMAC:  mac,
		PayloadKind: storage.PayloadInvoiceRef,
		Payload:     "INV-77",
		MediaTypes:  []string{MediaStarLine},
	})

	resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56&type=" + MediaStarLine)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !bytes.Contains(body.Bytes(), []byte("ACME")) {
		t.Error("resolved document not compiled into the body")
	}
}

func TestFetchResolveFailureIs500(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, resolver.Static{})
	mac := "00:11:62:12:34:56"
	f.enqueue(t, &storage.PrintJob{
		Token:       "INV-GONE",
		PrinterMAC:  mac,
		PayloadKind: storage.PayloadInvoiceRef,
		Payload:     "INV-GONE",
		MediaTypes:  []string{MediaStarLine},
	})

	resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}

	// The job survives a failed render for a later retry.
	job, err := f.store.PeekJob(context.Background(), mac)
	if err != nil || job == nil {
		t.Fatalf("job gone after failed render: %v, %v", job, err)
	}
}

func TestFetchHexJobVerbatim(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	raw := "1b1d742041420a1b6403"
	f.enqueue(t, &storage.PrintJob{
		Token:       "IMG-1",
		PrinterMAC:  mac,
		PayloadKind: storage.PayloadHex,
		Payload:     raw,
		MediaTypes:  []string{MediaStarGraphics},
	})

	// The printer asks for star.line, which the job does not offer; the
	// job's own media type wins.
	resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56&type=" + MediaStarLine)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != MediaStarGraphics {
		t.Errorf("Content-Type = %q", ct)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	want, _ := hex.DecodeString(raw)
	if !bytes.Equal(body.Bytes(), want) {
		t.Errorf("hex job body = %x, want %x", body.Bytes(), want)
	}
}

func TestFIFOAcrossThreeJobs(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	for _, token := range []string{"T1", "T2", "T3"} {
		f.enqueue(t, markupJob(token, mac, token+"\n[cut]"))
	}

	for _, want := range []string{"T1", "T2", "T3"} {
		out := f.poll(t, "00.11.62.12.34.56")
		if !out.JobReady || out.JobToken != want {
			t.Fatalf("poll offered %q, want %q", out.JobToken, want)
		}
		resp, err := http.Get(f.srv.URL + "/job?mac=00.11.62.12.34.56&token=" + want)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fetch %s status = %d", want, resp.StatusCode)
		}
		if got := f.confirm(t, "00.11.62.12.34.56", want); got.StatusCode != http.StatusOK {
			t.Fatalf("confirm %s status = %d", want, got.StatusCode)
		}
	}

	out := f.poll(t, "00.11.62.12.34.56")
	if out.JobReady {
		t.Error("queue should be drained")
	}
}

func TestConfirmWithoutTokenDeletesHead(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	f.enqueue(t, markupJob("T1", mac, "one\n[cut]"))
	f.enqueue(t, markupJob("T2", mac, "two\n[cut]"))

	if resp := f.confirm(t, "00.11.62.12.34.56", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d", resp.StatusCode)
	}

	job, err := f.store.PeekJob(context.Background(), mac)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Token != "T2" {
		t.Errorf("head after tokenless confirm = %+v, want T2", job)
	}
}

func TestRootDispatchMethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	req, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT / = %d, want 405", resp.StatusCode)
	}
}

func TestPollTracksUnadoptedPrinter(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	f.poll(t, "00.11.62.12.34.56")

	rec := f.tracker.Get("00:11:62:12:34:56")
	if rec == nil {
		t.Fatal("unadopted printer not tracked")
	}
	if rec.ClientType != "Star mC-Print3" {
		t.Errorf("client type = %q", rec.ClientType)
	}
}

func TestPollUpdatesAdoptedPrinter(t *testing.T) {
	t.Parallel()

	f := newBrokerFixture(t, nil)
	mac := "00:11:62:12:34:56"
	ctx := context.Background()
	if err := f.store.UpsertPrinter(ctx, &storage.Printer{MAC: mac, Label: "Kitchen"}); err != nil {
		t.Fatal(err)
	}

	f.poll(t, "00.11.62.12.34.56")

	p, err := f.store.GetPrinter(ctx, mac)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Online || p.StatusCode != "200 OK" {
		t.Errorf("poll did not refresh registry entry: %+v", p)
	}
	if f.tracker.Get(mac) != nil {
		t.Error("adopted printer must not appear in discovery")
	}
}
