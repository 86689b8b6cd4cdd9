package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(nopLogger{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWS(w, r, r.URL.Query().Get("mac"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, srv
}

func dialPrinter(t *testing.T, srv *httptest.Server, mac string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?mac=" + mac
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitConnected(t *testing.T, h *Hub, mac string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.IsConnected(mac) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("printer %s never registered", mac)
}

func TestPublishJobDeliversNotice(t *testing.T) {
	h, srv := newTestHub(t)
	mac := "00:11:62:AA:BB:CC"
	ws := dialPrinter(t, srv, mac)
	waitConnected(t, h, mac)

	notice := JobNotice{
		JobToken:   "INV-001",
		PrintData:  "http://broker.local:8001/job?mac=00.11.62.AA.BB.CC&token=INV-001",
		MediaTypes: []string{"application/vnd.star.line"},
	}
	if err := h.PublishJob(mac, notice); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read notice: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if got["title"] != "print-job" {
		t.Errorf("title = %v, want print-job", got["title"])
	}
	if got["jobToken"] != "INV-001" {
		t.Errorf("jobToken = %v", got["jobToken"])
	}
	if got["printData"] != notice.PrintData {
		t.Errorf("printData = %v", got["printData"])
	}
}

func TestPublishJobNoConnection(t *testing.T) {
	h, _ := newTestHub(t)

	err := h.PublishJob("00:11:62:00:00:00", JobNotice{JobToken: "x"})
	if err == nil {
		t.Fatal("publish to unconnected printer should fail")
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	h, srv := newTestHub(t)
	mac := "00:11:62:AA:BB:CC"

	first := dialPrinter(t, srv, mac)
	waitConnected(t, h, mac)

	second := dialPrinter(t, srv, mac)
	waitConnected(t, h, mac)

	// The replacement connection receives the notice; the old one is dead.
	deadline := time.Now().Add(2 * time.Second)
	delivered := false
	for time.Now().Before(deadline) {
		if err := h.PublishJob(mac, JobNotice{JobToken: "INV-002"}); err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		second.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := second.ReadMessage(); err == nil {
			delivered = true
			break
		}
	}
	if !delivered {
		t.Fatal("notice never reached the replacement connection")
	}
	_ = first

	if h.ConnectionCount() != 1 {
		t.Errorf("connection count = %d, want 1", h.ConnectionCount())
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	h, srv := newTestHub(t)
	mac := "00:11:62:AA:BB:CC"
	ws := dialPrinter(t, srv, mac)
	waitConnected(t, h, mac)

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !h.IsConnected(mac) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection never unregistered after close")
}
