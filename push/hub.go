// Package push maintains WebSocket connections to printers that support
// push notification and tells them when a job lands in their queue. The
// queue itself stays HTTP: a push failure only delays the printer until
// its next poll.
package push

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// JobNotice is the message sent to a printer when a job is queued for
// it. PrintData carries the URL the printer fetches the job from.
type JobNotice struct {
	Title      string   `json:"title"`
	JobToken   string   `json:"jobToken"`
	PrintData  string   `json:"printData"`
	MediaTypes []string `json:"mediaTypes"`
}

// Logger is the subset of the broker logger the hub needs.
type Logger interface {
	Info(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// conn wraps *websocket.Conn and serializes writes. Gorilla panics on
// concurrent writes.
type conn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func (cw *conn) writeJSON(v interface{}, timeout time.Duration) error {
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()
	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteJSON(v)
}

func (cw *conn) writePing(timeout time.Duration) error {
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()
	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.PingMessage, nil)
}

func (cw *conn) close() error { return cw.c.Close() }

// Hub tracks at most one live connection per printer MAC.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	log   Logger
}

func NewHub(log Logger) *Hub {
	return &Hub{conns: make(map[string]*conn), log: log}
}

// Printers with embedded clients do not send an Origin the broker could
// check, so the upgrader accepts all.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and holds the connection open for the
// printer identified by mac until it drops. Blocks for the lifetime of
// the connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, mac string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "mac", mac, "error", err)
		return
	}
	c := &conn{c: ws}

	h.mu.Lock()
	if existing, ok := h.conns[mac]; ok {
		h.log.Info("Closing previous push connection", "mac", mac)
		existing.close()
	}
	h.conns[mac] = c
	h.mu.Unlock()

	h.log.Info("Printer push channel connected", "mac", mac, "remote_addr", r.RemoteAddr)

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(25 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.writePing(writeTimeout); err != nil {
					h.log.Debug("Push ping failed, closing", "mac", mac, "error", err)
					c.close()
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	defer func() {
		close(pingDone)
		h.mu.Lock()
		if h.conns[mac] == c {
			delete(h.conns, mac)
			h.log.Info("Printer push channel disconnected", "mac", mac)
		}
		h.mu.Unlock()
		c.close()
	}()

	ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Printers only listen on this channel; drain until the read fails.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Push channel read error", "mac", mac, "error", err)
			}
			return
		}
	}
}

// IsConnected reports whether the printer has a live push channel.
func (h *Hub) IsConnected(mac string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[mac]
	return ok
}

// ConnectionCount returns the number of live push channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// PublishJob notifies the printer that a job is ready. Returns an error
// when the printer is not connected or the write fails; callers treat
// both as advisory since the next poll picks the job up anyway.
func (h *Hub) PublishJob(mac string, notice JobNotice) error {
	h.mu.RLock()
	c, ok := h.conns[mac]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("printer %s has no push channel", mac)
	}
	if notice.Title == "" {
		notice.Title = "print-job"
	}
	if err := c.writeJSON(notice, writeTimeout); err != nil {
		return fmt.Errorf("push notify %s: %w", mac, err)
	}
	return nil
}

// Close drops all connections, typically at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for mac, c := range h.conns {
		c.close()
		delete(h.conns, mac)
	}
}
