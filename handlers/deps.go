// Package handlers provides the HTTP surface of the broker: the
// CloudPRNT endpoints the printers talk to and the producer/admin API.
// Each API type takes its dependencies through an options struct.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"cloudprnt/server/push"
)

// Logger provides logging capabilities.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Notifier is the push bridge as seen by the HTTP layer.
type Notifier interface {
	IsConnected(mac string) bool
	PublishJob(mac string, notice push.JobNotice) error
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// getRealIP extracts the client address, honoring X-Forwarded-For when
// the broker sits behind a proxy.
func getRealIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
