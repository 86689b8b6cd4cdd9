// Package discovery tracks printers that have polled the broker but are
// not yet adopted into the registry. Entries live in memory and expire
// after a TTL so a printer that is unplugged drops out of the list.
package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a discovered printer stays listed after its
// last poll.
const DefaultTTL = 5 * time.Minute

// Record is one observed but unadopted printer.
type Record struct {
	MAC        string    `json:"mac"`
	IP         string    `json:"ip"`
	ClientType string    `json:"client_type"`
	StatusCode string    `json:"status_code"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	PollCount  int       `json:"poll_count"`
}

// SuggestedLabel derives an adoption label from the client type and the
// MAC tail, e.g. "mC-Print3 (BB:CC)".
func (r *Record) SuggestedLabel() string {
	model := strings.TrimPrefix(r.ClientType, "Star ")
	if model == "" {
		model = "Printer"
	}
	tail := r.MAC
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	return model + " (" + tail + ")"
}

// Tracker is a TTL-bounded set of discovery records keyed by MAC.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*Record

	// now is swappable in tests.
	now func() time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:     ttl,
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Track records a poll from an unadopted printer.
func (t *Tracker) Track(mac, ip, clientType, statusCode string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r, ok := t.records[mac]
	if !ok {
		r = &Record{MAC: mac, FirstSeen: now}
		t.records[mac] = r
	}
	r.IP = ip
	if clientType != "" {
		r.ClientType = clientType
	}
	r.StatusCode = statusCode
	r.LastSeen = now
	r.PollCount++
}

// Get returns the record for a MAC, or nil when unknown or expired.
func (t *Tracker) Get(mac string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked()
	r, ok := t.records[mac]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// List returns all live records ordered by MAC.
func (t *Tracker) List() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked()
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Remove drops a record, typically after adoption.
func (t *Tracker) Remove(mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, mac)
}

// Clear drops all records and reports how many were removed.
func (t *Tracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.records)
	t.records = make(map[string]*Record)
	return n
}

func (t *Tracker) expireLocked() {
	cutoff := t.now().Add(-t.ttl)
	for mac, r := range t.records {
		if r.LastSeen.Before(cutoff) {
			delete(t.records, mac)
		}
	}
}
