package stream

import (
	"sort"
	"sync"
	"time"
)

// DefaultActivityWindow is how recently a client must have been seen to count
// as active.
const DefaultActivityWindow = 15 * time.Second

// ClientMetrics is the per-viewer accounting row kept in local mode. Rows are
// created on first request and never deleted while the session is alive.
type ClientMetrics struct {
	ID           string    `json:"id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	BytesServed  uint64    `json:"bytes_served"`
	GetRequests  uint64    `json:"get_requests"`
	PostRequests uint64    `json:"post_requests"`
	Active       bool      `json:"active"`
}

// AverageBitrateMbps returns the mean delivery rate over the client's session.
func (c ClientMetrics) AverageBitrateMbps() float64 {
	secs := c.LastSeen.Sub(c.FirstSeen).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(c.BytesServed) * 8 / secs / 1e6
}

// ClientRegistry tracks connected local viewers and their byte counters.
//
// The registry is the privacy boundary between the two distribution modes: in
// cloud mode every per-client mutation is a no-op, All returns nothing, and
// the only readable figure is the aggregate viewer count supplied by the
// relay. Switching into cloud mode wipes any rows collected before the
// switch, so no per-viewer identity can leak out of local mode.
type ClientRegistry struct {
	mu             sync.RWMutex
	mode           Mode
	clients        map[string]*ClientMetrics
	totalBytes     uint64
	cloudViewers   int
	activityWindow time.Duration
	now            func() time.Time
}

// NewClientRegistry returns an empty registry in local mode.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:        make(map[string]*ClientMetrics),
		activityWindow: DefaultActivityWindow,
		now:            time.Now,
	}
}

// SetMode switches the registry between local and cloud accounting. Entering
// cloud mode discards all per-client rows.
func (r *ClientRegistry) SetMode(m Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
	if m == ModeCloud {
		r.clients = make(map[string]*ClientMetrics)
	} else {
		r.cloudViewers = 0
	}
}

// Mode returns the current accounting mode.
func (r *ClientRegistry) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Touch records activity for clientID, creating the row on first sight.
// No-op in cloud mode.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(clientID)
}

// RecordBytes adds n bytes actually written to clientID's socket. Callers
// pass the write count, not the nominal segment size, so aborted transfers
// are measured accurately. No-op in cloud mode.
func (r *ClientRegistry) RecordBytes(clientID string, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.touchLocked(clientID)
	if c == nil {
		return
	}
	c.BytesServed += n
	r.totalBytes += n
}

// RecordRequest bumps the GET or POST counter for clientID. No-op in cloud
// mode.
func (r *ClientRegistry) RecordRequest(clientID, method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.touchLocked(clientID)
	if c == nil {
		return
	}
	if method == "POST" {
		c.PostRequests++
	} else {
		c.GetRequests++
	}
}

func (r *ClientRegistry) touchLocked(clientID string) *ClientMetrics {
	if r.mode == ModeCloud {
		return nil
	}
	now := r.now().UTC()
	c, ok := r.clients[clientID]
	if !ok {
		c = &ClientMetrics{ID: clientID, FirstSeen: now}
		r.clients[clientID] = c
	}
	c.LastSeen = now
	return c
}

// All returns a copy of every client row, sorted by id. Always empty in
// cloud mode.
func (r *ClientRegistry) All() []ClientMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.mode == ModeCloud || len(r.clients) == 0 {
		return nil
	}
	now := r.now()
	out := make([]ClientMetrics, 0, len(r.clients))
	for _, c := range r.clients {
		row := *c
		row.Active = now.Sub(c.LastSeen) <= r.activityWindow
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalBytesServed returns the sum of bytes written across all local
// connections, completed and in-flight.
func (r *ClientRegistry) TotalBytesServed() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalBytes
}

// ActiveCount returns the number of clients seen within the activity window.
// Always zero in cloud mode.
func (r *ClientRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.mode == ModeCloud {
		return 0
	}
	now := r.now()
	n := 0
	for _, c := range r.clients {
		if now.Sub(c.LastSeen) <= r.activityWindow {
			n++
		}
	}
	return n
}

// SetCloudViewerCount stores the aggregate viewer count reported by the
// relay. Ignored in local mode.
func (r *ClientRegistry) SetCloudViewerCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModeCloud {
		r.cloudViewers = n
	}
}

// CloudViewerCount returns the relay-reported aggregate viewer count.
func (r *ClientRegistry) CloudViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cloudViewers
}

// Reset clears every row and counter. Called on each new stream session.
func (r *ClientRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]*ClientMetrics)
	r.totalBytes = 0
	r.cloudViewers = 0
}
