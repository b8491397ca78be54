package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// segmentDurationMs is the nominal duration of fragments produced by the
// encoder pipeline. The encoder feed hands over raw bytes without timing
// metadata, so the buffer stamps each fragment with this value.
const segmentDurationMs = 1000

// minReadySegments is how many media segments must be buffered, on top of the
// init segment, before the playlist is served. Players that start with fewer
// tend to stall immediately.
const minReadySegments = 2

// statusCacheTTL bounds how often the status document is rebuilt; the remote
// UI polls it aggressively.
const statusCacheTTL = time.Second

// ErrNotRunning is returned by Start-dependent operations while no session is
// active.
var ErrNotRunning = errors.New("stream session not running")

// Uploader is the cloud relay as seen by the Manager. The concrete
// implementation lives in the cloud package; the indirection keeps the core
// free of gateway details and lets tests substitute a fake.
type Uploader interface {
	Start(ctx context.Context) error
	Stop()
	StatusString() string
	TotalBytesUploaded() uint64
}

// Status is the read-only snapshot consumed by the status endpoint and the
// operator UI. In cloud mode the per-client fields stay empty and only the
// aggregate viewer count is populated.
type Status struct {
	Mode                      string          `json:"mode"`
	State                     string          `json:"state"`
	Message                   string          `json:"message"`
	UptimeSeconds             int64           `json:"uptime_seconds"`
	BufferedCount             int             `json:"buffered_count"`
	BufferSizeBytes           int64           `json:"buffer_size_bytes"`
	OldestSequence            uint64          `json:"oldest_sequence"`
	LatestSequence            uint64          `json:"latest_sequence"`
	TotalDataTransferredBytes uint64          `json:"total_data_transferred_bytes"`
	ActiveClientCount         int             `json:"active_client_count"`
	Clients                   []ClientMetrics `json:"clients,omitempty"`
	CloudViewerCount          int             `json:"cloud_viewer_count"`
	CloudStatus               string          `json:"cloud_status,omitempty"`
}

// Manager coordinates the segment buffer, client registry, and optional cloud
// uploader for one stream session at a time. It is constructed explicitly and
// injected wherever it is needed; there is no package-level instance.
type Manager struct {
	log      *slog.Logger
	buffer   *SegmentBuffer
	registry *ClientRegistry

	mu        sync.Mutex
	uploader  Uploader
	mode      Mode
	running   bool
	startedAt time.Time

	statusMu     sync.Mutex
	cachedStatus []byte
	cachedAt     time.Time
}

// NewManager returns a stopped Manager with a fresh buffer and registry.
func NewManager(log *slog.Logger, maxSegments int, maxBytes int64) *Manager {
	return &Manager{
		log:      log,
		buffer:   NewSegmentBuffer(maxSegments, maxBytes),
		registry: NewClientRegistry(),
	}
}

// Buffer exposes the session's segment buffer.
func (m *Manager) Buffer() *SegmentBuffer { return m.buffer }

// Registry exposes the session's client registry.
func (m *Manager) Registry() *ClientRegistry { return m.registry }

// SetUploader installs the cloud relay used when a session starts in cloud
// mode. Must be called before Start.
func (m *Manager) SetUploader(u Uploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploader = u
}

// Start begins a new stream session in the given mode. The buffer and
// registry are reset so sequence numbers restart at zero and no metrics leak
// across sessions. In cloud mode the uploader is started with ctx; cancelling
// ctx bounds relay shutdown.
func (m *Manager) Start(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("stream session already running")
	}
	if mode == ModeCloud && m.uploader == nil {
		return errors.New("cloud mode requires an uploader")
	}

	m.buffer.Reset()
	m.registry.Reset()
	m.registry.SetMode(mode)

	if mode == ModeCloud {
		if err := m.uploader.Start(ctx); err != nil {
			return err
		}
	}

	m.mode = mode
	m.running = true
	m.startedAt = time.Now().UTC()
	m.log.Info("stream session started", "mode", mode.String())
	return nil
}

// Stop tears the session down, stopping the uploader if one is active.
// Open viewer sockets are closed by the HTTP server's shutdown, not here.
//
// The uploader is stopped outside the session lock: its run goroutine may be
// mid status push, which reads session state through StatusJSON, and waiting
// for it to drain while holding mu would never finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	mode := m.mode
	uploader := m.uploader
	m.mu.Unlock()

	if mode == ModeCloud && uploader != nil {
		uploader.Stop()
	}
	m.log.Info("stream session stopped", "mode", mode.String())
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Mode returns the distribution mode of the current (or last) session.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// OnSegmentReady is the encoder feed callback. Init segments are retained
// outside the ring; media segments are appended with the nominal fragment
// duration. Segments arriving while no session is running are dropped.
func (m *Manager) OnSegmentReady(payload []byte, isInit bool) {
	if !m.Running() {
		return
	}
	if isInit {
		m.buffer.SetInit(payload)
		m.log.Debug("init segment received", "size", len(payload))
		return
	}
	seg := m.buffer.Append(payload, segmentDurationMs)
	m.log.Debug("segment appended", "sequence", seg.Sequence, "size", len(payload))
}

// Ready reports whether the playlist can be served: a running session with an
// init segment and enough buffered media segments.
func (m *Manager) Ready() bool {
	if !m.Running() {
		return false
	}
	if _, ok := m.buffer.Init(); !ok {
		return false
	}
	return m.buffer.Count() >= minReadySegments
}

// State returns the readiness ladder the status endpoint exposes.
func (m *Manager) State() (state, message string) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	switch {
	case !running:
		return "disabled", "Streaming is disabled. Start a session to begin streaming."
	default:
		if _, ok := m.buffer.Init(); !ok {
			return "initializing", "Waiting for the encoder's initialization segment."
		}
		if n := m.buffer.Count(); n < minReadySegments {
			return "buffering", "Init segment ready, waiting for more fragments."
		}
		return "ready", "Stream is ready for playback."
	}
}

// Status assembles a consistent snapshot of session, buffer, and client
// state. Per-client rows appear only in local mode.
func (m *Manager) Status() Status {
	m.mu.Lock()
	mode := m.mode
	running := m.running
	startedAt := m.startedAt
	uploader := m.uploader
	m.mu.Unlock()

	state, message := m.State()
	st := Status{
		Mode:            mode.String(),
		State:           state,
		Message:         message,
		BufferedCount:   m.buffer.Count(),
		BufferSizeBytes: m.buffer.TotalBytes(),
	}
	if seq, ok := m.buffer.Oldest(); ok {
		st.OldestSequence = seq
	}
	if seq, ok := m.buffer.Latest(); ok {
		st.LatestSequence = seq
	}
	if running {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}

	if mode == ModeCloud {
		st.CloudViewerCount = m.registry.CloudViewerCount()
		if uploader != nil {
			st.CloudStatus = uploader.StatusString()
			st.TotalDataTransferredBytes = uploader.TotalBytesUploaded()
		}
	} else {
		st.ActiveClientCount = m.registry.ActiveCount()
		st.TotalDataTransferredBytes = m.registry.TotalBytesServed()
		st.Clients = m.registry.All()
	}
	return st
}

// StatusJSON returns the encoded status document, rebuilt at most once per
// statusCacheTTL.
func (m *Manager) StatusJSON() ([]byte, error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	if m.cachedStatus != nil && time.Since(m.cachedAt) < statusCacheTTL {
		return m.cachedStatus, nil
	}

	data, err := json.Marshal(m.Status())
	if err != nil {
		return nil, err
	}
	m.cachedStatus = data
	m.cachedAt = time.Now()
	return data, nil
}
