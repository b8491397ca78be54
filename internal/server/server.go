// Package server exposes the embedded streaming surface: the live playlist,
// init and media segments, the status document, and the RPC-style control
// plane consumed by remote viewers on the local network.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"camstream/internal/netmon"
	"camstream/internal/platform/metrics"
	"camstream/internal/stream"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	initContentType     = "video/mp4"
	segmentContentType  = "video/iso.segment"

	// segmentWriteTimeout bounds a single viewer's socket write so one stalled
	// connection cannot pin a handler goroutine indefinitely.
	segmentWriteTimeout = 30 * time.Second

	// maxIngestBytes caps a single encoder fragment upload.
	maxIngestBytes = 32 << 20

	// maxControlBodyBytes caps control-plane request bodies.
	maxControlBodyBytes = 64 << 10
)

// Server wires HTTP handlers to the stream manager, network monitor, and
// control dispatcher.
type Server struct {
	log        *slog.Logger
	manager    *stream.Manager
	monitor    *netmon.Monitor
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	tokens     TokenValidator
}

// New returns a Server. Metrics may be nil to disable metric recording
// (e.g. in tests); a nil tokens leaves the control plane unauthenticated.
func New(log *slog.Logger, mgr *stream.Manager, mon *netmon.Monitor, d *Dispatcher, m *metrics.Metrics, tokens TokenValidator) *Server {
	return &Server{log: log, manager: mgr, monitor: mon, dispatcher: d, metrics: m, tokens: tokens}
}

// Routes registers every endpoint on r. Playback and read-only endpoints are
// open; everything that mutates device or stream state sits behind the
// bearer-token check.
func (s *Server) Routes(r chi.Router) {
	r.Get("/live.m3u8", s.GetPlaylist)
	r.Get("/init.mp4", s.GetInit)
	r.Get("/segment/{seq:[0-9]+}.m4s", s.GetSegment)
	r.Get("/status", s.GetStatus)
	r.Get("/network/health", s.GetNetworkHealth)
	r.Get("/audio/volume", s.GetVolume)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/network/test", s.TestNetwork)
		r.Post("/audio/volume", s.SetVolume)
		r.Post("/torch/toggle", s.ToggleTorch)
		r.Post("/recording/toggle", s.ToggleRecording)
		r.Post("/config/recordingMode", s.SetRecordingMode)
		r.Post("/config/streamQuality", s.SetStreamQuality)
		r.Post("/config/batteryWarning", s.SetBatteryWarning)
		r.Post("/config/videoCodec", s.SetVideoCodec)
		r.Post("/alarm/ring", s.RingAlarm)
		r.Post("/alarm/stop", s.StopAlarm)
		r.Post("/alarm/schedule", s.ScheduleAlarm)
		r.Post("/ingest/segment", s.IngestSegment)
	})
}

// GetPlaylist handles GET /live.m3u8. The playlist is regenerated per request
// from a consistent buffer snapshot; 503 with a state document until the
// stream is ready.
func (s *Server) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	reg := s.manager.Registry()
	reg.RecordRequest(id, r.Method)
	if s.metrics != nil {
		s.metrics.IncPlaylistRequests()
	}

	if !s.manager.Ready() {
		state, message := s.manager.State()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"state":   state,
			"message": message,
		})
		return
	}

	body := stream.BuildLivePlaylist(s.manager.Buffer().Snapshot(), false)

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	n, _ := w.Write([]byte(body))
	s.accountBytes(reg, id, n)
}

// GetInit handles GET /init.mp4.
func (s *Server) GetInit(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	reg := s.manager.Registry()
	reg.RecordRequest(id, r.Method)

	init, ok := s.manager.Buffer().Init()
	if !ok {
		writeError(w, http.StatusNotFound, "no init segment yet")
		return
	}

	w.Header().Set("Content-Type", initContentType)
	n, _ := w.Write(init)
	s.accountBytes(reg, id, n)
}

// GetSegment handles GET /segment/{seq}.m4s. Evicted sequences yield 410 so
// the player restarts from the init segment; not-yet-appended ones yield 404.
func (s *Server) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	reg := s.manager.Registry()
	reg.RecordRequest(id, r.Method)

	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}

	seg, err := s.manager.Buffer().Get(seq)
	switch {
	case errors.Is(err, stream.ErrGone):
		writeError(w, http.StatusGone, "segment evicted, resync from init")
		return
	case errors.Is(err, stream.ErrNotBuffered):
		writeError(w, http.StatusNotFound, "segment not available")
		return
	case err != nil:
		s.log.Error("segment lookup failed", "sequence", seq, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Time-box the socket write; one misbehaving viewer must not stall the
	// rest of the server.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(segmentWriteTimeout))

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(seg.Size(), 10))

	// Account the bytes actually written, not the nominal segment size, so
	// aborted transfers are measured accurately.
	n, werr := w.Write(seg.Payload)
	s.accountBytes(reg, id, n)
	if s.metrics != nil {
		s.metrics.IncSegmentsServed()
	}
	if werr != nil {
		s.log.Debug("segment write aborted",
			"sequence", seq, "client", id, "written", n, "error", werr.Error())
	}
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	data, err := s.manager.StatusJSON()
	if err != nil {
		s.log.Error("status build failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// GetNetworkHealth handles GET /network/health.
func (s *Server) GetNetworkHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Health())
}

// TestNetwork handles POST /network/test. A probe already in flight
// short-circuits; the response says whether one actually started.
func (s *Server) TestNetwork(w http.ResponseWriter, r *http.Request) {
	started := s.monitor.TestNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"health":  s.monitor.Health(),
	})
}

// GetVolume handles GET /audio/volume.
func (s *Server) GetVolume(w http.ResponseWriter, r *http.Request) {
	v, err := s.dispatcher.Volume()
	if err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"volume": v})
}

// SetVolume handles POST /audio/volume with body {"volume": 0-100}.
func (s *Server) SetVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *int `json:"volume"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeError(w, http.StatusBadRequest, "missing volume")
		return
	}
	if err := s.dispatcher.SetVolume(*req.Volume); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "volume": *req.Volume})
}

// ToggleTorch handles POST /torch/toggle.
func (s *Server) ToggleTorch(w http.ResponseWriter, r *http.Request) {
	on, err := s.dispatcher.ToggleTorch()
	if err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "torch_state": on})
}

// ToggleRecording handles POST /recording/toggle.
func (s *Server) ToggleRecording(w http.ResponseWriter, r *http.Request) {
	recording, err := s.dispatcher.ToggleRecording()
	if err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "is_recording": recording})
}

// SetRecordingMode handles POST /config/recordingMode with body {"mode": ...}.
func (s *Server) SetRecordingMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.dispatcher.SetRecordingMode(req.Mode); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "mode": req.Mode})
}

// SetStreamQuality handles POST /config/streamQuality with body
// {"quality": ...}.
func (s *Server) SetStreamQuality(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality string `json:"quality"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.dispatcher.SetStreamQuality(req.Quality); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "quality": req.Quality})
}

// SetBatteryWarning handles POST /config/batteryWarning with body
// {"threshold": 0-100}.
func (s *Server) SetBatteryWarning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold *int `json:"threshold"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Threshold == nil {
		writeError(w, http.StatusBadRequest, "missing threshold")
		return
	}
	if err := s.dispatcher.SetBatteryWarning(*req.Threshold); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "threshold": *req.Threshold})
}

// SetVideoCodec handles POST /config/videoCodec with body {"codec": ...}.
func (s *Server) SetVideoCodec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Codec string `json:"codec"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.dispatcher.SetVideoCodec(req.Codec); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "codec": req.Codec})
}

// RingAlarm handles POST /alarm/ring with optional body
// {"duration_ms": -1 for until-stopped}.
func (s *Server) RingAlarm(w http.ResponseWriter, r *http.Request) {
	req := struct {
		DurationMs int64 `json:"duration_ms"`
	}{DurationMs: -1}
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.dispatcher.RingAlarm(req.DurationMs); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// StopAlarm handles POST /alarm/stop.
func (s *Server) StopAlarm(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.StopAlarm(); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ScheduleAlarm handles POST /alarm/schedule with body
// {"delay_ms": n, "duration_ms": m}.
func (s *Server) ScheduleAlarm(w http.ResponseWriter, r *http.Request) {
	req := struct {
		DelayMs    int64 `json:"delay_ms"`
		DurationMs int64 `json:"duration_ms"`
	}{DelayMs: -1, DurationMs: 30000}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.dispatcher.ScheduleAlarm(req.DelayMs, req.DurationMs); err != nil {
		s.controlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "delay_ms": req.DelayMs})
}

// IngestSegment handles POST /ingest/segment?init=true|false, the HTTP face
// of the encoder feed for out-of-process encoders. The body is the raw
// fragment payload.
func (s *Server) IngestSegment(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Running() {
		writeError(w, http.StatusConflict, "no stream session running")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty segment payload")
		return
	}
	if len(data) > maxIngestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "segment too large")
		return
	}

	isInit := r.URL.Query().Get("init") == "true"
	s.manager.OnSegmentReady(data, isInit)
	if s.metrics != nil && !isInit {
		s.metrics.IncSegmentsIngested()
	}
	w.WriteHeader(http.StatusCreated)
}

// decodeBody decodes a JSON control payload, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := io.LimitReader(r.Body, maxControlBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.log.Debug("invalid control body", "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// controlError maps dispatcher failures onto HTTP statuses: validation
// errors are the client's fault, everything else is a device failure.
func (s *Server) controlError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	s.log.Error("device action failed", "error", err.Error())
	writeError(w, http.StatusInternalServerError, "device action failed")
}

func (s *Server) accountBytes(reg *stream.ClientRegistry, id string, n int) {
	if n > 0 {
		reg.RecordBytes(id, uint64(n))
		if s.metrics != nil {
			s.metrics.AddBytesServed(n)
		}
	}
}

// clientID keys client metrics by remote IP; the port changes per connection
// and would fragment a viewer's accounting.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
