// Package netmon measures network quality with periodic bandwidth and latency
// probes and publishes an atomically-swapped health snapshot for the
// streaming core's adaptive decisions.
package netmon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Status classifies measured network quality into fixed bands.
type Status int

const (
	StatusUnknown Status = iota
	StatusPoor
	StatusFair
	StatusGood
)

// Fixed classification bands. Upload throughput dominates because the device
// is the serving side of the stream.
const (
	goodMinMbps    = 5.0
	goodMaxLatency = 150 * time.Millisecond
	fairMinMbps    = 1.0
	fairMaxLatency = 400 * time.Millisecond
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPoor:
		return "poor"
	case StatusFair:
		return "fair"
	case StatusGood:
		return "good"
	default:
		return "unknown"
	}
}

// Health is one complete measurement snapshot. Readers always see a whole
// snapshot or none; fields are never torn across measurements.
type Health struct {
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       Status    `json:"-"`
	StatusString string    `json:"status"`
	MeasuredAt   time.Time `json:"measured_at"`
}

// Sample is a single probe result.
type Sample struct {
	DownloadMbps float64
	UploadMbps   float64
	Latency      time.Duration
}

// Prober performs one throughput-and-latency measurement. Implementations
// must honor ctx cancellation.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

const (
	// DefaultInterval is how often the background loop probes.
	DefaultInterval = 2 * time.Minute

	// probeTimeout bounds a single probe so TestNow can never block shutdown.
	probeTimeout = 15 * time.Second

	// minProbeSpacing is the floor between explicit TestNow probes; the rate
	// limiter drops storms from the control surface.
	minProbeSpacing = 10 * time.Second
)

// Monitor runs the Idle -> Testing -> Idle probe cycle on a timer and on
// explicit TestNow calls. The published snapshot is swapped atomically, and a
// probe already in flight short-circuits concurrent TestNow callers.
type Monitor struct {
	log      *slog.Logger
	prober   Prober
	interval time.Duration

	snapshot atomic.Pointer[Health]
	testing  atomic.Bool
	limiter  *rate.Limiter
}

// New returns a Monitor that probes with p every interval. A non-positive
// interval falls back to DefaultInterval.
func New(log *slog.Logger, p Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		log:      log,
		prober:   p,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(minProbeSpacing), 1),
	}
}

// Run probes immediately and then on every interval tick until ctx is
// cancelled. It never returns a probe error; failures leave the previous
// snapshot intact and staleness degrades the reported status on read.
func (m *Monitor) Run(ctx context.Context) {
	m.test(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.test(ctx)
		}
	}
}

// TestNow triggers an immediate probe. A test already in flight, or one
// requested within the rate-limit window, short-circuits without starting a
// second probe. Returns true if a probe actually ran.
func (m *Monitor) TestNow(ctx context.Context) bool {
	if !m.limiter.Allow() {
		return false
	}
	return m.test(ctx)
}

func (m *Monitor) test(ctx context.Context) bool {
	if !m.testing.CompareAndSwap(false, true) {
		return false
	}
	defer m.testing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	sample, err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Warn("network probe failed", "error", err)
		return true
	}

	h := &Health{
		DownloadMbps: sample.DownloadMbps,
		UploadMbps:   sample.UploadMbps,
		LatencyMs:    sample.Latency.Milliseconds(),
		Status:       classify(sample),
		MeasuredAt:   time.Now().UTC(),
	}
	h.StatusString = h.Status.String()
	m.snapshot.Store(h)

	m.log.Debug("network probe completed",
		"download_mbps", sample.DownloadMbps,
		"upload_mbps", sample.UploadMbps,
		"latency_ms", h.LatencyMs,
		"status", h.Status.String(),
	)
	return true
}

// Health returns the latest snapshot. If no probe has succeeded yet, or the
// snapshot is older than twice the test interval, the status reads Unknown
// while the last measured figures are preserved.
func (m *Monitor) Health() Health {
	p := m.snapshot.Load()
	if p == nil {
		return Health{Status: StatusUnknown, StatusString: StatusUnknown.String()}
	}
	h := *p
	if time.Since(h.MeasuredAt) > 2*m.interval {
		h.Status = StatusUnknown
		h.StatusString = StatusUnknown.String()
	}
	return h
}

// classify maps a sample onto the fixed status bands. The effective
// throughput is the better of measured upload and half of download, the
// usual asymmetric-link approximation.
func classify(s Sample) Status {
	mbps := s.UploadMbps
	if half := s.DownloadMbps / 2; half > mbps {
		mbps = half
	}
	switch {
	case mbps <= 0:
		return StatusUnknown
	case mbps >= goodMinMbps && s.Latency < goodMaxLatency:
		return StatusGood
	case mbps >= fairMinMbps && s.Latency < fairMaxLatency:
		return StatusFair
	default:
		return StatusPoor
	}
}

// HTTPProber measures throughput with a small download and upload against
// well-known endpoints, the same approach the device uses in the field.
type HTTPProber struct {
	Client      *http.Client
	DownloadURL string
	UploadURL   string
	UploadSize  int
}

// NewHTTPProber returns a prober hitting downloadURL with GET and uploadURL
// with a fixed-size POST body.
func NewHTTPProber(downloadURL, uploadURL string) *HTTPProber {
	return &HTTPProber{
		Client:      &http.Client{Timeout: probeTimeout},
		DownloadURL: downloadURL,
		UploadURL:   uploadURL,
		UploadSize:  64 << 10,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	downMbps, latency, err := p.download(ctx)
	if err != nil {
		return Sample{}, err
	}

	upMbps, err := p.upload(ctx)
	if err != nil {
		// Upload endpoint is optional; fall back to the asymmetric estimate.
		upMbps = downMbps * 0.6
	}

	return Sample{DownloadMbps: downMbps, UploadMbps: upMbps, Latency: latency}, nil
}

func (p *HTTPProber) download(ctx context.Context) (mbps float64, latency time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.DownloadURL, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	latency = time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("download probe: HTTP %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, 0, err
	}
	elapsed := time.Since(start)
	return throughputMbps(n, elapsed), latency, nil
}

func (p *HTTPProber) upload(ctx context.Context) (float64, error) {
	if p.UploadURL == "" {
		return 0, fmt.Errorf("no upload probe endpoint")
	}
	body := bytes.Repeat([]byte{0xAB}, p.UploadSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.UploadURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("upload probe: HTTP %d", resp.StatusCode)
	}
	return throughputMbps(int64(len(body)), time.Since(start)), nil
}

func throughputMbps(n int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) * 8 / secs / 1e6
}
