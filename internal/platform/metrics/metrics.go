package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streaming server.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	segmentsIngestedTotal prometheus.Counter
	segmentsServedTotal   prometheus.Counter
	bytesServedTotal      prometheus.Counter
	playlistRequestsTotal prometheus.Counter
	activeClients         prometheus.Gauge
	bufferedSegments      prometheus.Gauge
}

// New creates and registers Prometheus metrics for the streaming server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	segmentsIngestedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_segments_ingested_total",
		Help: "Total number of media segments received from the encoder feed",
	})
	segmentsServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_segments_served_total",
		Help: "Total number of media segment responses served to viewers",
	})
	bytesServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_bytes_served_total",
		Help: "Total bytes written to viewer sockets",
	})
	playlistRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_playlist_requests_total",
		Help: "Total number of playlist requests",
	})
	activeClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camstream_active_clients",
		Help: "Number of viewers seen within the activity window",
	})
	bufferedSegments := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camstream_buffered_segments",
		Help: "Number of media segments currently in the ring buffer",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		segmentsIngestedTotal,
		segmentsServedTotal,
		bytesServedTotal,
		playlistRequestsTotal,
		activeClients,
		bufferedSegments,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		segmentsIngestedTotal: segmentsIngestedTotal,
		segmentsServedTotal:   segmentsServedTotal,
		bytesServedTotal:      bytesServedTotal,
		playlistRequestsTotal: playlistRequestsTotal,
		activeClients:         activeClients,
		bufferedSegments:      bufferedSegments,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSegmentsIngested increments the encoder-feed segment counter.
func (m *Metrics) IncSegmentsIngested() {
	m.segmentsIngestedTotal.Inc()
}

// IncSegmentsServed increments the served-segment counter.
func (m *Metrics) IncSegmentsServed() {
	m.segmentsServedTotal.Inc()
}

// IncPlaylistRequests increments the playlist request counter.
func (m *Metrics) IncPlaylistRequests() {
	m.playlistRequestsTotal.Inc()
}

// AddBytesServed adds n socket-written bytes to the byte counter.
func (m *Metrics) AddBytesServed(n int) {
	m.bytesServedTotal.Add(float64(n))
}

// SetActiveClients sets the active viewers gauge.
func (m *Metrics) SetActiveClients(n int) {
	m.activeClients.Set(float64(n))
}

// SetBufferedSegments sets the ring occupancy gauge.
func (m *Metrics) SetBufferedSegments(n int) {
	m.bufferedSegments.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
