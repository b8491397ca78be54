package stream

import "time"

// Segment is a single encoded fMP4 media fragment handed to the buffer by the
// camera encoder. The payload is opaque to this package and immutable once
// appended; callers must not modify it after handing it over.
type Segment struct {
	Sequence   uint64
	Payload    []byte
	DurationMs uint32
	CreatedAt  time.Time
	Init       bool
}

// Size returns the payload size in bytes.
func (s Segment) Size() int64 {
	return int64(len(s.Payload))
}

// DurationSeconds returns the segment duration as fractional seconds.
func (s Segment) DurationSeconds() float64 {
	return float64(s.DurationMs) / 1000.0
}

// Mode selects how the stream is distributed to viewers.
type Mode int

const (
	// ModeLocal serves viewers directly over the embedded HTTP server and
	// keeps per-client metrics.
	ModeLocal Mode = iota

	// ModeCloud relays segments through the cloud gateway. No per-viewer
	// identity is retained in this mode, only an aggregate viewer count.
	ModeCloud
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeCloud {
		return "cloud"
	}
	return "local"
}

// ParseMode converts a mode string ("local" or "cloud") to a Mode.
// Unrecognized values fall back to ModeLocal.
func ParseMode(s string) Mode {
	if s == "cloud" {
		return ModeCloud
	}
	return ModeLocal
}
