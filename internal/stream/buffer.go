package stream

import (
	"errors"
	"sync"
	"time"
)

const (
	// DefaultMaxSegments bounds the ring by count (~15 seconds of video at
	// one-second fragments).
	DefaultMaxSegments = 15

	// DefaultMaxBytes bounds the ring by total payload size.
	DefaultMaxBytes = 64 << 20
)

var (
	// ErrGone is returned when a requested sequence has already been evicted
	// from the ring. Viewers receiving it must resync from the init segment.
	ErrGone = errors.New("segment evicted from buffer")

	// ErrNotBuffered is returned when a requested sequence is newer than the
	// latest appended segment.
	ErrNotBuffered = errors.New("segment not yet buffered")
)

// SegmentBuffer is a fixed-capacity, sequence-numbered ring of media segments.
// It is bounded by both a maximum segment count and a maximum total byte size;
// eviction only removes from the oldest end. The init segment is retained
// outside the ring because every new viewer needs it to start decoding.
//
// Single writer (the encoder feed), many readers (one per viewer connection).
// Readers copy under a short-held read lock and never block each other.
type SegmentBuffer struct {
	mu         sync.RWMutex
	segments   []Segment
	initData   []byte
	nextSeq    uint64
	totalBytes int64
	maxCount   int
	maxBytes   int64

	notify chan struct{}
}

// NewSegmentBuffer returns an empty buffer bounded by maxCount segments and
// maxBytes total payload bytes. Non-positive limits fall back to the defaults.
func NewSegmentBuffer(maxCount int, maxBytes int64) *SegmentBuffer {
	if maxCount <= 0 {
		maxCount = DefaultMaxSegments
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &SegmentBuffer{
		maxCount: maxCount,
		maxBytes: maxBytes,
		notify:   make(chan struct{}, 1),
	}
}

// Append assigns the next sequence number to payload, splices it into the
// ring, and evicts from the head until both limits hold again. It never
// blocks on readers longer than the splice itself and is safe to call from
// the encoder thread.
func (b *SegmentBuffer) Append(payload []byte, durationMs uint32) Segment {
	seg := Segment{
		Payload:    payload,
		DurationMs: durationMs,
		CreatedAt:  time.Now().UTC(),
	}

	b.mu.Lock()
	seg.Sequence = b.nextSeq
	b.nextSeq++
	b.segments = append(b.segments, seg)
	b.totalBytes += seg.Size()

	// Evict FIFO while either limit is exceeded. The newest segment is never
	// evicted even if it alone exceeds the byte limit.
	for len(b.segments) > 1 && (len(b.segments) > b.maxCount || b.totalBytes > b.maxBytes) {
		b.totalBytes -= b.segments[0].Size()
		b.segments = b.segments[1:]
	}
	b.mu.Unlock()

	// Wake the relay without blocking the encoder.
	select {
	case b.notify <- struct{}{}:
	default:
	}

	return seg
}

// SetInit stores the codec initialization segment. It survives ring eviction
// and is replaced wholesale if the encoder restarts.
func (b *SegmentBuffer) SetInit(payload []byte) {
	b.mu.Lock()
	b.initData = payload
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Init returns the retained init segment, or ok=false if streaming has not
// produced one yet.
func (b *SegmentBuffer) Init() (payload []byte, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initData, b.initData != nil
}

// Get returns the segment with the given sequence number. It returns ErrGone
// if the sequence was evicted and ErrNotBuffered if it has not been appended
// yet.
func (b *SegmentBuffer) Get(seq uint64) (Segment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.segments) == 0 {
		return Segment{}, ErrNotBuffered
	}
	oldest := b.segments[0].Sequence
	latest := b.segments[len(b.segments)-1].Sequence
	if seq < oldest {
		return Segment{}, ErrGone
	}
	if seq > latest {
		return Segment{}, ErrNotBuffered
	}
	return b.segments[seq-oldest], nil
}

// Range returns all buffered segments with sequence >= from, ascending. If
// from is older than the oldest retained segment it returns ErrGone so the
// caller can restart from the init segment instead of silently missing data.
func (b *SegmentBuffer) Range(from uint64) ([]Segment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.segments) == 0 {
		return nil, nil
	}
	oldest := b.segments[0].Sequence
	if from < oldest {
		return nil, ErrGone
	}
	latest := b.segments[len(b.segments)-1].Sequence
	if from > latest {
		return nil, nil
	}

	out := make([]Segment, len(b.segments)-int(from-oldest))
	copy(out, b.segments[from-oldest:])
	return out, nil
}

// Snapshot returns a consistent copy of the whole ring, ascending by
// sequence. Playlist generation uses it so a playlist never mixes pre- and
// post-eviction state.
func (b *SegmentBuffer) Snapshot() []Segment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Segment, len(b.segments))
	copy(out, b.segments)
	return out
}

// Oldest returns the oldest retained sequence number, ok=false when empty.
func (b *SegmentBuffer) Oldest() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.segments) == 0 {
		return 0, false
	}
	return b.segments[0].Sequence, true
}

// Latest returns the most recent sequence number, ok=false when empty.
func (b *SegmentBuffer) Latest() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.segments) == 0 {
		return 0, false
	}
	return b.segments[len(b.segments)-1].Sequence, true
}

// Capacity returns the configured maximum segment count.
func (b *SegmentBuffer) Capacity() int {
	return b.maxCount
}

// Count returns the number of buffered segments.
func (b *SegmentBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.segments)
}

// TotalBytes returns the summed payload size of all buffered segments.
func (b *SegmentBuffer) TotalBytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalBytes
}

// Notify returns a channel that receives a wakeup after each append. The
// channel has capacity one; consumers drain the buffer with Range rather than
// counting notifications.
func (b *SegmentBuffer) Notify() <-chan struct{} {
	return b.notify
}

// Reset drops all segments, the init segment, and restarts sequence numbering
// at zero. Called on each new stream session.
func (b *SegmentBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = nil
	b.initData = nil
	b.nextSeq = 0
	b.totalBytes = 0
}
