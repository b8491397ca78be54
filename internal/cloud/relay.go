package cloud

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"camstream/internal/stream"
)

// State is the relay lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
)

// String implements fmt.Stringer. A paused relay reports the distinct
// cloud-disconnected status so the UI can tell an auth outage from a clean
// stop.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "uploading"
	case StatePaused:
		return "cloud-disconnected"
	default:
		return "idle"
	}
}

const (
	// uploadRetries is the per-segment retry budget after the first attempt;
	// three attempts total, then the sequence is skipped and recorded as a
	// gap.
	uploadRetries = 2

	// tokenLeeway refreshes tokens slightly before they expire so an upload
	// batch never starts with a token about to lapse mid-flight.
	tokenLeeway = 30 * time.Second

	defaultStatusInterval  = 2 * time.Second
	defaultViewerInterval  = 5 * time.Second
	defaultCommandInterval = 2 * time.Second

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Relay consumes appended segments from the buffer and pushes them to the
// cloud gateway in strictly increasing sequence order. A segment that
// exhausts its retry budget is skipped; the resulting sequence jump shows up
// as a discontinuity in the uploaded playlist, so cloud viewers are told
// about the gap instead of freezing silently.
//
// The relay never records per-viewer data. The only viewer-related figure it
// touches is the aggregate count polled from the gateway.
type Relay struct {
	log      *slog.Logger
	auth     *AuthManager
	gw        Gateway
	buffer    *stream.SegmentBuffer
	registry  *stream.ClientRegistry
	statusFn  func() ([]byte, error)
	commandFn func(name string, payload []byte) error

	statusInterval  time.Duration
	viewerInterval  time.Duration
	commandInterval time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// nextSeq, window, and gaps are touched only by the run goroutine.
	nextSeq      uint64
	window       []stream.Segment
	initUploaded bool
	gaps         atomic.Uint64
	totalBytes   atomic.Uint64
}

// NewRelay wires the uploader to its collaborators. statusFn, when non-nil,
// supplies the aggregate status document pushed to the gateway every couple
// of seconds.
func NewRelay(log *slog.Logger, auth *AuthManager, gw Gateway, buf *stream.SegmentBuffer, reg *stream.ClientRegistry) *Relay {
	return &Relay{
		log:             log,
		auth:            auth,
		gw:              gw,
		buffer:          buf,
		registry:        reg,
		statusInterval:  defaultStatusInterval,
		viewerInterval:  defaultViewerInterval,
		commandInterval: defaultCommandInterval,
	}
}

// SetStatusSource installs the status document supplier. Must be called
// before Start.
func (r *Relay) SetStatusSource(fn func() ([]byte, error)) {
	r.statusFn = fn
}

// SetCommandSink installs the executor for control commands relayed from
// cloud viewers. Must be called before Start; without one, polled commands
// are dropped with a warning.
func (r *Relay) SetCommandSink(fn func(name string, payload []byte) error) {
	r.commandFn = fn
}

// Start begins consuming the buffer. It fails if the device is not linked or
// a run is already active. Cancelling ctx stops the relay within a bounded
// time.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRunning {
		return errors.New("relay already running")
	}
	if !r.auth.Linked() {
		return ErrNotLinked
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = StateRunning
	r.nextSeq = 0
	r.window = nil
	r.initUploaded = false

	go r.run(runCtx)
	return nil
}

// Stop cancels the run loop and waits for it to drain.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	r.mu.Lock()
	if r.state == StateRunning {
		r.state = StateIdle
	}
	r.cancel = nil
	r.mu.Unlock()
}

// Enabled reports whether the relay is actively uploading.
func (r *Relay) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning
}

// StatusString implements stream.Uploader.
func (r *Relay) StatusString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}

// TotalBytesUploaded implements stream.Uploader.
func (r *Relay) TotalBytesUploaded() uint64 {
	return r.totalBytes.Load()
}

// ViewerCount returns the last aggregate figure polled from the gateway.
func (r *Relay) ViewerCount() int {
	return r.registry.CloudViewerCount()
}

// GapCount returns how many segments were skipped after exhausting retries.
func (r *Relay) GapCount() uint64 {
	return r.gaps.Load()
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	statusTicker := time.NewTicker(r.statusInterval)
	defer statusTicker.Stop()
	viewerTicker := time.NewTicker(r.viewerInterval)
	defer viewerTicker.Stop()
	commandTicker := time.NewTicker(r.commandInterval)
	defer commandTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.buffer.Notify():
			if !r.drain(ctx) {
				return
			}
		case <-statusTicker.C:
			r.pushStatus(ctx)
		case <-viewerTicker.C:
			r.pollViewers(ctx)
		case <-commandTicker.C:
			r.pollCommands(ctx)
		}
	}
}

// drain uploads everything buffered past nextSeq, in order. Returns false
// when the relay pauses on an auth failure.
func (r *Relay) drain(ctx context.Context) bool {
	token, err := r.ensureToken(ctx)
	if err != nil {
		r.pause(err)
		return false
	}

	if !r.initUploaded {
		init, ok := r.buffer.Init()
		if !ok {
			return true
		}
		if err := r.uploadWithRetry(ctx, func() error {
			return r.gw.UploadInit(ctx, token, init)
		}); err != nil {
			if errors.Is(err, ErrUpstreamAuth) {
				r.pause(err)
				return false
			}
			r.log.Warn("init segment upload failed, will retry on next wakeup", "error", err)
			return true
		}
		r.initUploaded = true
		r.totalBytes.Add(uint64(len(init)))
	}

	for {
		segs, err := r.buffer.Range(r.nextSeq)
		if errors.Is(err, stream.ErrGone) {
			oldest, _ := r.buffer.Oldest()
			r.log.Warn("relay fell behind buffer, resuming from oldest",
				"wanted", r.nextSeq, "oldest", oldest)
			r.gaps.Add(1)
			r.nextSeq = oldest
			continue
		}
		if len(segs) == 0 {
			break
		}

		for _, seg := range segs {
			if ctx.Err() != nil {
				return false
			}
			if err := r.uploadSegment(ctx, token, seg); err != nil {
				if errors.Is(err, ErrUpstreamAuth) {
					r.pause(err)
					return false
				}
				r.gaps.Add(1)
				r.log.Warn("segment skipped after exhausting retries",
					"sequence", seg.Sequence, "error", err)
			} else {
				r.recordUploaded(seg)
			}
			r.nextSeq = seg.Sequence + 1
		}

		if err := r.uploadPlaylist(ctx, token); err != nil {
			r.log.Warn("playlist upload failed", "error", err)
		}
	}
	return true
}

func (r *Relay) uploadSegment(ctx context.Context, token string, seg stream.Segment) error {
	err := r.uploadWithRetry(ctx, func() error {
		return r.gw.UploadSegment(ctx, token, seg.Sequence, seg.Payload)
	})
	if err == nil {
		r.totalBytes.Add(uint64(seg.Size()))
	}
	return err
}

func (r *Relay) uploadWithRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if errors.Is(err, ErrUpstreamAuth) {
			// Retrying with the same token cannot succeed.
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uploadRetries), ctx))
}

// recordUploaded keeps a metadata-only window of uploaded segments for the
// cloud playlist, sized to the buffer's configured capacity so the advertised
// window matches what the gateway holds. Gap skips show up as sequence jumps
// and therefore as discontinuities.
func (r *Relay) recordUploaded(seg stream.Segment) {
	seg.Payload = nil
	r.window = append(r.window, seg)
	if limit := r.buffer.Capacity(); len(r.window) > limit {
		r.window = r.window[len(r.window)-limit:]
	}
}

func (r *Relay) uploadPlaylist(ctx context.Context, token string) error {
	if len(r.window) == 0 {
		return nil
	}
	playlist := stream.BuildLivePlaylist(r.window, false)
	return r.gw.UploadPlaylist(ctx, token, []byte(playlist))
}

// ensureToken returns a JWT valid for at least tokenLeeway, refreshing it
// first if needed. A failed refresh is an upstream auth error.
func (r *Relay) ensureToken(ctx context.Context) (string, error) {
	t, ok := r.auth.Token()
	if !ok {
		return "", ErrNotLinked
	}
	if !t.Expired(tokenLeeway) {
		return t.JWT, nil
	}
	if t.RefreshToken == "" {
		return "", ErrUpstreamAuth
	}

	refreshed, err := r.gw.Refresh(ctx, t.RefreshToken)
	if err != nil {
		return "", errors.Join(ErrUpstreamAuth, err)
	}
	if err := r.auth.SetToken(refreshed.JWT, refreshed.ExpiryMs, refreshed.RefreshToken, refreshed.UserID); err != nil {
		return "", err
	}
	r.log.Info("device token refreshed")
	return refreshed.JWT, nil
}

func (r *Relay) pause(err error) {
	r.mu.Lock()
	r.state = StatePaused
	r.mu.Unlock()
	r.log.Error("relay paused, cloud disconnected", "error", err)
}

func (r *Relay) pushStatus(ctx context.Context) {
	if r.statusFn == nil {
		return
	}
	t, ok := r.auth.Token()
	if !ok {
		return
	}
	status, err := r.statusFn()
	if err != nil {
		r.log.Warn("status document build failed", "error", err)
		return
	}
	if err := r.gw.PushStatus(ctx, t.JWT, status); err != nil {
		r.log.Debug("status push failed", "error", err)
	}
}

// pollCommands fetches control commands queued by cloud viewers and hands
// them to the command sink. A failed command is logged and skipped; the
// viewer sees the effect (or its absence) through the pushed status document.
func (r *Relay) pollCommands(ctx context.Context) {
	t, ok := r.auth.Token()
	if !ok {
		return
	}
	cmds, err := r.gw.Commands(ctx, t.JWT)
	if err != nil {
		r.log.Debug("command poll failed", "error", err)
		return
	}
	for _, cmd := range cmds {
		if r.commandFn == nil {
			r.log.Warn("dropping relayed command, no sink installed", "command", cmd.Name)
			continue
		}
		if err := r.commandFn(cmd.Name, cmd.Payload); err != nil {
			r.log.Warn("relayed command failed", "command", cmd.Name, "id", cmd.ID, "error", err)
			continue
		}
		r.log.Info("relayed command executed", "command", cmd.Name, "id", cmd.ID)
	}
}

func (r *Relay) pollViewers(ctx context.Context) {
	t, ok := r.auth.Token()
	if !ok {
		return
	}
	n, err := r.gw.ViewerCount(ctx, t.JWT)
	if err != nil {
		r.log.Debug("viewer count poll failed", "error", err)
		return
	}
	r.registry.SetCloudViewerCount(n)
}
