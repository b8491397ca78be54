package cloud

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"camstream/internal/stream"
)

type fakeGateway struct {
	mu         sync.Mutex
	initCalls  int
	segments   []uint64
	playlists  []string
	statuses   [][]byte
	viewers    int
	viewersErr error
	refreshErr error
	refreshed  DeviceToken
	segmentErr func(seq uint64) error
	commands   []Command
}

func (g *fakeGateway) UploadInit(ctx context.Context, token string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	return nil
}

func (g *fakeGateway) UploadSegment(ctx context.Context, token string, seq uint64, data []byte) error {
	g.mu.Lock()
	failFn := g.segmentErr
	g.mu.Unlock()
	if failFn != nil {
		if err := failFn(seq); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.segments = append(g.segments, seq)
	return nil
}

func (g *fakeGateway) UploadPlaylist(ctx context.Context, token string, playlist []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.playlists = append(g.playlists, string(playlist))
	return nil
}

func (g *fakeGateway) PushStatus(ctx context.Context, token string, status []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, status)
	return nil
}

func (g *fakeGateway) ViewerCount(ctx context.Context, token string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.viewers, g.viewersErr
}

// Commands hands over and clears the queue, like the real gateway.
func (g *fakeGateway) Commands(ctx context.Context, token string) ([]Command, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cmds := g.commands
	g.commands = nil
	return cmds, nil
}

func (g *fakeGateway) queueCommand(cmd Command) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands = append(g.commands, cmd)
}

func (g *fakeGateway) Refresh(ctx context.Context, refreshToken string) (DeviceToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refreshErr != nil {
		return DeviceToken{}, g.refreshErr
	}
	return g.refreshed, nil
}

func (g *fakeGateway) uploadedSegments() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.segments...)
}

func (g *fakeGateway) lastPlaylist() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.playlists) == 0 {
		return "", false
	}
	return g.playlists[len(g.playlists)-1], true
}

func linkedAuth(t *testing.T) *AuthManager {
	t.Helper()
	m, err := NewAuthManager(testLogger(), testDB(t), "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}
	exp := time.Now().Add(time.Hour).UnixMilli()
	if err := m.SetToken("jwt-value", exp, "refresh-value", "user-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestRelay(t *testing.T, gw Gateway) (*Relay, *stream.SegmentBuffer) {
	t.Helper()
	buf := stream.NewSegmentBuffer(10, 0)
	reg := stream.NewClientRegistry()
	reg.SetMode(stream.ModeCloud)
	r := NewRelay(testLogger(), linkedAuth(t), gw, buf, reg)
	return r, buf
}

func TestRelay_requires_link(t *testing.T) {
	buf := stream.NewSegmentBuffer(10, 0)
	auth, err := NewAuthManager(testLogger(), testDB(t), "https://auth.example.com")
	if err != nil {
		t.Fatalf("NewAuthManager: %v", err)
	}
	r := NewRelay(testLogger(), auth, &fakeGateway{}, buf, stream.NewClientRegistry())

	if err := r.Start(context.Background()); !errors.Is(err, ErrNotLinked) {
		t.Errorf("Start unlinked err = %v, want ErrNotLinked", err)
	}
}

func TestRelay_uploads_in_order(t *testing.T) {
	gw := &fakeGateway{}
	r, buf := newTestRelay(t, gw)

	buf.SetInit([]byte("init"))
	for i := 0; i < 5; i++ {
		buf.Append([]byte{byte(i)}, 1000)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		pl, ok := gw.lastPlaylist()
		return ok && strings.Contains(pl, "/segment/4.m4s")
	}, "relay did not upload all segments")

	gw.mu.Lock()
	initCalls := gw.initCalls
	gw.mu.Unlock()
	if initCalls != 1 {
		t.Errorf("init uploads = %d, want 1", initCalls)
	}

	segs := gw.uploadedSegments()
	for i, seq := range segs {
		if seq != uint64(i) {
			t.Fatalf("upload order broken: %v", segs)
		}
	}

	pl, ok := gw.lastPlaylist()
	if !ok {
		t.Fatal("no playlist uploaded")
	}
	if !strings.Contains(pl, "/segment/4.m4s") {
		t.Errorf("playlist missing latest segment:\n%s", pl)
	}
	if strings.Contains(pl, "#EXT-X-DISCONTINUITY") {
		t.Errorf("clean run should have no discontinuity:\n%s", pl)
	}

	if got := r.TotalBytesUploaded(); got != uint64(len("init"))+5 {
		t.Errorf("TotalBytesUploaded = %d, want %d", got, len("init")+5)
	}
}

func TestRelay_skips_segment_after_retries(t *testing.T) {
	gw := &fakeGateway{}
	gw.segmentErr = func(seq uint64) error {
		if seq == 1 {
			return errors.New("gateway timeout")
		}
		return nil
	}
	r, buf := newTestRelay(t, gw)

	buf.SetInit([]byte("init"))
	for i := 0; i < 3; i++ {
		buf.Append([]byte{byte(i)}, 1000)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	// Sequence 1 burns its full retry budget, so this takes a few backoff
	// sleeps before 2 goes up.
	waitFor(t, 10*time.Second, func() bool {
		pl, ok := gw.lastPlaylist()
		return ok && strings.Contains(pl, "/segment/2.m4s")
	}, "relay did not skip past the failing segment")

	segs := gw.uploadedSegments()
	if len(segs) != 2 || segs[len(segs)-1] != 2 {
		t.Fatalf("uploaded segments = %v, want [0 2]", segs)
	}

	if got := r.GapCount(); got != 1 {
		t.Errorf("GapCount = %d, want 1", got)
	}

	pl, ok := gw.lastPlaylist()
	if !ok {
		t.Fatal("no playlist uploaded")
	}
	if !strings.Contains(pl, "#EXT-X-DISCONTINUITY") {
		t.Errorf("gap must surface as a discontinuity:\n%s", pl)
	}
	if strings.Contains(pl, "/segment/1.m4s") {
		t.Errorf("skipped segment must not be advertised:\n%s", pl)
	}
}

func TestRelay_pauses_on_refresh_failure(t *testing.T) {
	gw := &fakeGateway{refreshErr: errors.New("refresh rejected")}
	buf := stream.NewSegmentBuffer(10, 0)
	auth := linkedAuth(t)
	// Force the next batch through the refresh path.
	if err := auth.SetToken("stale-jwt", time.Now().Add(-time.Minute).UnixMilli(), "refresh-value", "user-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	r := NewRelay(testLogger(), auth, gw, buf, stream.NewClientRegistry())

	buf.SetInit([]byte("init"))
	buf.Append([]byte("s0"), 1000)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return r.StatusString() == "cloud-disconnected"
	}, "relay did not pause on refresh failure")

	if segs := gw.uploadedSegments(); len(segs) != 0 {
		t.Errorf("no uploads should happen without a valid token: %v", segs)
	}
}

func TestRelay_refreshes_expired_token(t *testing.T) {
	gw := &fakeGateway{
		refreshed: DeviceToken{
			JWT:          "fresh-jwt",
			ExpiryMs:     time.Now().Add(time.Hour).UnixMilli(),
			RefreshToken: "next-refresh",
			UserID:       "user-1",
		},
	}
	buf := stream.NewSegmentBuffer(10, 0)
	auth := linkedAuth(t)
	if err := auth.SetToken("stale-jwt", time.Now().Add(-time.Minute).UnixMilli(), "refresh-value", "user-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	r := NewRelay(testLogger(), auth, gw, buf, stream.NewClientRegistry())

	buf.SetInit([]byte("init"))
	buf.Append([]byte("s0"), 1000)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return len(gw.uploadedSegments()) == 1
	}, "relay did not resume after refresh")

	tok, _ := auth.Token()
	if tok.JWT != "fresh-jwt" || tok.RefreshToken != "next-refresh" {
		t.Errorf("refreshed token not persisted: %+v", tok)
	}
}

func TestRelay_polls_viewer_count(t *testing.T) {
	gw := &fakeGateway{viewers: 6}
	r, buf := newTestRelay(t, gw)
	r.viewerInterval = 10 * time.Millisecond

	buf.SetInit([]byte("init"))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return r.ViewerCount() == 6
	}, "viewer count never propagated")
}

func TestRelay_pushes_status(t *testing.T) {
	gw := &fakeGateway{}
	r, buf := newTestRelay(t, gw)
	r.statusInterval = 10 * time.Millisecond
	r.SetStatusSource(func() ([]byte, error) {
		return []byte(`{"state":"ready"}`), nil
	})

	buf.SetInit([]byte("init"))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.statuses) > 0
	}, "status never pushed")
}

func TestRelay_dispatches_polled_commands(t *testing.T) {
	gw := &fakeGateway{}
	gw.queueCommand(Command{ID: "c-1", Name: "torch_toggle"})
	gw.queueCommand(Command{ID: "c-2", Name: "set_volume", Payload: []byte(`{"volume":40}`)})
	r, buf := newTestRelay(t, gw)
	r.commandInterval = 10 * time.Millisecond

	var mu sync.Mutex
	var executed []string
	r.SetCommandSink(func(name string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, name)
		if name == "set_volume" && !strings.Contains(string(payload), "40") {
			t.Errorf("payload not forwarded: %s", payload)
		}
		return nil
	})

	buf.SetInit([]byte("init"))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executed) == 2
	}, "commands never dispatched")

	mu.Lock()
	defer mu.Unlock()
	if executed[0] != "torch_toggle" || executed[1] != "set_volume" {
		t.Errorf("executed = %v", executed)
	}
}

func TestRelay_playlist_window_follows_buffer_capacity(t *testing.T) {
	buf := stream.NewSegmentBuffer(3, 0)
	r := NewRelay(testLogger(), linkedAuth(t), &fakeGateway{}, buf, stream.NewClientRegistry())

	for i := 0; i < 5; i++ {
		r.recordUploaded(stream.Segment{Sequence: uint64(i), DurationMs: 1000, Payload: []byte("x")})
	}

	if len(r.window) != 3 {
		t.Fatalf("window len = %d, want the buffer capacity 3", len(r.window))
	}
	if r.window[0].Sequence != 2 || r.window[2].Sequence != 4 {
		t.Errorf("window covers %d..%d, want 2..4", r.window[0].Sequence, r.window[2].Sequence)
	}
}

func TestRelay_Stop_is_idempotent(t *testing.T) {
	gw := &fakeGateway{}
	r, buf := newTestRelay(t, gw)
	buf.SetInit([]byte("init"))

	r.Stop() // never started

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
	r.Stop()

	if r.Enabled() {
		t.Error("relay should be idle after Stop")
	}
	if got := r.StatusString(); got != "idle" {
		t.Errorf("StatusString after stop = %q", got)
	}
}
