package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUploader struct {
	started bool
	stopped bool
	failure error
	bytes   uint64
}

func (f *fakeUploader) Start(ctx context.Context) error {
	if f.failure != nil {
		return f.failure
	}
	f.started = true
	return nil
}
func (f *fakeUploader) Stop()                      { f.stopped = true }
func (f *fakeUploader) StatusString() string       { return "uploading" }
func (f *fakeUploader) TotalBytesUploaded() uint64 { return f.bytes }

func TestManager_state_ladder(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)

	state, _ := m.State()
	if state != "disabled" {
		t.Fatalf("state before start = %q, want disabled", state)
	}

	if err := m.Start(context.Background(), ModeLocal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state, _ = m.State(); state != "initializing" {
		t.Errorf("state after start = %q, want initializing", state)
	}

	m.OnSegmentReady([]byte("init"), true)
	if state, _ = m.State(); state != "buffering" {
		t.Errorf("state with init only = %q, want buffering", state)
	}

	m.OnSegmentReady([]byte("s0"), false)
	m.OnSegmentReady([]byte("s1"), false)
	if state, _ = m.State(); state != "ready" {
		t.Errorf("state with init+2 segments = %q, want ready", state)
	}
	if !m.Ready() {
		t.Error("Ready should be true")
	}

	m.Stop()
	if state, _ = m.State(); state != "disabled" {
		t.Errorf("state after stop = %q, want disabled", state)
	}
}

func TestManager_drops_segments_while_stopped(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)

	m.OnSegmentReady([]byte("init"), true)
	m.OnSegmentReady([]byte("s0"), false)

	if n := m.Buffer().Count(); n != 0 {
		t.Errorf("buffer count while stopped = %d, want 0", n)
	}
	if _, ok := m.Buffer().Init(); ok {
		t.Error("init segment must be dropped while stopped")
	}
}

func TestManager_Start_resets_session(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)
	ctx := context.Background()

	if err := m.Start(ctx, ModeLocal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.OnSegmentReady([]byte("init"), true)
	m.OnSegmentReady([]byte("s0"), false)
	m.Registry().RecordBytes("10.0.0.2", 100)
	m.Stop()

	if err := m.Start(ctx, ModeLocal); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n := m.Buffer().Count(); n != 0 {
		t.Errorf("buffer not reset across sessions: count = %d", n)
	}
	if got := m.Registry().TotalBytesServed(); got != 0 {
		t.Errorf("registry not reset across sessions: bytes = %d", got)
	}

	m.OnSegmentReady([]byte("s0"), false)
	if latest, _ := m.Buffer().Latest(); latest != 0 {
		t.Errorf("sequences must restart at 0, got %d", latest)
	}
}

func TestManager_Start_twice_fails(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)
	if err := m.Start(context.Background(), ModeLocal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background(), ModeLocal); err == nil {
		t.Error("second Start should fail")
	}
}

func TestManager_cloud_mode_runs_uploader(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)

	if err := m.Start(context.Background(), ModeCloud); err == nil {
		t.Fatal("cloud start without uploader should fail")
	}

	up := &fakeUploader{bytes: 1234}
	m.SetUploader(up)
	if err := m.Start(context.Background(), ModeCloud); err != nil {
		t.Fatalf("Start cloud: %v", err)
	}
	if !up.started {
		t.Error("uploader not started")
	}

	m.Stop()
	if !up.stopped {
		t.Error("uploader not stopped")
	}
}

// statusDrainingUploader mimics the relay's shutdown path: Stop only returns
// after an in-flight status push, which reads back through Manager.StatusJSON,
// has completed.
type statusDrainingUploader struct {
	statusFn func() ([]byte, error)
}

func (u *statusDrainingUploader) Start(ctx context.Context) error { return nil }
func (u *statusDrainingUploader) Stop() {
	u.statusFn()
}
func (u *statusDrainingUploader) StatusString() string       { return "uploading" }
func (u *statusDrainingUploader) TotalBytesUploaded() uint64 { return 0 }

func TestManager_Stop_completes_during_status_push(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)
	up := &statusDrainingUploader{statusFn: m.StatusJSON}
	m.SetUploader(up)
	if err := m.Start(context.Background(), ModeCloud); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while the uploader drained a status push")
	}
}

func TestManager_Status_local(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)
	if err := m.Start(context.Background(), ModeLocal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.OnSegmentReady([]byte("init"), true)
	m.OnSegmentReady(make([]byte, 10), false)
	m.OnSegmentReady(make([]byte, 20), false)
	m.Registry().RecordBytes("10.0.0.2", 30)

	st := m.Status()
	if st.Mode != "local" || st.State != "ready" {
		t.Errorf("mode=%q state=%q", st.Mode, st.State)
	}
	if st.BufferedCount != 2 || st.BufferSizeBytes != 30 {
		t.Errorf("buffered=%d bytes=%d", st.BufferedCount, st.BufferSizeBytes)
	}
	if st.LatestSequence != 1 {
		t.Errorf("latest sequence = %d, want 1", st.LatestSequence)
	}
	if st.TotalDataTransferredBytes != 30 {
		t.Errorf("total transferred = %d, want 30", st.TotalDataTransferredBytes)
	}
	if len(st.Clients) != 1 {
		t.Errorf("clients len = %d, want 1", len(st.Clients))
	}
}

func TestManager_Status_cloud_hides_clients(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)
	up := &fakeUploader{bytes: 555}
	m.SetUploader(up)
	if err := m.Start(context.Background(), ModeCloud); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Registry().SetCloudViewerCount(4)

	st := m.Status()
	if st.Clients != nil {
		t.Errorf("cloud status must not list clients: %v", st.Clients)
	}
	if st.ActiveClientCount != 0 {
		t.Errorf("active client count = %d, want 0", st.ActiveClientCount)
	}
	if st.CloudViewerCount != 4 {
		t.Errorf("cloud viewer count = %d, want 4", st.CloudViewerCount)
	}
	if st.CloudStatus != "uploading" {
		t.Errorf("cloud status = %q", st.CloudStatus)
	}
	if st.TotalDataTransferredBytes != 555 {
		t.Errorf("total transferred = %d, want 555", st.TotalDataTransferredBytes)
	}
}

func TestManager_StatusJSON_caches(t *testing.T) {
	m := NewManager(testLogger(), 5, 0)
	if err := m.Start(context.Background(), ModeLocal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err := m.StatusJSON()
	if err != nil {
		t.Fatalf("StatusJSON: %v", err)
	}

	// A mutation within the TTL is not reflected yet.
	m.OnSegmentReady([]byte("init"), true)
	second, err := m.StatusJSON()
	if err != nil {
		t.Fatalf("StatusJSON: %v", err)
	}
	if string(first) != string(second) {
		t.Error("status document should be cached within the TTL")
	}

	var st Status
	if err := json.Unmarshal(second, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Mode != "local" {
		t.Errorf("decoded mode = %q", st.Mode)
	}
}
