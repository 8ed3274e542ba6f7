package livepoll

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tickscope/tickscope/internal/cache"
	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/source"
)

// recordingSink collects sink calls for assertions.
type recordingSink struct {
	mu        sync.Mutex
	connected []string
	frames    map[string]int
	completed map[string]int64
	statuses  []Status
	order     []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		frames:    make(map[string]int),
		completed: make(map[string]int64),
	}
}

func (r *recordingSink) StreamConnected(captureID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, captureID)
	r.order = append(r.order, "connected")
}

func (r *recordingSink) FramesRead(captureID string, frames []*capture.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[captureID] += len(frames)
	r.order = append(r.order, "frames")
}

func (r *recordingSink) Progress(StreamState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "progress")
}

func (r *recordingSink) StreamCompleted(captureID string, lastTick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[captureID] = lastTick
}

func (r *recordingSink) StreamStatusChanged(st StreamState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st.Status)
}

func (r *recordingSink) completedTick(captureID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tick, ok := r.completed[captureID]
	return tick, ok
}

func (r *recordingSink) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *recordingSink) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestStreamLifecycle drives a file-backed stream through connect, append,
// and completion.
func TestStreamLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(`{"tick":1,"entities":{"p":{"hp":1}}}`+"\n"+`{"tick":2,"entities":{"p":{"hp":2}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := cache.New(cache.Config{})
	sink := newRecordingSink()
	ctrl := NewController(source.NewReader(nil), fc, sink, testLogger())
	defer ctrl.StopAll()

	if err := ctrl.Start("cap", path, 10*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return fc.LastTick("cap") == 2
	}, "initial frames in cache")

	if !ctrl.Active("cap") {
		t.Error("stream should be active after connect")
	}
	if sink.connectedCount() != 1 {
		t.Errorf("expected exactly one connect, got %d", sink.connectedCount())
	}

	// Append while live: the poll or the file watcher picks it up.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"tick":3,"entities":{"p":{"hp":3}}}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fc.LastTick("cap") == 3
	}, "appended frame in cache")

	// No further growth: the stream completes after the EOF streak.
	waitFor(t, 5*time.Second, func() bool {
		_, done := sink.completedTick("cap")
		return done
	}, "stream completion")

	tick, _ := sink.completedTick("cap")
	if tick != 3 {
		t.Errorf("expected completion at tick 3, got %d", tick)
	}
	if ctrl.Active("cap") {
		t.Error("completed stream must not report active")
	}
	st, ok := ctrl.State("cap")
	if !ok || st.Status != StatusCompleted {
		t.Errorf("expected completed state, got %+v", st)
	}
	if st.Kept != 3 || st.Received != 3 {
		t.Errorf("unexpected accounting: %+v", st)
	}
}

// TestStreamRefreshResumesOffsets tests that restarting the same source
// carries the read position over instead of rescanning.
func TestStreamRefreshResumesOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(`{"tick":1,"entities":{"p":{"hp":1}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := cache.New(cache.Config{})
	sink := newRecordingSink()
	ctrl := NewController(source.NewReader(nil), fc, sink, testLogger())
	defer ctrl.StopAll()

	if err := ctrl.Start("cap", path, 10*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fc.LastTick("cap") == 1 }, "first frame")

	st, _ := ctrl.State("cap")
	if st.ByteOffset == 0 {
		t.Fatal("expected nonzero offset after first read")
	}

	// Refresh with the same source: offsets carry over.
	if err := ctrl.Start("cap", path, 10*time.Millisecond); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st2, _ := ctrl.State("cap")
	if st2.ByteOffset != st.ByteOffset || st2.LastTick != st.LastTick {
		t.Errorf("refresh lost offsets: %+v vs %+v", st2, st)
	}

	// Refresh with a different source: offsets reset.
	other := filepath.Join(t.TempDir(), "other.jsonl")
	if err := os.WriteFile(other, []byte(`{"tick":9,"entities":{"p":{"hp":9}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start("cap", other, 10*time.Millisecond); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		st3, ok := ctrl.State("cap")
		return ok && st3.LastTick == 9
	}, "rescan of the new source from the start")
}

// TestStreamRetriesMissingSource tests that an unreachable source leaves the
// stream in a retrying state rather than failing.
func TestStreamRetriesMissingSource(t *testing.T) {
	fc := cache.New(cache.Config{})
	sink := newRecordingSink()
	ctrl := NewController(source.NewReader(nil), fc, sink, testLogger())
	defer ctrl.StopAll()

	missing := filepath.Join(t.TempDir(), "missing.jsonl")
	if err := ctrl.Start("cap", missing, 10*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := ctrl.State("cap")
		return ok && st.Status == StatusRetrying && st.LastError != ""
	}, "retrying state")

	if !ctrl.Active("cap") {
		t.Error("retrying stream counts as active")
	}
	if !ctrl.Stop("cap") {
		t.Error("stop should find the stream")
	}
	if ctrl.Active("cap") {
		t.Error("stopped stream must not be active")
	}
	if _, ok := ctrl.State("cap"); ok {
		t.Error("stopped stream must drop its state")
	}
}

// TestStartValidation tests argument checking.
func TestStartValidation(t *testing.T) {
	ctrl := NewController(source.NewReader(nil), cache.New(cache.Config{}), newRecordingSink(), testLogger())
	if err := ctrl.Start("cap", "", time.Second); err == nil {
		t.Error("empty source must be rejected")
	}
	if ctrl.Stop("ghost") {
		t.Error("stopping an unknown stream must return false")
	}
}

// TestConnectedPrecedesFrames tests that a stream announces itself before
// forwarding any frames or progress from its first read.
func TestConnectedPrecedesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(`{"tick":1,"entities":{"p":{"hp":1}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := cache.New(cache.Config{})
	sink := newRecordingSink()
	ctrl := NewController(source.NewReader(nil), fc, sink, testLogger())
	defer ctrl.StopAll()

	if err := ctrl.Start("cap", path, 10*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.frames["cap"] > 0
	}, "first frames")

	order := sink.callOrder()
	if len(order) == 0 || order[0] != "connected" {
		t.Fatalf("sink call order = %v, want connected first", order)
	}
}

// TestConcurrentStartsLeaveOneStream tests that racing starts for one
// capture never strand a displaced poll loop without a handle.
func TestConcurrentStartsLeaveOneStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(`{"tick":1,"entities":{"p":{"hp":1}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := cache.New(cache.Config{})
	ctrl := NewController(source.NewReader(nil), fc, newRecordingSink(), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctrl.Start("cap", path, 10*time.Millisecond); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(ctrl.States()); n != 1 {
		t.Fatalf("expected one stream after concurrent starts, got %d", n)
	}
	waitFor(t, 2*time.Second, func() bool { return fc.LastTick("cap") == 1 }, "ingestion")

	// After stopping, nothing may keep polling the file.
	ctrl.StopAll()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"tick":2,"entities":{"p":{"hp":2}}}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	time.Sleep(150 * time.Millisecond)
	if got := fc.LastTick("cap"); got != 1 {
		t.Errorf("frames ingested after stop, last tick %d", got)
	}
}
