// Package livepoll drives periodic re-reads of live capture sources. Each
// live capture gets one poll loop running an explicit state machine:
//
//	idle -> connecting -> connected <-> retrying -> completed
//
// idle is reachable from every state on manual stop. Transient probe/read
// failures retry indefinitely at a fixed delay; they are reported through
// the stream state but never kill the capture.
package livepoll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tickscope/tickscope/internal/cache"
	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/source"
)

// Status is the poll loop state for one live capture.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
)

const (
	// DefaultPollInterval is used when a start request carries no interval.
	DefaultPollInterval = 2 * time.Second

	// retryDelay is the fixed delay between attempts after a probe or read
	// failure.
	retryDelay = 3 * time.Second

	// eofStreakToComplete is the number of consecutive polls that must hit
	// EOF with no growth before a stream is declared completed.
	eofStreakToComplete = 3
)

// StreamState is the externally visible state of one live stream.
type StreamState struct {
	CaptureID    string        `json:"captureId"`
	Source       string        `json:"source"`
	PollInterval time.Duration `json:"-"`
	PollMs       int64         `json:"pollIntervalMs"`
	ByteOffset   int64         `json:"byteOffset"`
	LineOffset   int64         `json:"lineOffset"`
	LastTick     int64         `json:"lastTick"`
	LastError    string        `json:"lastError,omitempty"`
	Status       Status        `json:"status"`
	Received     int64         `json:"received"`
	Kept         int64         `json:"kept"`
	Dropped      int64         `json:"dropped"`
}

// Sink receives the output of poll loops. Implementations must be safe for
// concurrent calls from multiple streams.
type Sink interface {
	// StreamConnected fires once per start, after the preflight probe and
	// first read have succeeded, and before any FramesRead or Progress for
	// the stream.
	StreamConnected(captureID string)

	// FramesRead fires for every poll that parsed at least one frame, after
	// the frames were admitted to the cache in tick order.
	FramesRead(captureID string, frames []*capture.Frame)

	// Progress fires after every poll that changed the received/kept/dropped
	// accounting.
	Progress(state StreamState)

	// StreamCompleted fires when the source is exhausted and stopped
	// growing. Completed streams are not auto-resumed.
	StreamCompleted(captureID string, lastTick int64)

	// StreamStatusChanged fires on every state transition.
	StreamStatusChanged(state StreamState)
}

// Controller owns all poll loops, one goroutine per live capture.
type Controller struct {
	reader *source.Reader
	cache  *cache.FrameCache
	sink   Sink
	log    *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewController creates a poll controller writing into the given cache and
// reporting through the given sink.
func NewController(reader *source.Reader, fc *cache.FrameCache, sink Sink, log *slog.Logger) *Controller {
	return &Controller{
		reader:  reader,
		cache:   fc,
		sink:    sink,
		log:     log,
		streams: make(map[string]*stream),
	}
}

// Start begins (or refreshes) polling a source for a capture. A stream that
// already exists for the capture is stopped first; its offsets carry over
// when the source is unchanged, so a refresh resumes instead of rescanning.
func (c *Controller) Start(captureID, src string, interval time.Duration) error {
	if src == "" {
		return fmt.Errorf("live start %s: empty source", captureID)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		ctrl:   c,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.st = StreamState{
		CaptureID:    captureID,
		Source:       src,
		PollInterval: interval,
		PollMs:       interval.Milliseconds(),
		Status:       StatusIdle,
	}

	// Swap under the lock: concurrent starts for the same capture each
	// displace exactly one stream, and every displaced stream is stopped.
	c.mu.Lock()
	prev := c.streams[captureID]
	c.streams[captureID] = s
	c.mu.Unlock()

	if prev != nil {
		prev.stop()
		if st := prev.state(); st.Source == src {
			s.mu.Lock()
			s.st.ByteOffset = st.ByteOffset
			s.st.LineOffset = st.LineOffset
			s.st.LastTick = st.LastTick
			s.mu.Unlock()
		}
	}

	go s.run(ctx)
	return nil
}

// Stop halts the poll loop for a capture, aborting any in-flight read, and
// removes its stream state. Returns false when no stream exists.
func (c *Controller) Stop(captureID string) bool {
	c.mu.Lock()
	s, ok := c.streams[captureID]
	delete(c.streams, captureID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.stop()
	return true
}

// StopAll halts every poll loop. Used on engine teardown.
func (c *Controller) StopAll() {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[string]*stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
}

// Active reports whether a capture has a stream that is still ingesting.
// Completed and stopped streams are not active.
func (c *Controller) Active(captureID string) bool {
	st, ok := c.State(captureID)
	if !ok {
		return false
	}
	switch st.Status {
	case StatusConnecting, StatusConnected, StatusRetrying:
		return true
	default:
		return false
	}
}

// State returns the stream state for a capture.
func (c *Controller) State(captureID string) (StreamState, bool) {
	c.mu.Lock()
	s, ok := c.streams[captureID]
	c.mu.Unlock()
	if !ok {
		return StreamState{}, false
	}
	return s.state(), true
}

// States returns the state of every known stream.
func (c *Controller) States() []StreamState {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	out := make([]StreamState, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.state())
	}
	return out
}

// stream is one poll loop.
type stream struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	st StreamState
}

func (s *stream) state() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *stream) stop() {
	s.cancel()
	<-s.done
	s.setStatus(StatusIdle, "")
}

// setStatus records a transition and notifies the sink when it changed.
func (s *stream) setStatus(status Status, lastError string) {
	s.mu.Lock()
	changed := s.st.Status != status || s.st.LastError != lastError
	s.st.Status = status
	s.st.LastError = lastError
	st := s.st
	s.mu.Unlock()
	if changed {
		s.ctrl.sink.StreamStatusChanged(st)
	}
}

// run is the poll loop. All transitions happen here; the loop owns the
// offsets and only ever moves them forward.
func (s *stream) run(ctx context.Context) {
	defer close(s.done)

	st := s.state()
	log := s.ctrl.log.With(
		slog.String("capture_id", st.CaptureID),
		slog.String("source", st.Source))

	s.setStatus(StatusConnecting, "")

	// Preflight probe; retry at the fixed delay until reachable or stopped.
	for {
		if err := s.ctrl.reader.Probe(ctx, st.Source); err == nil {
			break
		} else {
			log.Warn("source probe failed", slog.String("error", err.Error()))
			s.setStatus(StatusRetrying, err.Error())
		}
		if !sleep(ctx, retryDelay) {
			return
		}
		s.setStatus(StatusConnecting, "")
	}

	var watcher *source.Watcher
	if !source.IsHTTP(st.Source) {
		if w, err := source.WatchFile(st.Source); err == nil {
			watcher = w
			defer watcher.Close()
		} else {
			log.Debug("file watch unavailable, polling only", slog.String("error", err.Error()))
		}
	}

	connected := false
	eofStreak := 0

	for {
		grew, eof, err := s.poll(ctx, &connected)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Warn("poll failed", slog.String("error", err.Error()))
			s.setStatus(StatusRetrying, err.Error())
			if !sleep(ctx, retryDelay) {
				return
			}
			continue
		default:
			s.setStatus(StatusConnected, "")
		}

		if eof && !grew {
			eofStreak++
			if eofStreak >= eofStreakToComplete {
				s.setStatus(StatusCompleted, "")
				s.ctrl.sink.StreamCompleted(st.CaptureID, s.state().LastTick)
				return
			}
		} else {
			eofStreak = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.state().PollInterval):
		case <-watcherChan(watcher):
			// File changed; poll ahead of the interval.
		}
	}
}

// poll performs one incremental read, admits the frames, and updates the
// stream accounting. grew reports whether any byte was consumed. The
// connected transition fires on the first successful read, before any frame
// or progress event for this stream.
func (s *stream) poll(ctx context.Context, connected *bool) (grew, eof bool, err error) {
	st := s.state()

	res, err := s.ctrl.reader.Read(ctx, st.Source, st.ByteOffset, st.LineOffset)
	if err != nil {
		return false, false, err
	}

	if !*connected {
		*connected = true
		s.setStatus(StatusConnected, "")
		s.ctrl.sink.StreamConnected(st.CaptureID)
	}

	for _, f := range res.Frames {
		s.ctrl.cache.Admit(st.CaptureID, f)
	}

	s.mu.Lock()
	grew = res.ByteOffset != s.st.ByteOffset
	s.st.ByteOffset = res.ByteOffset
	s.st.LineOffset = res.LineOffset
	s.st.Received += int64(len(res.Frames)) + int64(res.Dropped)
	s.st.Kept += int64(len(res.Frames))
	s.st.Dropped += int64(res.Dropped)
	for _, f := range res.Frames {
		if f.Tick > s.st.LastTick {
			s.st.LastTick = f.Tick
		}
	}
	progressed := grew || res.Dropped > 0
	cur := s.st
	s.mu.Unlock()

	if len(res.Frames) > 0 {
		s.ctrl.sink.FramesRead(st.CaptureID, res.Frames)
	}
	if progressed {
		s.ctrl.sink.Progress(cur)
	}
	return grew, res.EOF, nil
}

// sleep waits for d or context cancellation; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// watcherChan returns the watcher's hint channel, or a nil channel (blocks
// forever) when no watcher is attached.
func watcherChan(w *source.Watcher) <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.C()
}
