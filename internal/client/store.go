// Package client implements the controller side of the protocol: a mirror
// of the engine's captures with append coalescing, metric selection and
// series backfill, playback window computation, and a reconnecting control
// channel connection with a bounded offline command queue.
package client

import (
	"sync"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/series"
)

// Store is the client-side mirror of captures. Incoming append events are
// buffered and applied in batches; frames are only materialized for captures
// with at least one selected metric, and then only the selected paths are
// retained.
type Store struct {
	mu       sync.Mutex
	captures map[string]*mirror
	selected map[string]capture.Metric // keyed by Metric.Key()

	// pending is the append coalescing buffer, flushed on a fixed interval
	// by the client loop (or directly by tests).
	pending      map[string][]*capture.Frame
	pendingTicks map[string]int64

	win windowState
}

// mirror is the client-side record for one capture.
type mirror struct {
	meta   capture.Capture
	frames []*capture.Frame // tick order; selected paths only

	// fetchedTick is the tick count as of the last applied series; the
	// refresh loop only refetches when the capture advanced past it.
	fetchedTick int64

	completed bool
}

// windowState derives the active window either from the current tick in
// auto-scroll mode or from explicit bounds in manual mode.
type windowState struct {
	manual bool
	size   int64
	start  int64
	end    int64
}

// Window is the contiguous tick range currently materialized.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Size returns end - start + 1.
func (w Window) Size() int64 {
	return w.End - w.Start + 1
}

// DefaultWindowSize is the auto-scroll window span in ticks.
const DefaultWindowSize = 300

// NewStore returns an empty capture store in auto-scroll mode.
func NewStore() *Store {
	return &Store{
		captures:     make(map[string]*mirror),
		selected:     make(map[string]capture.Metric),
		pending:      make(map[string][]*capture.Frame),
		pendingTicks: make(map[string]int64),
		win:          windowState{size: DefaultWindowSize},
	}
}

// ApplyEvent routes one engine event into the mirror. Append and tick
// events land in the coalescing buffer; everything else applies
// immediately.
func (s *Store) ApplyEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.EvtCaptureInit:
		var p protocol.CaptureInit
		if decode(env.Payload, &p) {
			s.applyInit(p.Capture)
		}
	case protocol.EvtCaptureAppend:
		var p protocol.CaptureAppend
		if decode(env.Payload, &p) {
			s.bufferAppend(p.CaptureID, p.Frames)
		}
	case protocol.EvtCaptureTick:
		var p protocol.CaptureTick
		if decode(env.Payload, &p) {
			s.bufferTick(p.CaptureID, p.Tick)
		}
	case protocol.EvtCaptureEnd:
		var p protocol.CaptureEnd
		if decode(env.Payload, &p) {
			s.markCompleted(p.CaptureID, p.LastTick)
		}
	case protocol.EvtCaptureProgress:
		var p protocol.CaptureProgress
		if decode(env.Payload, &p) {
			s.bufferTick(p.CaptureID, p.LastTick)
		}
	case protocol.EvtStateUpdate:
		var p protocol.StateUpdate
		if decode(env.Payload, &p) {
			for _, c := range p.Captures {
				s.upsertCapture(c)
			}
		}
	case protocol.EvtStateSync:
		var p protocol.StateSync
		if decode(env.Payload, &p) {
			s.applyStateSync(p)
		}
	}
}

// applyInit handles capture_init, which the engine emits every time a
// stream (re)connects. A refresh of a completed stream makes the capture
// refreshable again.
func (s *Store) applyInit(c capture.Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.upsertLocked(c)
	m.completed = false
}

func (s *Store) upsertCapture(c capture.Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(c)
}

func (s *Store) upsertLocked(c capture.Capture) *mirror {
	m, ok := s.captures[c.ID]
	if !ok {
		m = &mirror{}
		s.captures[c.ID] = m
	}
	if c.TickCount < m.meta.TickCount {
		// Tick counts never regress; keep the higher local value.
		c.TickCount = m.meta.TickCount
	}
	m.meta = c
	return m
}

// applyStateSync reconciles against the engine's capture list. Captures we
// have never seen appear with their current tick so a later metric selection
// can backfill them; captures the engine no longer knows are dropped.
func (s *Store) applyStateSync(sync protocol.StateSync) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(sync.Captures))
	for _, entry := range sync.Captures {
		known[entry.CaptureID] = true
		m, ok := s.captures[entry.CaptureID]
		if !ok {
			m = &mirror{}
			s.captures[entry.CaptureID] = m
			m.meta = capture.Capture{ID: entry.CaptureID, Filename: entry.Filename}
		}
		m.meta.Active = entry.Active
		if entry.LastTick > m.meta.TickCount {
			m.meta.TickCount = entry.LastTick
		}
	}
	for id := range s.captures {
		if !known[id] {
			delete(s.captures, id)
			delete(s.pending, id)
			delete(s.pendingTicks, id)
		}
	}
}

func (s *Store) bufferAppend(captureID string, frames []*capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[captureID] = append(s.pending[captureID], frames...)
}

func (s *Store) bufferTick(captureID string, tick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tick > s.pendingTicks[captureID] {
		s.pendingTicks[captureID] = tick
	}
}

func (s *Store) markCompleted(captureID string, lastTick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.captures[captureID]
	if !ok {
		return
	}
	m.completed = true
	if lastTick > m.meta.TickCount {
		m.meta.TickCount = lastTick
	}
}

// Flush applies the coalescing buffer: tick counters always advance, but
// frames are stored only for captures with a selected metric, and only the
// selected paths survive. Storing empty frames would punch visible gaps
// into derived series later, so they are skipped entirely.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, frames := range s.pending {
		m, ok := s.captures[id]
		if !ok {
			continue
		}
		paths := s.selectedPathsLocked(id)
		for _, f := range frames {
			if f.Tick > m.meta.TickCount {
				m.meta.TickCount = f.Tick
			}
			if len(paths) == 0 {
				continue
			}
			if kept := filterFrame(f, paths); kept != nil {
				insertMirrorFrame(m, kept)
			}
		}
	}
	s.pending = make(map[string][]*capture.Frame)

	for id, tick := range s.pendingTicks {
		if m, ok := s.captures[id]; ok && tick > m.meta.TickCount {
			m.meta.TickCount = tick
		}
	}
	s.pendingTicks = make(map[string]int64)
}

// SelectMetric records a metric selection and reports whether it is new.
// The caller triggers the backfill fetch on true.
func (s *Store) SelectMetric(m capture.Metric) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.selected[m.Key()]; exists {
		return false
	}
	s.selected[m.Key()] = m
	return true
}

// DeselectMetric removes a selection, deletes the path from every retained
// frame, and discards all frames when the capture has no selections left.
// The capture's tick count is preserved either way.
func (s *Store) DeselectMetric(captureID string, path []string) {
	m := capture.NewMetric(captureID, path, "", "")

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.selected, m.Key())

	mir, ok := s.captures[captureID]
	if !ok {
		return
	}
	if len(s.selectedPathsLocked(captureID)) == 0 {
		mir.frames = nil
		return
	}
	for _, f := range mir.frames {
		deletePath(f, path)
	}
}

// SelectedMetrics returns the selections for one capture.
func (s *Store) SelectedMetrics(captureID string) []capture.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capture.Metric
	for _, m := range s.selected {
		if m.CaptureID == captureID {
			out = append(out, m)
		}
	}
	return out
}

// ApplySeries merges fetched series points into the mirror frames,
// replacing any previously held values for that path.
func (s *Store) ApplySeries(captureID string, path []string, points []series.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.captures[captureID]
	if !ok {
		return
	}
	for _, p := range points {
		f := frameAt(m, p.Tick)
		setPath(f, path, p.Value)
		if p.Tick > m.meta.TickCount {
			m.meta.TickCount = p.Tick
		}
	}
	if m.meta.TickCount > m.fetchedTick {
		m.fetchedTick = m.meta.TickCount
	}
}

// Series extracts the stored points for one metric path.
func (s *Store) Series(captureID string, path []string) []series.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.captures[captureID]
	if !ok {
		return nil
	}
	var out []series.Point
	for _, f := range m.frames {
		if v, ok := f.NumericAt(path); ok {
			out = append(out, series.Point{Tick: f.Tick, Value: v})
		}
	}
	return out
}

// Capture returns the mirrored metadata for one capture.
func (s *Store) Capture(captureID string) (capture.Capture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.captures[captureID]
	if !ok {
		return capture.Capture{}, false
	}
	return m.meta, true
}

// Captures returns all mirrored capture metadata.
func (s *Store) Captures() []capture.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.Capture, 0, len(s.captures))
	for _, m := range s.captures {
		out = append(out, m.meta)
	}
	return out
}

// FrameCount returns the number of stored frames for a capture.
func (s *Store) FrameCount(captureID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.captures[captureID]; ok {
		return len(m.frames)
	}
	return 0
}

// RemoveCapture drops a capture and its selections from the mirror.
func (s *Store) RemoveCapture(captureID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.captures, captureID)
	delete(s.pending, captureID)
	delete(s.pendingTicks, captureID)
	for key, m := range s.selected {
		if m.CaptureID == captureID {
			delete(s.selected, key)
		}
	}
}

// Clear drops every capture and selection.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = make(map[string]*mirror)
	s.selected = make(map[string]capture.Metric)
	s.pending = make(map[string][]*capture.Frame)
	s.pendingTicks = make(map[string]int64)
}

// SetWindowAuto switches to auto-scroll mode with the given span.
func (s *Store) SetWindowAuto(size int64) {
	if size < 1 {
		size = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win = windowState{size: size}
}

// SetWindowManual pins the window to explicit bounds.
func (s *Store) SetWindowManual(start, end int64) {
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win = windowState{manual: true, start: start, end: end}
}

// ActiveWindow computes the current playback window. In auto-scroll mode it
// tracks the highest tick across active captures; inactive captures are
// excluded.
func (s *Store) ActiveWindow() Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.win.manual {
		return Window{Start: s.win.start, End: s.win.end}
	}

	var current int64
	for _, m := range s.captures {
		if m.meta.Active && m.meta.TickCount > current {
			current = m.meta.TickCount
		}
	}
	if current < 1 {
		current = 1
	}
	start := current - s.win.size + 1
	if start < 1 {
		start = 1
	}
	return Window{Start: start, End: current}
}

// RefreshTargets returns, per capture, the selected paths of captures whose
// tick count advanced since the last applied series. Completed and inactive
// captures are skipped; their series no longer move. A capture stays a
// target until ApplySeries lands, so a failed fetch is retried on the next
// refresh.
func (s *Store) RefreshTargets() map[string][][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out map[string][][]string
	for id, m := range s.captures {
		if m.completed || !m.meta.Active || m.meta.TickCount <= m.fetchedTick {
			continue
		}
		paths := s.selectedPathsLocked(id)
		if len(paths) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][][]string)
		}
		out[id] = paths
	}
	return out
}

func (s *Store) selectedPathsLocked(captureID string) [][]string {
	var out [][]string
	for _, m := range s.selected {
		if m.CaptureID == captureID {
			out = append(out, m.Path)
		}
	}
	return out
}
