package engine

import (
	"log/slog"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/livepoll"
	"github.com/tickscope/tickscope/internal/protocol"
)

// pollSink receives poll loop output and turns it into control channel
// events. Methods run on stream goroutines, one per live capture.
type pollSink Engine

func (s *pollSink) engine() *Engine { return (*Engine)(s) }

// StreamConnected publishes capture_init once the stream's first read
// succeeded.
func (s *pollSink) StreamConnected(captureID string) {
	e := s.engine()
	meta, ok := e.Capture(captureID)
	if !ok {
		return
	}
	e.log.Info("live stream connected", slog.String("capture_id", captureID))
	e.publish(protocol.EvtCaptureInit, protocol.CaptureInit{Capture: meta})
}

// FramesRead advances the capture's tick counter, grows the component tree,
// and forwards the frames in the capture's delivery mode: complete frames in
// full mode, tick-only advancement in lite mode.
func (s *pollSink) FramesRead(captureID string, frames []*capture.Frame) {
	e := s.engine()

	e.mu.Lock()
	cs, ok := e.captures[captureID]
	if !ok {
		e.mu.Unlock()
		return
	}
	grew := false
	var lastTick int64
	for _, f := range frames {
		if cs.tree.Merge(f) {
			grew = true
		}
		if f.Tick > cs.meta.TickCount {
			cs.meta.TickCount = f.Tick
		}
		if f.Tick > lastTick {
			lastTick = f.Tick
		}
	}
	meta := cs.meta
	mode := capture.ModeFor(&meta, len(cs.selected))
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.AddFramesIngested(len(frames))
	}

	if grew {
		if tree, ok := e.ComponentTree(captureID); ok {
			e.publish(protocol.EvtCaptureComponents, protocol.CaptureComponents{
				CaptureID: captureID,
				Tree:      tree,
			})
		}
	}

	switch mode {
	case capture.StreamModeFull:
		e.publish(protocol.EvtCaptureAppend, protocol.CaptureAppend{
			CaptureID: captureID,
			Frames:    frames,
		})
	default:
		e.publish(protocol.EvtCaptureTick, protocol.CaptureTick{
			CaptureID: captureID,
			Tick:      lastTick,
		})
	}
}

// Progress forwards per-stream ingestion accounting.
func (s *pollSink) Progress(st livepoll.StreamState) {
	e := s.engine()
	if e.metrics != nil {
		e.mu.Lock()
		if cs, ok := e.captures[st.CaptureID]; ok && st.Dropped > cs.droppedSeen {
			e.metrics.AddLinesDropped(int(st.Dropped - cs.droppedSeen))
			cs.droppedSeen = st.Dropped
		}
		e.mu.Unlock()
	}
	e.publish(protocol.EvtCaptureProgress, protocol.CaptureProgress{
		CaptureID: st.CaptureID,
		Received:  st.Received,
		Kept:      st.Kept,
		Dropped:   st.Dropped,
		LastTick:  st.LastTick,
	})
}

// StreamCompleted publishes capture_end. Completed streams stay completed
// until an explicit refresh, even if the source grows again.
func (s *pollSink) StreamCompleted(captureID string, lastTick int64) {
	e := s.engine()
	e.log.Info("live stream completed",
		slog.String("capture_id", captureID),
		slog.Int64("last_tick", lastTick))
	e.publish(protocol.EvtCaptureEnd, protocol.CaptureEnd{
		CaptureID: captureID,
		LastTick:  lastTick,
	})
}

// StreamStatusChanged mirrors poll state transitions into state_update
// events so the controller can render per-capture retry indicators.
func (s *pollSink) StreamStatusChanged(st livepoll.StreamState) {
	e := s.engine()
	if st.Status == livepoll.StatusRetrying {
		e.log.Warn("live stream retrying",
			slog.String("capture_id", st.CaptureID),
			slog.String("error", st.LastError))
	}
	e.publishStateUpdate()
}
