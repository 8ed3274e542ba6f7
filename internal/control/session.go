package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/series"
)

// session is one websocket connection. Commands are read and handled one at
// a time, so a command's ack is only ever sent after its mutation is applied
// and no later command sees partial state.
type session struct {
	hub  *Hub
	conn *websocket.Conn

	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once

	registered       bool
	pendingRequestID string
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		hub:    h,
		conn:   conn,
		out:    make(chan protocol.Envelope, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.hub.release(s)
	defer s.conn.CloseNow()

	go s.writeLoop(ctx)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(protocol.EvtError, "", protocol.Error{Error: "malformed envelope"})
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case env := <-s.out:
			data, err := json.Marshal(env)
			if err != nil {
				s.hub.log.Error("envelope marshal failed", slog.String("type", env.Type))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// send queues an envelope. Replies block until queued; events are dropped
// when the queue is full so a slow controller cannot stall poll loops.
func (s *session) send(env protocol.Envelope, block bool) {
	if block {
		select {
		case s.out <- env:
		case <-s.closed:
		}
		return
	}
	select {
	case s.out <- env:
	case <-s.closed:
	default:
		s.hub.log.Debug("event dropped, send queue full", slog.String("type", env.Type))
	}
}

func (s *session) reply(msgType, requestID string, payload any) {
	env, err := protocol.Encode(msgType, requestID, payload)
	if err != nil {
		s.hub.log.Error("reply encode failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}
	s.send(env, true)
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close(code, reason)
	})
}

// handle dispatches one command and sends exactly one ack or error for it.
func (s *session) handle(ctx context.Context, env protocol.Envelope) {
	h := s.hub
	if h.metrics != nil {
		h.metrics.IncCommands()
	}

	fail := func(format string, args ...any) {
		if h.metrics != nil {
			h.metrics.IncCommandErrors()
		}
		s.reply(protocol.EvtError, env.RequestID, protocol.Error{Error: fmt.Sprintf(format, args...)})
	}
	ack := func(payload any) {
		s.reply(protocol.EvtAck, env.RequestID, protocol.Ack{Payload: payload})
	}

	if env.Type == protocol.CmdRegister {
		var reg protocol.Register
		if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.Role != "frontend" || reg.InstanceID == "" {
			fail("invalid register payload")
			return
		}
		s.pendingRequestID = env.RequestID
		if h.register(s, reg) {
			s.registered = true
		}
		return
	}

	if !s.registered {
		fail("not registered")
		return
	}

	switch env.Type {
	case protocol.CmdLiveStart:
		var req protocol.LiveStart
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			fail("invalid live_start payload")
			return
		}
		meta, err := h.engine.LiveStart(ctx, req)
		if err != nil {
			fail("live_start: %v", err)
			return
		}
		ack(meta)

	case protocol.CmdLiveStop:
		var req protocol.LiveStop
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			fail("invalid live_stop payload")
			return
		}
		h.engine.LiveStop(req.CaptureID)
		ack("stopped")

	case protocol.CmdRemoveCapture:
		var req protocol.CaptureRef
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CaptureID == "" {
			fail("invalid remove_capture payload")
			return
		}
		if err := h.engine.RemoveCapture(req.CaptureID); err != nil {
			fail("%v", err)
			return
		}
		ack("removed")

	case protocol.CmdClearCaptures:
		h.engine.ClearCaptures()
		ack("cleared")

	case protocol.CmdSelectMetric:
		var req protocol.SelectMetric
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			fail("invalid select_metric payload")
			return
		}
		m, err := h.engine.SelectMetric(req)
		if err != nil {
			fail("%v", err)
			return
		}
		ack(m)

	case protocol.CmdDeselectMetric:
		var req protocol.DeselectMetric
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			fail("invalid deselect_metric payload")
			return
		}
		if err := h.engine.DeselectMetric(req); err != nil {
			fail("%v", err)
			return
		}
		ack("deselected")

	case protocol.CmdSetCaptureActive:
		var req protocol.SetCaptureActive
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			fail("invalid set_capture_active payload")
			return
		}
		if err := h.engine.SetCaptureActive(req.CaptureID, req.Active); err != nil {
			fail("%v", err)
			return
		}
		ack("updated")

	case protocol.CmdGetSeriesWindow:
		var req protocol.GetSeriesWindow
		if err := json.Unmarshal(env.Payload, &req); err != nil || len(req.Path) == 0 {
			fail("invalid get_series_window payload")
			return
		}
		results, err := h.engine.Resolve(ctx, req.CaptureID, [][]string{req.Path}, req.PreferCache)
		if err != nil {
			fail("%v", err)
			return
		}
		res := series.Window(results[0], req.WindowStart, req.WindowEnd)
		ack(protocol.SeriesWindow{
			CaptureID:   req.CaptureID,
			FullPath:    capture.JoinPath(req.Path),
			WindowStart: req.WindowStart,
			WindowEnd:   req.WindowEnd,
			Series:      res,
		})

	case protocol.CmdSyncCaptureSources:
		var req protocol.SyncCaptureSources
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			fail("invalid sync_capture_sources payload")
			return
		}
		if err := h.engine.SyncCaptureSources(ctx, req); err != nil {
			fail("sync_capture_sources: %v", err)
			return
		}
		ack("synced")

	default:
		fail("unknown command %q", env.Type)
	}
}
