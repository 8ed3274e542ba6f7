// Package control implements the engine side of the control channel: a
// websocket endpoint with a single authoritative controller slot,
// takeover/eviction semantics, sequential command dispatch with ack/error
// correlation, and event buffering while no controller is connected.
package control

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tickscope/tickscope/internal/engine"
	"github.com/tickscope/tickscope/internal/platform/metrics"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/ring"
)

const (
	// eventBufferSize bounds the capture events retained while no
	// controller is registered. Oldest events drop first; state_sync on
	// reconnect covers anything lost.
	eventBufferSize = 1024

	// sendQueueSize bounds the per-session outbound queue. Events beyond it
	// are dropped (self-healing via resync); replies are never dropped.
	sendQueueSize = 256

	writeTimeout = 10 * time.Second
)

// Hub owns the authoritative controller slot and fans engine events into
// the registered session.
type Hub struct {
	log     *slog.Logger
	engine  *engine.Engine
	metrics *metrics.Metrics

	mu       sync.Mutex
	current  *session
	buffered *ring.Buffer[protocol.Envelope]
}

// NewHub creates a hub and attaches it to the engine as its event sink.
// The metrics argument may be nil.
func NewHub(eng *engine.Engine, log *slog.Logger, m *metrics.Metrics) *Hub {
	h := &Hub{
		log:      log,
		engine:   eng,
		metrics:  m,
		buffered: ring.New[protocol.Envelope](eventBufferSize),
	}
	eng.SetEventSink(h)
	return h
}

// Publish implements engine.EventSink. Events go to the registered
// controller when there is one and into the bounded buffer otherwise.
func (h *Hub) Publish(env protocol.Envelope) {
	h.mu.Lock()
	cur := h.current
	if cur == nil {
		h.buffered.Add(env)
	}
	h.mu.Unlock()
	if cur != nil {
		cur.send(env, false)
	}
}

// HandleWS upgrades the request and runs the session until it ends.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local tool; controllers connect from any origin
	})
	if err != nil {
		return
	}

	s := newSession(h, conn)
	s.run(r.Context())
}

// register installs a session as the authoritative controller. The swap and
// the eviction of any previous controller happen under one lock, so there is
// never a window with two acked controllers.
func (h *Hub) register(s *session, reg protocol.Register) (granted bool) {
	h.mu.Lock()
	prev := h.current
	if prev != nil && prev != s {
		if !reg.Takeover {
			h.mu.Unlock()
			s.close(protocol.CloseBusy, "another controller is registered")
			return false
		}
		prev.close(protocol.CloseReplaced, "superseded by "+reg.InstanceID)
		if h.metrics != nil {
			h.metrics.IncTakeovers()
		}
	}
	h.current = s
	flush := h.buffered.Drain()
	h.mu.Unlock()

	h.log.Info("controller registered",
		slog.String("instance_id", reg.InstanceID),
		slog.Bool("takeover", reg.Takeover))

	// Reply first, then reconciliation state, then whatever accumulated
	// while no controller was attached.
	s.reply(protocol.EvtAck, s.pendingRequestID, protocol.Ack{Payload: "registered"})
	if env, err := protocol.Encode(protocol.EvtStateSync, "", h.engine.StateSync()); err == nil {
		s.send(env, true)
	}
	for _, env := range flush {
		s.send(env, true)
	}
	return true
}

// release clears the slot if s still owns it.
func (h *Hub) release(s *session) {
	h.mu.Lock()
	if h.current == s {
		h.current = nil
		h.log.Info("controller disconnected")
	}
	h.mu.Unlock()
}
