package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/ring"
)

// Status is the control channel connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"

	// StatusSuspended means the engine refused or replaced this controller.
	// No reconnect happens until Takeover is called.
	StatusSuspended Status = "suspended"
)

const (
	defaultReconnectDelay  = 2 * time.Second
	defaultFlushInterval   = 100 * time.Millisecond
	defaultRefreshInterval = 500 * time.Millisecond

	// offlineQueueSize bounds remove/clear commands held while disconnected.
	offlineQueueSize = 200

	requestTimeout = 15 * time.Second
)

// ErrNotConnected is returned for commands issued without a live,
// registered control channel.
var ErrNotConnected = errors.New("client: not connected")

// ErrSuspended is returned while another controller holds the channel.
var ErrSuspended = errors.New("client: suspended, takeover required")

// Config configures a Client. Zero durations get defaults.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8700/ws.
	URL        string
	InstanceID string

	ReconnectDelay  time.Duration
	FlushInterval   time.Duration
	RefreshInterval time.Duration

	Log *slog.Logger
}

// Client maintains the control channel and keeps the Store in sync with the
// engine: events stream in, metric selections trigger series backfills, and
// a rate-limited refresh replaces partial series while a capture is live.
type Client struct {
	cfg   Config
	log   *slog.Logger
	store *Store

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	takeover bool
	resume   chan struct{}
	waiters  map[string]chan protocol.Envelope
	inFlight map[string]bool

	queue  *ring.Buffer[protocol.Envelope]
	reqSeq atomic.Int64
}

// New creates a Client around the given store.
func New(cfg Config, store *Store) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		store:    store,
		status:   StatusDisconnected,
		resume:   make(chan struct{}, 1),
		waiters:  make(map[string]chan protocol.Envelope),
		inFlight: make(map[string]bool),
		queue:    ring.New[protocol.Envelope](offlineQueueSize),
	}
}

// Store returns the mirror this client feeds.
func (c *Client) Store() *Store {
	return c.store
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Takeover arms the takeover flag and wakes a suspended client so the next
// register evicts the current controller.
func (c *Client) Takeover() {
	c.mu.Lock()
	c.takeover = true
	suspended := c.status == StatusSuspended
	c.mu.Unlock()
	if suspended {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

// Run drives the connection until the context is cancelled. It reconnects
// on a fixed delay, except after a busy or replaced close where it suspends
// until Takeover.
func (c *Client) Run(ctx context.Context) error {
	go c.tickLoops(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setStatus(StatusConnecting)
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch websocket.CloseStatus(err) {
		case protocol.CloseBusy, protocol.CloseReplaced:
			c.log.Warn("control channel lost", slog.String("reason", err.Error()))
			c.setStatus(StatusSuspended)
			select {
			case <-c.resume:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			if err != nil {
				c.log.Debug("connection failed", slog.String("error", err.Error()))
			}
			c.setStatus(StatusDisconnected)
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// connectOnce dials, registers, resyncs, and reads events until the
// connection dies. The returned error carries the close status if the peer
// closed the socket.
func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.conn = conn
	takeover := c.takeover
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.failWaitersLocked()
		c.mu.Unlock()
	}()

	reg, err := protocol.Encode(protocol.CmdRegister, c.nextRequestID(), protocol.Register{
		Role:       "frontend",
		InstanceID: c.cfg.InstanceID,
		Takeover:   takeover,
	})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, reg); err != nil {
		return err
	}

	registered := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("bad envelope", slog.String("error", err.Error()))
			continue
		}

		if !registered && env.RequestID == reg.RequestID {
			if env.Type != protocol.EvtAck {
				var e protocol.Error
				decode(env.Payload, &e)
				return fmt.Errorf("register rejected: %s", e.Error)
			}
			registered = true
			c.mu.Lock()
			c.takeover = false
			c.status = StatusConnected
			c.mu.Unlock()
			c.log.Info("registered", slog.String("instance", c.cfg.InstanceID))
			c.replayQueue(ctx, conn)
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.EvtAck, protocol.EvtError:
		c.mu.Lock()
		ch, ok := c.waiters[env.RequestID]
		if ok {
			delete(c.waiters, env.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	default:
		c.store.ApplyEvent(env)
		if env.Type == protocol.EvtCaptureEnd {
			var p protocol.CaptureEnd
			if decode(env.Payload, &p) {
				c.finalFetch(ctx, p.CaptureID)
			}
		}
	}
}

// finalFetch replaces possibly-sampled series with authoritative ones once
// a live capture completes. The cache is bypassed so the up-to-date file is
// rescanned.
func (c *Client) finalFetch(ctx context.Context, captureID string) {
	c.store.Flush()
	for _, m := range c.store.SelectedMetrics(captureID) {
		c.fetchSeries(ctx, captureID, m.Path, false)
	}
}

// tickLoops runs the append flush and the live series refresh.
func (c *Client) tickLoops(ctx context.Context) {
	flush := time.NewTicker(c.cfg.FlushInterval)
	refresh := time.NewTicker(c.cfg.RefreshInterval)
	defer flush.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			c.store.Flush()
		case <-refresh.C:
			if c.Status() != StatusConnected {
				continue
			}
			for captureID, paths := range c.store.RefreshTargets() {
				for _, p := range paths {
					c.fetchSeries(ctx, captureID, p, true)
				}
			}
		}
	}
}

// fetchSeries requests one metric series in the background, deduplicating
// concurrent fetches for the same capture and path.
func (c *Client) fetchSeries(ctx context.Context, captureID string, path []string, preferCache bool) {
	key := captureID + "\x00" + capture.JoinPath(path)
	c.mu.Lock()
	if c.inFlight[key] {
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
		}()

		env, err := c.request(ctx, protocol.CmdGetSeriesWindow, protocol.GetSeriesWindow{
			CaptureID:   captureID,
			Path:        path,
			PreferCache: preferCache,
		})
		if err != nil {
			c.log.Debug("series fetch failed",
				slog.String("capture", captureID),
				slog.String("path", capture.JoinPath(path)),
				slog.String("error", err.Error()))
			return
		}
		var ack struct {
			Payload protocol.SeriesWindow `json:"payload"`
		}
		if !decode(env.Payload, &ack) {
			return
		}
		c.store.ApplySeries(captureID, path, ack.Payload.Series.Points)
	}()
}

// LiveStart asks the engine to begin polling a source.
func (c *Client) LiveStart(ctx context.Context, req protocol.LiveStart) error {
	_, err := c.request(ctx, protocol.CmdLiveStart, req)
	return err
}

// LiveStop stops one live stream, or all when captureID is empty.
func (c *Client) LiveStop(ctx context.Context, captureID string) error {
	_, err := c.request(ctx, protocol.CmdLiveStop, protocol.LiveStop{CaptureID: captureID})
	return err
}

// SelectMetric subscribes a metric and backfills its series, preferring
// the engine's cache.
func (c *Client) SelectMetric(ctx context.Context, captureID string, path []string, label, color string) error {
	m := capture.NewMetric(captureID, path, label, color)
	if !c.store.SelectMetric(m) {
		return nil
	}
	_, err := c.request(ctx, protocol.CmdSelectMetric, protocol.SelectMetric{
		CaptureID: captureID, Path: path, Label: label, Color: color,
	})
	if err != nil {
		c.store.DeselectMetric(captureID, path)
		return err
	}
	c.fetchSeries(ctx, captureID, path, true)
	return nil
}

// DeselectMetric unsubscribes a metric locally and on the engine.
func (c *Client) DeselectMetric(ctx context.Context, captureID string, path []string) error {
	c.store.DeselectMetric(captureID, path)
	_, err := c.request(ctx, protocol.CmdDeselectMetric, protocol.DeselectMetric{
		CaptureID: captureID, Path: path,
	})
	return err
}

// SetCaptureActive toggles a capture's aggregation participation.
func (c *Client) SetCaptureActive(ctx context.Context, captureID string, active bool) error {
	_, err := c.request(ctx, protocol.CmdSetCaptureActive, protocol.SetCaptureActive{
		CaptureID: captureID, Active: active,
	})
	return err
}

// SyncCaptureSources declares the desired live source set.
func (c *Client) SyncCaptureSources(ctx context.Context, req protocol.SyncCaptureSources) error {
	_, err := c.request(ctx, protocol.CmdSyncCaptureSources, req)
	return err
}

// RemoveCapture removes a capture. Offline, the command is queued and
// replayed on the next registration; the mirror is updated immediately.
func (c *Client) RemoveCapture(ctx context.Context, captureID string) error {
	c.store.RemoveCapture(captureID)
	return c.sendOrQueue(ctx, protocol.CmdRemoveCapture, protocol.CaptureRef{CaptureID: captureID})
}

// ClearCaptures removes every capture, queueing the command when offline.
func (c *Client) ClearCaptures(ctx context.Context) error {
	c.store.Clear()
	return c.sendOrQueue(ctx, protocol.CmdClearCaptures, nil)
}

// QueuedCommands reports how many commands wait for reconnection.
func (c *Client) QueuedCommands() int {
	return c.queue.Size()
}

// sendOrQueue delivers a destructive command now, or defers it until the
// next registration. The queue is bounded; the oldest entry gives way.
func (c *Client) sendOrQueue(ctx context.Context, cmd string, payload any) error {
	c.mu.Lock()
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if connected {
		_, err := c.request(ctx, cmd, payload)
		if err == nil || !isConnLoss(err) {
			return err
		}
	}
	env, err := protocol.Encode(cmd, "", payload)
	if err != nil {
		return err
	}
	c.queue.Add(env)
	return nil
}

// replayQueue sends deferred commands after registration, oldest first. A
// write failure puts the failed command and everything still pending back
// on the queue for the next connection.
func (c *Client) replayQueue(ctx context.Context, conn *websocket.Conn) {
	pending := c.queue.Drain()
	for i, env := range pending {
		env.RequestID = c.nextRequestID()
		if err := c.write(ctx, conn, env); err != nil {
			for _, rest := range pending[i:] {
				c.queue.Add(rest)
			}
			return
		}
	}
}

// request sends a command and waits for its ack or error reply.
func (c *Client) request(ctx context.Context, cmd string, payload any) (protocol.Envelope, error) {
	env, err := protocol.Encode(cmd, c.nextRequestID(), payload)
	if err != nil {
		return protocol.Envelope{}, err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.status != StatusConnected {
		status := c.status
		c.mu.Unlock()
		if status == StatusSuspended {
			return protocol.Envelope{}, ErrSuspended
		}
		return protocol.Envelope{}, ErrNotConnected
	}
	ch := make(chan protocol.Envelope, 1)
	c.waiters[env.RequestID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, conn, env); err != nil {
		c.mu.Lock()
		delete(c.waiters, env.RequestID)
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == protocol.EvtError {
			var e protocol.Error
			decode(reply.Payload, &e)
			return reply, fmt.Errorf("%s: %s", cmd, e.Error)
		}
		if reply.Type == "" {
			return reply, ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.waiters, env.RequestID)
		c.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("%s: timed out", cmd)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, env.RequestID)
		c.mu.Unlock()
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// failWaitersLocked unblocks pending requests when the connection drops.
// They observe an empty envelope and report ErrNotConnected.
func (c *Client) failWaitersLocked() {
	for id, ch := range c.waiters {
		delete(c.waiters, id)
		ch <- protocol.Envelope{}
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Client) nextRequestID() string {
	return "req-" + strconv.FormatInt(c.reqSeq.Add(1), 10)
}

func isConnLoss(err error) bool {
	return errors.Is(err, ErrNotConnected) || websocket.CloseStatus(err) != -1
}
