// Package engine is the ingestion engine facade. It owns the capture
// registry, the frame cache, the live poll controller, the series resolver,
// and per-capture metric selections, and it turns ingestion activity into
// control channel events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickscope/tickscope/internal/cache"
	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/livepoll"
	"github.com/tickscope/tickscope/internal/platform/metrics"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/series"
	"github.com/tickscope/tickscope/internal/source"
)

// ErrCaptureNotFound answers queries referencing an unknown capture. No
// state changes on this error.
var ErrCaptureNotFound = errors.New("capture not found")

// EventSink receives engine events for delivery to the controller. The
// control hub implements it; a nil-safe no-op is used in tests.
type EventSink interface {
	Publish(env protocol.Envelope)
}

// Config holds engine construction parameters.
type Config struct {
	CacheBudgetBytes int64
	CacheTailSize    int
	HTTPClient       *http.Client
}

// Engine wires the ingestion pipeline together.
type Engine struct {
	log     *slog.Logger
	cache   *cache.FrameCache
	reader  *source.Reader
	poll    *livepoll.Controller
	resolve *series.Resolver
	metrics *metrics.Metrics

	mu       sync.RWMutex
	captures map[string]*captureState
	events   EventSink
}

// captureState is the engine-side record for one capture.
type captureState struct {
	meta     capture.Capture
	tree     *capture.Tree
	selected map[string]capture.Metric // keyed by FullPath

	// droppedSeen is the last dropped-line total already counted into the
	// Prometheus counter.
	droppedSeen int64
}

// New creates an engine. The metrics argument may be nil to disable metric
// recording (e.g. in tests).
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		log:      log,
		cache:    cache.New(cache.Config{BudgetBytes: cfg.CacheBudgetBytes, TailSize: cfg.CacheTailSize}),
		reader:   source.NewReader(cfg.HTTPClient),
		metrics:  m,
		captures: make(map[string]*captureState),
	}
	e.poll = livepoll.NewController(e.reader, e.cache, (*pollSink)(e), log)
	e.resolve = series.NewResolver(e.cache, e.reader, e.poll, (*sourceLookup)(e))
	return e
}

// SetEventSink attaches the control hub. Events published before a sink is
// attached are discarded.
func (e *Engine) SetEventSink(sink EventSink) {
	e.mu.Lock()
	e.events = sink
	e.mu.Unlock()
}

// Cache exposes the frame cache for status reporting.
func (e *Engine) Cache() *cache.FrameCache {
	return e.cache
}

// Poll exposes the live poll controller.
func (e *Engine) Poll() *livepoll.Controller {
	return e.poll
}

// Close stops all live streams.
func (e *Engine) Close() {
	e.poll.StopAll()
}

// LiveStart creates (or refreshes) a live capture and starts its poll loop.
// The capture ID is generated when the request does not carry one.
func (e *Engine) LiveStart(ctx context.Context, req protocol.LiveStart) (capture.Capture, error) {
	if req.Source == "" {
		return capture.Capture{}, fmt.Errorf("live_start: empty source")
	}
	if err := e.reader.Probe(ctx, req.Source); err != nil {
		return capture.Capture{}, err
	}

	id := req.CaptureID
	if id == "" {
		id = uuid.NewString()
	}
	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.Source)
	}

	e.mu.Lock()
	cs, ok := e.captures[id]
	if !ok {
		cs = &captureState{
			tree:     capture.NewTree(),
			selected: make(map[string]capture.Metric),
		}
		e.captures[id] = cs
	}
	cs.meta.ID = id
	cs.meta.Filename = filename
	cs.meta.Source = req.Source
	cs.meta.Active = true
	meta := cs.meta
	e.mu.Unlock()

	interval := time.Duration(req.PollIntervalMs) * time.Millisecond
	if err := e.poll.Start(id, req.Source, interval); err != nil {
		return capture.Capture{}, err
	}

	e.log.Info("live stream starting",
		slog.String("capture_id", id),
		slog.String("source", req.Source))
	e.publishStateUpdate()
	return meta, nil
}

// LiveStop stops one live stream, or every stream when captureID is empty.
func (e *Engine) LiveStop(captureID string) {
	if captureID == "" {
		e.poll.StopAll()
	} else {
		e.poll.Stop(captureID)
	}
	e.publishStateUpdate()
}

// RemoveCapture stops the capture's live stream, evicts its cache entry, and
// deletes it from the registry.
func (e *Engine) RemoveCapture(captureID string) error {
	e.mu.Lock()
	_, ok := e.captures[captureID]
	delete(e.captures, captureID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCaptureNotFound, captureID)
	}

	e.poll.Stop(captureID)
	e.cache.Remove(captureID)
	e.log.Info("capture removed", slog.String("capture_id", captureID))
	e.publishStateUpdate()
	return nil
}

// ClearCaptures removes every capture.
func (e *Engine) ClearCaptures() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.captures))
	for id := range e.captures {
		ids = append(ids, id)
	}
	e.captures = make(map[string]*captureState)
	e.mu.Unlock()

	for _, id := range ids {
		e.poll.Stop(id)
		e.cache.Remove(id)
	}
	e.log.Info("captures cleared", slog.Int("count", len(ids)))
	e.publishStateUpdate()
}

// SelectMetric subscribes a metric path for a capture.
func (e *Engine) SelectMetric(req protocol.SelectMetric) (capture.Metric, error) {
	if len(req.Path) < 2 {
		return capture.Metric{}, fmt.Errorf("select_metric: path needs entity and component")
	}
	m := capture.NewMetric(req.CaptureID, req.Path, req.Label, req.Color)

	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.captures[req.CaptureID]
	if !ok {
		return capture.Metric{}, fmt.Errorf("%w: %s", ErrCaptureNotFound, req.CaptureID)
	}
	cs.selected[m.FullPath] = m
	return m, nil
}

// DeselectMetric removes a metric subscription.
func (e *Engine) DeselectMetric(req protocol.DeselectMetric) error {
	full := capture.JoinPath(req.Path)

	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.captures[req.CaptureID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCaptureNotFound, req.CaptureID)
	}
	delete(cs.selected, full)
	return nil
}

// SelectedMetrics returns the selected metrics for a capture, sorted by
// path.
func (e *Engine) SelectedMetrics(captureID string) []capture.Metric {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.captures[captureID]
	if !ok {
		return nil
	}
	out := make([]capture.Metric, 0, len(cs.selected))
	for _, m := range cs.selected {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out
}

// SetCaptureActive toggles a capture's participation in aggregation.
func (e *Engine) SetCaptureActive(captureID string, active bool) error {
	e.mu.Lock()
	cs, ok := e.captures[captureID]
	if ok {
		cs.meta.Active = active
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCaptureNotFound, captureID)
	}
	e.publishStateUpdate()
	return nil
}

// Resolve extracts series for the given paths. Unknown captures are
// rejected before any read happens.
func (e *Engine) Resolve(ctx context.Context, captureID string, paths [][]string, preferCache bool) ([]series.Result, error) {
	e.mu.RLock()
	_, ok := e.captures[captureID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaptureNotFound, captureID)
	}
	if e.metrics != nil {
		e.metrics.IncSeriesQueries()
		if !preferCache {
			e.metrics.IncSeriesRescans()
		}
	}
	return e.resolve.Resolve(ctx, captureID, paths, preferCache)
}

// SourceCheck probes a source's reachability without starting a stream.
func (e *Engine) SourceCheck(ctx context.Context, src string) error {
	return e.reader.Probe(ctx, src)
}

// SyncCaptureSources converges live streams toward the declared source set.
// Existing streams for listed sources are left alone; new sources are
// started; with replace set, streams whose source is absent are stopped and
// their captures removed.
func (e *Engine) SyncCaptureSources(ctx context.Context, req protocol.SyncCaptureSources) error {
	want := make(map[string]bool, len(req.Sources))
	for _, ls := range req.Sources {
		want[ls.Source] = true
	}

	if req.Replace {
		for _, c := range e.Captures() {
			if c.Live() && !want[c.Source] {
				if err := e.RemoveCapture(c.ID); err != nil {
					e.log.Warn("sync: remove failed",
						slog.String("capture_id", c.ID),
						slog.String("error", err.Error()))
				}
			}
		}
	}

	have := make(map[string]bool)
	for _, c := range e.Captures() {
		if c.Live() {
			have[c.Source] = true
		}
	}

	var firstErr error
	for _, ls := range req.Sources {
		if have[ls.Source] {
			continue
		}
		if _, err := e.LiveStart(ctx, ls); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Captures returns all capture metadata, sorted by ID for stable output.
func (e *Engine) Captures() []capture.Capture {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]capture.Capture, 0, len(e.captures))
	for _, cs := range e.captures {
		out = append(out, cs.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capture returns one capture's metadata.
func (e *Engine) Capture(captureID string) (capture.Capture, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.captures[captureID]
	if !ok {
		return capture.Capture{}, false
	}
	return cs.meta, true
}

// ComponentTree returns the merged component tree for a capture.
func (e *Engine) ComponentTree(captureID string) (*capture.TreeNode, bool) {
	e.mu.RLock()
	cs, ok := e.captures[captureID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cs.tree.Snapshot(), true
}

// StateSync builds the reconnect reconciliation summary.
func (e *Engine) StateSync() protocol.StateSync {
	caps := e.Captures()
	out := protocol.StateSync{Captures: make([]protocol.StateSyncEntry, 0, len(caps))}
	for _, c := range caps {
		out.Captures = append(out.Captures, protocol.StateSyncEntry{
			CaptureID: c.ID,
			LastTick:  c.TickCount,
			Filename:  c.Filename,
			Active:    c.Active,
		})
	}
	return out
}

// RefreshGauges pushes current engine state into the metric gauges. Called
// before each Prometheus scrape.
func (e *Engine) RefreshGauges() {
	if e.metrics == nil {
		return
	}
	active := 0
	for _, c := range e.Captures() {
		if c.Active {
			active++
		}
	}
	ingesting := 0
	for _, st := range e.poll.States() {
		switch st.Status {
		case livepoll.StatusConnecting, livepoll.StatusConnected, livepoll.StatusRetrying:
			ingesting++
		}
	}
	e.metrics.SetActiveCaptures(active)
	e.metrics.SetActiveStreams(ingesting)
	e.metrics.SetCacheBytes(e.cache.TotalBytes())
}

// publish hands an event to the control hub, if attached.
func (e *Engine) publish(msgType string, payload any) {
	e.mu.RLock()
	sink := e.events
	e.mu.RUnlock()
	if sink == nil {
		return
	}
	env, err := protocol.Encode(msgType, "", payload)
	if err != nil {
		e.log.Error("event encode failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}
	sink.Publish(env)
}

func (e *Engine) publishStateUpdate() {
	e.publish(protocol.EvtStateUpdate, protocol.StateUpdate{
		Captures: e.Captures(),
		Streams:  e.poll.States(),
	})
}

// sourceLookup adapts the registry to series.SourceLookup.
type sourceLookup Engine

func (s *sourceLookup) SourceFor(captureID string) (string, bool) {
	e := (*Engine)(s)
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.captures[captureID]
	if !ok || cs.meta.Source == "" {
		return "", false
	}
	return cs.meta.Source, true
}
