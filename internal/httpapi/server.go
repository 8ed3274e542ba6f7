// Package httpapi exposes the request/response query surface: series
// extraction, out-of-band live stream management, source probing, the
// Prometheus endpoint, and the control channel websocket upgrade.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tickscope/tickscope/internal/control"
	"github.com/tickscope/tickscope/internal/engine"
	"github.com/tickscope/tickscope/internal/platform/logger"
	"github.com/tickscope/tickscope/internal/platform/metrics"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/series"
	"github.com/tickscope/tickscope/internal/source"
)

// Server serves the HTTP query surface for one engine.
type Server struct {
	engine  *engine.Engine
	hub     *control.Hub
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Server. The metrics argument may be nil to disable the
// /metrics endpoint (e.g. in tests).
func New(eng *engine.Engine, hub *control.Hub, log *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{engine: eng, hub: hub, log: log, metrics: m}
}

// Router builds the chi router with all routes attached.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.log))

	r.Post("/series", s.handleSeries)
	r.Post("/series/batch", s.handleSeriesBatch)
	r.Post("/live/start", s.handleLiveStart)
	r.Post("/live/stop", s.handleLiveStop)
	r.Get("/live/status", s.handleLiveStatus)
	r.Post("/source/check", s.handleSourceCheck)
	r.Get("/ws", s.hub.HandleWS)

	if s.metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Handler(s.engine.RefreshGauges).ServeHTTP(w, r)
		})
	}
	return r
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// seriesRequest is the body for POST /series.
type seriesRequest struct {
	CaptureID   string   `json:"captureId"`
	Path        []string `json:"path"`
	WindowStart int64    `json:"windowStart,omitempty"`
	WindowEnd   int64    `json:"windowEnd,omitempty"`
	PreferCache bool     `json:"preferCache"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	var req seriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CaptureID == "" || len(req.Path) == 0 {
		writeError(w, http.StatusBadRequest, "captureId and path are required")
		return
	}

	results, err := s.engine.Resolve(r.Context(), req.CaptureID, [][]string{req.Path}, req.PreferCache)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	writeJSON(w, series.Window(results[0], req.WindowStart, req.WindowEnd))
}

// seriesBatchRequest is the body for POST /series/batch.
type seriesBatchRequest struct {
	CaptureID   string     `json:"captureId"`
	Paths       [][]string `json:"paths"`
	WindowStart int64      `json:"windowStart,omitempty"`
	WindowEnd   int64      `json:"windowEnd,omitempty"`
	PreferCache bool       `json:"preferCache"`
}

func (s *Server) handleSeriesBatch(w http.ResponseWriter, r *http.Request) {
	var req seriesBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CaptureID == "" || len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "captureId and paths are required")
		return
	}

	results, err := s.engine.Resolve(r.Context(), req.CaptureID, req.Paths, req.PreferCache)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	for i := range results {
		results[i] = series.Window(results[i], req.WindowStart, req.WindowEnd)
	}
	writeJSON(w, map[string]any{"series": results})
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.LiveStart
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	meta, err := s.engine.LiveStart(r.Context(), req)
	if err != nil {
		if errors.Is(err, source.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.log.Error("live start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, meta)
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	var req protocol.LiveStop
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.engine.LiveStop(req.CaptureID)
	writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, protocol.StateUpdate{
		Captures: s.engine.Captures(),
		Streams:  s.engine.Poll().States(),
	})
}

// sourceCheckRequest is the body for POST /source/check.
type sourceCheckRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleSourceCheck(w http.ResponseWriter, r *http.Request) {
	var req sourceCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if err := s.engine.SourceCheck(r.Context(), req.Source); err != nil {
		writeJSON(w, map[string]any{"reachable": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"reachable": true})
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrCaptureNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, source.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("series resolve failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection-level failure; nothing useful left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
