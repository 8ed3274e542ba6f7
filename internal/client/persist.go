package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/protocol"
)

// Defaults is the controller state persisted between sessions: the live
// sources to resubscribe, the selected metrics, and the window mode.
type Defaults struct {
	Sources []protocol.LiveStart `json:"sources,omitempty"`
	Metrics []capture.Metric     `json:"metrics,omitempty"`

	WindowManual bool  `json:"windowManual,omitempty"`
	WindowStart  int64 `json:"windowStart,omitempty"`
	WindowEnd    int64 `json:"windowEnd,omitempty"`
	WindowSize   int64 `json:"windowSize,omitempty"`
}

// LoadDefaults reads a defaults file. A missing file yields zero Defaults
// and no error.
func LoadDefaults(path string) (Defaults, error) {
	var d Defaults
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, fmt.Errorf("load defaults: %w", err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return Defaults{}, fmt.Errorf("load defaults: %w", err)
	}
	return d, nil
}

// SaveDefaults writes the defaults file atomically via a temp file rename.
func SaveDefaults(path string, d Defaults) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("save defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save defaults: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save defaults: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save defaults: %w", err)
	}
	return nil
}

// Snapshot captures the client's current defaults for persistence.
func (c *Client) Snapshot() Defaults {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	d := Defaults{}
	for _, m := range s.captures {
		if m.meta.Live() {
			d.Sources = append(d.Sources, protocol.LiveStart{
				Source:    m.meta.Source,
				CaptureID: m.meta.ID,
				Filename:  m.meta.Filename,
			})
		}
	}
	for _, metric := range s.selected {
		d.Metrics = append(d.Metrics, metric)
	}
	if s.win.manual {
		d.WindowManual = true
		d.WindowStart = s.win.start
		d.WindowEnd = s.win.end
	} else {
		d.WindowSize = s.win.size
	}
	return d
}

// Restore applies persisted defaults: window mode locally, live sources and
// metric selections against the engine.
func (c *Client) Restore(ctx context.Context, d Defaults) error {
	switch {
	case d.WindowManual:
		c.store.SetWindowManual(d.WindowStart, d.WindowEnd)
	case d.WindowSize > 0:
		c.store.SetWindowAuto(d.WindowSize)
	}

	if len(d.Sources) > 0 {
		if err := c.SyncCaptureSources(ctx, protocol.SyncCaptureSources{Sources: d.Sources}); err != nil {
			return err
		}
	}
	for _, m := range d.Metrics {
		if err := c.SelectMetric(ctx, m.CaptureID, m.Path, m.Label, m.Color); err != nil {
			return err
		}
	}
	return nil
}
