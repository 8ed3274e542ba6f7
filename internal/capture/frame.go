// Package capture defines the core data model for simulation captures:
// per-tick frames of entity/component state, capture metadata, metric
// paths, and the merged component tree. Frames arrive as JSON lines; one
// object per line, one line per tick.
package capture

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is the entity/component snapshot for one simulation tick.
// Component values are either numbers or nested objects of numbers.
type Frame struct {
	Tick     int64                     `json:"tick"`
	Entities map[string]map[string]any `json:"entities"`
}

// ParseFrame decodes one JSONL line into a Frame.
// Ticks must be >= 1; anything else is a malformed line.
func ParseFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if f.Tick < 1 {
		return nil, fmt.Errorf("parse frame: invalid tick %d", f.Tick)
	}
	if f.Entities == nil {
		f.Entities = map[string]map[string]any{}
	}
	return &f, nil
}

// NumericAt resolves a metric path against the frame and returns the numeric
// leaf value. The first path element names an entity, the second a component,
// and any further elements descend nested objects. The second return is false
// when the path is absent or does not end at a number.
func (f *Frame) NumericAt(path []string) (float64, bool) {
	if len(path) < 2 {
		return 0, false
	}
	comps, ok := f.Entities[path[0]]
	if !ok {
		return 0, false
	}
	v, ok := comps[path[1]]
	if !ok {
		return 0, false
	}
	for _, key := range path[2:] {
		m, ok := v.(map[string]any)
		if !ok {
			return 0, false
		}
		if v, ok = m[key]; !ok {
			return 0, false
		}
	}
	return asNumber(v)
}

// asNumber accepts the numeric shapes encoding/json produces.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// JoinPath joins a metric path into its stable "."-separated form.
// The joined form is the dedup key for a metric within a capture.
func JoinPath(path []string) string {
	return strings.Join(path, ".")
}

// SplitPath splits a "."-joined metric path back into its elements.
func SplitPath(fullPath string) []string {
	if fullPath == "" {
		return nil
	}
	return strings.Split(fullPath, ".")
}

// Metric identifies one numeric leaf a controller wants streamed or queried.
type Metric struct {
	CaptureID string   `json:"captureId"`
	Path      []string `json:"path"`
	FullPath  string   `json:"fullPath"`
	Label     string   `json:"label,omitempty"`
	Color     string   `json:"color,omitempty"`
}

// NewMetric builds a Metric with its FullPath derived from path.
func NewMetric(captureID string, path []string, label, color string) Metric {
	return Metric{
		CaptureID: captureID,
		Path:      path,
		FullPath:  JoinPath(path),
		Label:     label,
		Color:     color,
	}
}

// Key returns the dedup key for this metric: captureId plus joined path.
func (m Metric) Key() string {
	return m.CaptureID + "\x00" + m.FullPath
}
