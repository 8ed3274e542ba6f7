package capture

// Capture is the metadata record for one simulation run. Frames live in the
// frame cache, keyed by the capture ID; this struct carries only identity and
// counters. The ingestion engine owns captures; clients hold a filtered
// mirror.
type Capture struct {
	ID        string `json:"captureId"`
	Filename  string `json:"filename"`
	TickCount int64  `json:"tickCount"`
	Active    bool   `json:"isActive"`

	// Source is the live source string when this capture is backed by a
	// re-pollable source. Empty for static uploads.
	Source string `json:"source,omitempty"`
}

// Live reports whether the capture is backed by a re-pollable source.
func (c *Capture) Live() bool {
	return c.Source != ""
}

// StreamMode is the per-capture event delivery mode on the control channel.
type StreamMode string

const (
	// StreamModeFull delivers complete frames in append events.
	StreamModeFull StreamMode = "full"

	// StreamModeLite delivers tick-only advancement events; full frames stay
	// in the frame cache for on-demand series queries.
	StreamModeLite StreamMode = "lite"
)

// ModeFor selects the delivery mode for a capture. Full-frame delivery is
// reserved for captures that have at least one selected metric and are not
// backed by a re-pollable source; live polling can produce far more frames
// than a controller should materialize eagerly.
func ModeFor(c *Capture, selectedMetrics int) StreamMode {
	if selectedMetrics > 0 && !c.Live() {
		return StreamModeFull
	}
	return StreamModeLite
}
