// Package protocol defines the control channel wire format: the envelope,
// command and event payloads, and the reserved close codes. Both the engine
// side and the client capture store speak these types.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/livepoll"
	"github.com/tickscope/tickscope/internal/series"
)

// Reserved close codes. Both suppress client auto-reconnect until the user
// explicitly requests a takeover.
const (
	// CloseBusy: another controller is already registered.
	CloseBusy websocket.StatusCode = 4000

	// CloseReplaced: this controller was superseded by a takeover.
	CloseReplaced websocket.StatusCode = 4001
)

// Command types (controller -> engine).
const (
	CmdRegister           = "register"
	CmdLiveStart          = "live_start"
	CmdLiveStop           = "live_stop"
	CmdRemoveCapture      = "remove_capture"
	CmdClearCaptures      = "clear_captures"
	CmdSelectMetric       = "select_metric"
	CmdDeselectMetric     = "deselect_metric"
	CmdGetSeriesWindow    = "get_series_window"
	CmdSyncCaptureSources = "sync_capture_sources"
	CmdSetCaptureActive   = "set_capture_active"
)

// Event types (engine -> controller).
const (
	EvtAck               = "ack"
	EvtError             = "error"
	EvtCaptureInit       = "capture_init"
	EvtCaptureComponents = "capture_components"
	EvtCaptureAppend     = "capture_append"
	EvtCaptureTick       = "capture_tick"
	EvtCaptureEnd        = "capture_end"
	EvtCaptureProgress   = "capture_progress"
	EvtStateUpdate       = "state_update"
	EvtStateSync         = "state_sync"
)

// Envelope is the framing for every message in both directions. Payload
// holds the type-specific body.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode builds an envelope with a marshaled payload.
func Encode(msgType, requestID string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Register is the first command a connecting controller sends.
type Register struct {
	Role       string `json:"role"`
	InstanceID string `json:"instanceId"`
	Takeover   bool   `json:"takeover"`
}

// LiveStart starts (or refreshes) polling a source.
type LiveStart struct {
	Source         string `json:"source"`
	PollIntervalMs int64  `json:"pollIntervalMs,omitempty"`
	CaptureID      string `json:"captureId,omitempty"`
	Filename       string `json:"filename,omitempty"`
}

// LiveStop stops one live stream, or all of them when CaptureID is empty.
type LiveStop struct {
	CaptureID string `json:"captureId,omitempty"`
}

// CaptureRef names one capture.
type CaptureRef struct {
	CaptureID string `json:"captureId"`
}

// SelectMetric subscribes a metric path for a capture.
type SelectMetric struct {
	CaptureID string   `json:"captureId"`
	Path      []string `json:"path"`
	Label     string   `json:"label,omitempty"`
	Color     string   `json:"color,omitempty"`
}

// DeselectMetric unsubscribes a metric path.
type DeselectMetric struct {
	CaptureID string   `json:"captureId"`
	Path      []string `json:"path"`
}

// GetSeriesWindow requests one metric series over an optional tick window.
type GetSeriesWindow struct {
	CaptureID   string   `json:"captureId"`
	Path        []string `json:"path"`
	WindowStart int64    `json:"windowStart,omitempty"`
	WindowEnd   int64    `json:"windowEnd,omitempty"`
	PreferCache bool     `json:"preferCache"`
}

// SyncCaptureSources declares the desired set of live sources. The engine
// starts polls for new entries; with Replace set it also stops polls whose
// source is absent from the list.
type SyncCaptureSources struct {
	Sources []LiveStart `json:"sources"`
	Replace bool        `json:"replace"`
}

// SetCaptureActive toggles a capture's participation in aggregation.
type SetCaptureActive struct {
	CaptureID string `json:"captureId"`
	Active    bool   `json:"isActive"`
}

// Ack confirms a handled command after its state mutation is applied.
type Ack struct {
	Payload any `json:"payload,omitempty"`
}

// Error answers a command that could not be applied. The connection stays
// open.
type Error struct {
	Error string `json:"error"`
}

// CaptureInit announces a new capture.
type CaptureInit struct {
	Capture capture.Capture `json:"capture"`
}

// CaptureComponents carries the merged component tree after it grew.
type CaptureComponents struct {
	CaptureID string            `json:"captureId"`
	Tree      *capture.TreeNode `json:"tree"`
}

// CaptureAppend delivers complete frames (full stream mode).
type CaptureAppend struct {
	CaptureID string           `json:"captureId"`
	Frames    []*capture.Frame `json:"frames"`
}

// CaptureTick advances the tick counter without frame data (lite mode).
type CaptureTick struct {
	CaptureID string `json:"captureId"`
	Tick      int64  `json:"tick"`
}

// CaptureEnd announces live stream completion.
type CaptureEnd struct {
	CaptureID string `json:"captureId"`
	LastTick  int64  `json:"lastTick"`
}

// CaptureProgress reports ingestion accounting for one live stream.
type CaptureProgress struct {
	CaptureID string `json:"captureId"`
	Received  int64  `json:"received"`
	Kept      int64  `json:"kept"`
	Dropped   int64  `json:"dropped"`
	LastTick  int64  `json:"lastTick"`
}

// StateUpdate carries the full engine view: captures and live streams.
type StateUpdate struct {
	Captures []capture.Capture      `json:"captures"`
	Streams  []livepoll.StreamState `json:"streams"`
}

// StateSyncEntry summarizes one capture for reconnect reconciliation.
type StateSyncEntry struct {
	CaptureID string `json:"captureId"`
	LastTick  int64  `json:"lastTick"`
	Filename  string `json:"filename"`
	Active    bool   `json:"isActive"`
}

// StateSync lists known captures so a reconnecting controller can detect
// captures it missed and backfill via series queries.
type StateSync struct {
	Captures []StateSyncEntry `json:"captures"`
}

// SeriesWindow is the ack payload for get_series_window.
type SeriesWindow struct {
	CaptureID   string        `json:"captureId"`
	FullPath    string        `json:"fullPath"`
	WindowStart int64         `json:"windowStart,omitempty"`
	WindowEnd   int64         `json:"windowEnd,omitempty"`
	Series      series.Result `json:"series"`
}
