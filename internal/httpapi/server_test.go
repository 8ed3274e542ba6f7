package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/control"
	"github.com/tickscope/tickscope/internal/engine"
	"github.com/tickscope/tickscope/internal/protocol"
	"github.com/tickscope/tickscope/internal/series"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	eng := engine.New(engine.Config{}, testLogger(), nil)
	t.Cleanup(eng.Close)

	hub := control.NewHub(eng, testLogger(), nil)
	api := New(eng, hub, testLogger(), nil)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return eng, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func writeCapture(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func startLive(t *testing.T, eng *engine.Engine, path, id string) {
	t.Helper()
	if _, err := eng.LiveStart(context.Background(), protocol.LiveStart{Source: path, CaptureID: id, PollIntervalMs: 10}); err != nil {
		t.Fatalf("live start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := eng.Capture(id); ok && c.TickCount > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("capture never ingested")
}

// TestSeriesEndpoint tests POST /series: happy path with a window, 404 for
// unknown captures, 400 for incomplete bodies.
func TestSeriesEndpoint(t *testing.T) {
	eng, srv := startServer(t)
	path := writeCapture(t,
		`{"tick":1,"entities":{"p":{"hp":10}}}`,
		`{"tick":2,"entities":{"p":{"hp":20}}}`,
		`{"tick":3,"entities":{"p":{"hp":30}}}`,
	)
	startLive(t, eng, path, "cap")

	resp := postJSON(t, srv.URL+"/series", map[string]any{
		"captureId": "cap", "path": []string{"p", "hp"}, "windowStart": 2, "preferCache": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res series.Result
	decodeBody(t, resp, &res)
	if len(res.Points) != 2 || res.Points[0].Tick != 2 || res.Points[1].Value != 30 {
		t.Errorf("windowed series = %+v", res.Points)
	}

	resp = postJSON(t, srv.URL+"/series", map[string]any{
		"captureId": "ghost", "path": []string{"p", "hp"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown capture status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/series", map[string]any{"captureId": "cap"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing path status = %d, want 400", resp.StatusCode)
	}
}

// TestSeriesBatchEndpoint tests POST /series/batch across multiple paths.
func TestSeriesBatchEndpoint(t *testing.T) {
	eng, srv := startServer(t)
	path := writeCapture(t,
		`{"tick":1,"entities":{"p":{"hp":10,"mana":1}}}`,
		`{"tick":2,"entities":{"p":{"hp":20,"mana":2}}}`,
	)
	startLive(t, eng, path, "cap")

	resp := postJSON(t, srv.URL+"/series/batch", map[string]any{
		"captureId": "cap",
		"paths":     [][]string{{"p", "hp"}, {"p", "mana"}, {"p", "missing"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Series []series.Result `json:"series"`
	}
	decodeBody(t, resp, &body)
	if len(body.Series) != 3 {
		t.Fatalf("got %d series, want 3", len(body.Series))
	}
	if len(body.Series[0].Points) != 2 || len(body.Series[1].Points) != 2 {
		t.Errorf("series points = %d/%d, want 2/2", len(body.Series[0].Points), len(body.Series[1].Points))
	}
	if len(body.Series[2].Points) != 0 {
		t.Errorf("missing path produced points: %+v", body.Series[2].Points)
	}
}

// TestLiveEndpoints tests /live/start, /live/status, and /live/stop.
func TestLiveEndpoints(t *testing.T) {
	eng, srv := startServer(t)
	path := writeCapture(t, `{"tick":1,"entities":{"p":{"hp":10}}}`)

	resp := postJSON(t, srv.URL+"/live/start", map[string]any{
		"source": path, "captureId": "cap", "pollIntervalMs": 10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live/start status = %d", resp.StatusCode)
	}
	var meta capture.Capture
	decodeBody(t, resp, &meta)
	if meta.ID != "cap" || !meta.Live() {
		t.Errorf("live/start meta = %+v", meta)
	}

	// Unreachable sources are refused up front.
	resp = postJSON(t, srv.URL+"/live/start", map[string]any{
		"source": filepath.Join(t.TempDir(), "missing.jsonl"),
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("unreachable source status = %d, want 502", resp.StatusCode)
	}

	statusResp, err := http.Get(srv.URL + "/live/status")
	if err != nil {
		t.Fatal(err)
	}
	defer statusResp.Body.Close()
	var status protocol.StateUpdate
	decodeBody(t, statusResp, &status)
	if len(status.Captures) != 1 || len(status.Streams) != 1 {
		t.Errorf("status = %d captures, %d streams, want 1/1", len(status.Captures), len(status.Streams))
	}

	resp = postJSON(t, srv.URL+"/live/stop", map[string]any{"captureId": "cap"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live/stop status = %d", resp.StatusCode)
	}
	if states := eng.Poll().States(); len(states) != 0 {
		t.Errorf("streams after stop: %+v", states)
	}
}

// TestSourceCheckEndpoint tests POST /source/check for reachable and
// unreachable sources.
func TestSourceCheckEndpoint(t *testing.T) {
	_, srv := startServer(t)
	path := writeCapture(t, `{"tick":1,"entities":{}}`)

	var body struct {
		Reachable bool   `json:"reachable"`
		Error     string `json:"error"`
	}

	resp := postJSON(t, srv.URL+"/source/check", map[string]any{"source": path})
	decodeBody(t, resp, &body)
	if !body.Reachable {
		t.Errorf("existing file reported unreachable: %s", body.Error)
	}

	resp = postJSON(t, srv.URL+"/source/check", map[string]any{"source": path + ".nope"})
	decodeBody(t, resp, &body)
	if body.Reachable || body.Error == "" {
		t.Errorf("missing file reported reachable: %+v", body)
	}

	resp = postJSON(t, srv.URL+"/source/check", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty source status = %d, want 400", resp.StatusCode)
	}
}
