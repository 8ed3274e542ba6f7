package control

import (
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

	"github.com/coder/websocket"

	"github.com/tickscope/tickscope/internal/engine"
	"github.com/tickscope/tickscope/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startHub(t *testing.T) (*engine.Engine, *Hub, string) {
	t.Helper()
	eng := engine.New(engine.Config{}, testLogger(), nil)
	t.Cleanup(eng.Close)

	hub := NewHub(eng, testLogger(), nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	return eng, hub, "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendCmd(t *testing.T, conn *websocket.Conn, cmdType, requestID string, payload any) {
	t.Helper()
	env, err := protocol.Encode(cmdType, requestID, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads envelopes until match returns true, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if match(env) {
			return env
		}
	}
}

func register(t *testing.T, conn *websocket.Conn, instanceID string, takeover bool) {
	t.Helper()
	sendCmd(t, conn, protocol.CmdRegister, "r1", protocol.Register{
		Role: "frontend", InstanceID: instanceID, Takeover: takeover,
	})
	env := readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "r1" })
	if env.Type != protocol.EvtAck {
		t.Fatalf("register: expected ack, got %s: %s", env.Type, env.Payload)
	}
}

// TestRegisterFlow tests the registration handshake: ack, then state_sync.
func TestRegisterFlow(t *testing.T) {
	_, _, url := startHub(t)
	conn := dial(t, url)

	sendCmd(t, conn, protocol.CmdRegister, "r1", protocol.Register{Role: "frontend", InstanceID: "a"})

	ack := readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "r1" })
	if ack.Type != protocol.EvtAck {
		t.Fatalf("expected ack, got %s", ack.Type)
	}
	sync := readUntil(t, conn, func(e protocol.Envelope) bool { return e.Type == protocol.EvtStateSync })
	var p protocol.StateSync
	if err := json.Unmarshal(sync.Payload, &p); err != nil {
		t.Fatalf("bad state_sync payload: %v", err)
	}
	if len(p.Captures) != 0 {
		t.Errorf("fresh engine should sync no captures, got %d", len(p.Captures))
	}
}

// TestRegisterValidation tests role/instance checks and the not-registered
// guard on other commands.
func TestRegisterValidation(t *testing.T) {
	_, _, url := startHub(t)

	// Commands before registration are rejected.
	conn := dial(t, url)
	sendCmd(t, conn, protocol.CmdClearCaptures, "c1", nil)
	env := readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "c1" })
	if env.Type != protocol.EvtError {
		t.Fatalf("expected error before registration, got %s", env.Type)
	}

	// Wrong role.
	sendCmd(t, conn, protocol.CmdRegister, "r1", protocol.Register{Role: "backend", InstanceID: "a"})
	env = readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "r1" })
	if env.Type != protocol.EvtError {
		t.Fatalf("expected error for wrong role, got %s", env.Type)
	}

	// Missing instance ID.
	sendCmd(t, conn, protocol.CmdRegister, "r2", protocol.Register{Role: "frontend"})
	env = readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "r2" })
	if env.Type != protocol.EvtError {
		t.Fatalf("expected error for missing instance id, got %s", env.Type)
	}
}

// TestBusyAndTakeover tests the single-controller slot: a second register
// without takeover is closed with the busy code; with takeover, the first
// controller is evicted with the replaced code.
func TestBusyAndTakeover(t *testing.T) {
	_, _, url := startHub(t)

	connA := dial(t, url)
	register(t, connA, "a", false)

	// B without takeover: refused with CloseBusy.
	connB := dial(t, url)
	sendCmd(t, connB, protocol.CmdRegister, "r1", protocol.Register{Role: "frontend", InstanceID: "b"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := connB.Read(ctx)
	if websocket.CloseStatus(err) != protocol.CloseBusy {
		t.Fatalf("expected close %d, got %v", protocol.CloseBusy, err)
	}

	// C with takeover: granted, and A is evicted with CloseReplaced.
	connC := dial(t, url)
	register(t, connC, "c", true)

	for {
		ctxA, cancelA := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err = connA.Read(ctxA)
		cancelA()
		if err != nil {
			break
		}
	}
	if websocket.CloseStatus(err) != protocol.CloseReplaced {
		t.Fatalf("expected close %d, got %v", protocol.CloseReplaced, err)
	}
}

// TestCommandDispatch drives live_start, select_metric, and
// get_series_window through a registered session.
func TestCommandDispatch(t *testing.T) {
	_, _, url := startHub(t)

	path := filepath.Join(t.TempDir(), "sim.jsonl")
	content := `{"tick":1,"entities":{"p":{"hp":10}}}` + "\n" + `{"tick":2,"entities":{"p":{"hp":20}}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, url)
	register(t, conn, "a", false)

	sendCmd(t, conn, protocol.CmdLiveStart, "q1", protocol.LiveStart{Source: path, CaptureID: "cap", PollIntervalMs: 10})
	env := readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "q1" })
	if env.Type != protocol.EvtAck {
		t.Fatalf("live_start: expected ack, got %s: %s", env.Type, env.Payload)
	}

	// The stream connects and announces the capture.
	readUntil(t, conn, func(e protocol.Envelope) bool { return e.Type == protocol.EvtCaptureInit })

	sendCmd(t, conn, protocol.CmdSelectMetric, "q2", protocol.SelectMetric{CaptureID: "cap", Path: []string{"p", "hp"}})
	env = readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "q2" })
	if env.Type != protocol.EvtAck {
		t.Fatalf("select_metric: expected ack, got %s: %s", env.Type, env.Payload)
	}

	// Series queries answer on the ack with the windowed series.
	var win protocol.SeriesWindow
	for {
		sendCmd(t, conn, protocol.CmdGetSeriesWindow, "q3", protocol.GetSeriesWindow{
			CaptureID: "cap", Path: []string{"p", "hp"}, PreferCache: true,
		})
		env = readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "q3" })
		if env.Type != protocol.EvtAck {
			t.Fatalf("get_series_window: expected ack, got %s: %s", env.Type, env.Payload)
		}
		var ack struct {
			Payload protocol.SeriesWindow `json:"payload"`
		}
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			t.Fatalf("bad ack payload: %v", err)
		}
		win = ack.Payload
		if len(win.Series.Points) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if win.FullPath != "p.hp" || win.Series.Points[1].Value != 20 {
		t.Fatalf("unexpected series window: %+v", win)
	}

	// Unknown capture: error, connection stays usable.
	sendCmd(t, conn, protocol.CmdRemoveCapture, "q4", protocol.CaptureRef{CaptureID: "ghost"})
	env = readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "q4" })
	if env.Type != protocol.EvtError {
		t.Fatalf("expected error for unknown capture, got %s", env.Type)
	}

	sendCmd(t, conn, protocol.CmdRemoveCapture, "q5", protocol.CaptureRef{CaptureID: "cap"})
	env = readUntil(t, conn, func(e protocol.Envelope) bool { return e.RequestID == "q5" })
	if env.Type != protocol.EvtAck {
		t.Fatalf("remove_capture: expected ack, got %s: %s", env.Type, env.Payload)
	}
}

// TestEventBufferingAcrossReconnect tests that events published with no
// controller attached are delivered after registration.
func TestEventBufferingAcrossReconnect(t *testing.T) {
	eng, _, url := startHub(t)

	path := filepath.Join(t.TempDir(), "sim.jsonl")
	if err := os.WriteFile(path, []byte(`{"tick":1,"entities":{"p":{"hp":10}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// No controller yet: the init event lands in the buffer.
	if _, err := eng.LiveStart(context.Background(), protocol.LiveStart{Source: path, CaptureID: "cap", PollIntervalMs: 10}); err != nil {
		t.Fatalf("live start: %v", err)
	}

	conn := dial(t, url)
	register(t, conn, "late", false)

	env := readUntil(t, conn, func(e protocol.Envelope) bool { return e.Type == protocol.EvtCaptureInit })
	var p protocol.CaptureInit
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("bad capture_init payload: %v", err)
	}
	if p.Capture.ID != "cap" {
		t.Errorf("unexpected capture in buffered init: %+v", p.Capture)
	}
}
