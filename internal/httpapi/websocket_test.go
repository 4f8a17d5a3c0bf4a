package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func dialWS(t *testing.T, srv *Server, path string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readJSONFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("frame %q is not JSON: %v", data, err)
	}
	return decoded
}

func writeText(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestTerminalChannelRejectsUnknownFirstMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/terminal")

	writeText(t, conn, `{"type":"input","data":"ls\n"}`)

	reply := readJSONFrame(t, conn)
	if reply["error"] != "Expected init or reconnect message" {
		t.Fatalf("reply = %v, want the init-or-reconnect error", reply)
	}
}

func TestTerminalChannelRejectsUnparsableFirstMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/terminal")

	writeText(t, conn, "not json at all")

	reply := readJSONFrame(t, conn)
	if reply["error"] != "Expected init or reconnect message" {
		t.Fatalf("reply = %v, want the init-or-reconnect error", reply)
	}
}

func TestTerminalChannelReconnectUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/terminal")

	writeText(t, conn, `{"type":"reconnect","sessionId":"no-such-session"}`)

	reply := readJSONFrame(t, conn)
	if reply["type"] != "reconnect_failed" {
		t.Fatalf("reply = %v, want reconnect_failed", reply)
	}
}

// After a failed reconnect the connection stays in its initial state:
// a second, valid-looking attempt is still answered rather than being
// treated as raw input.
func TestTerminalChannelStaysUnattachedAfterFailedReconnect(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/terminal")

	writeText(t, conn, `{"type":"reconnect","sessionId":"nope-1"}`)
	if reply := readJSONFrame(t, conn); reply["type"] != "reconnect_failed" {
		t.Fatalf("first reply = %v, want reconnect_failed", reply)
	}

	writeText(t, conn, `{"type":"reconnect","sessionId":"nope-2"}`)
	if reply := readJSONFrame(t, conn); reply["type"] != "reconnect_failed" {
		t.Fatalf("second reply = %v, want reconnect_failed", reply)
	}
}

func TestStateChannelCommandEchoesID(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws")

	writeText(t, conn, `{"jsonrpc":"2.0","method":"ping","id":42}`)

	reply := readJSONFrame(t, conn)
	if reply["id"] != float64(42) {
		t.Fatalf("reply id = %v, want 42 echoed back", reply["id"])
	}
	if reply["ok"] != true {
		t.Fatalf("reply = %v, want ok:true from the fake host's ping", reply)
	}
}

func TestStateChannelUnknownMethodStillCorrelates(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws")

	writeText(t, conn, `{"method":"does.not.exist","id":"req-9"}`)

	reply := readJSONFrame(t, conn)
	if reply["id"] != "req-9" {
		t.Fatalf("reply id = %v, want req-9", reply["id"])
	}
	if reply["ok"] != false {
		t.Fatalf("reply = %v, want ok:false for an unknown method", reply)
	}
}

func TestStateChannelRegistersWithBroadcaster(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.broadcaster.ConnectedClients() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.broadcaster.ConnectedClients(); got != 1 {
		t.Fatalf("ConnectedClients() = %d, want 1 while the socket is open", got)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.broadcaster.ConnectedClients() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.broadcaster.ConnectedClients(); got != 0 {
		t.Fatalf("ConnectedClients() = %d, want 0 after close", got)
	}
}
