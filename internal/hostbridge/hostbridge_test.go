package hostbridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedHost replies with a fixed string, or never calls completion
// when silent is set.
type scriptedHost struct {
	FakeHost
	reply  string
	silent bool
}

func (h *scriptedHost) HandleBridgeCommand(cmd string, completion func(reply string)) {
	if h.silent {
		return
	}
	completion(h.reply)
}

func newTestBridge(t *testing.T, host Host) *Bridge {
	t.Helper()
	exec := NewSerialExecutor(testLogger())
	t.Cleanup(exec.Stop)
	return New(host, exec, testLogger())
}

func TestDispatchPassesThroughJSONObjectReply(t *testing.T) {
	b := newTestBridge(t, &scriptedHost{reply: `{"ok":true,"workspaceId":"w1"}`})
	got := b.Dispatch(`{"method":"workspace.create"}`)
	if got["ok"] != true || got["workspaceId"] != "w1" {
		t.Fatalf("Dispatch() = %v, want the host's JSON object passed through", got)
	}
}

func TestDispatchWrapsEmptyReply(t *testing.T) {
	b := newTestBridge(t, &scriptedHost{reply: ""})
	got := b.Dispatch(`{"method":"noop"}`)
	if got["ok"] != true || len(got) != 1 {
		t.Fatalf("Dispatch() = %v, want {ok:true} for an empty reply", got)
	}
}

func TestDispatchWrapsNonJSONReply(t *testing.T) {
	b := newTestBridge(t, &scriptedHost{reply: "plain text"})
	got := b.Dispatch(`{"method":"noop"}`)
	if got["ok"] != true || got["result"] != "plain text" {
		t.Fatalf("Dispatch() = %v, want {ok:true, result:\"plain text\"}", got)
	}
}

func TestDispatchTimesOut(t *testing.T) {
	b := newTestBridge(t, &scriptedHost{silent: true})
	b.timeout = 50 * time.Millisecond

	got := b.Dispatch(`{"method":"never.replies"}`)
	if got["ok"] != false || got["error"] != "Command timed out" {
		t.Fatalf("Dispatch() = %v, want the timeout envelope", got)
	}
}

func TestDispatchWithIDEchoesID(t *testing.T) {
	b := newTestBridge(t, &scriptedHost{reply: `{"ok":true}`})

	for _, id := range []string{`42`, `"req-7"`} {
		got := b.DispatchWithID(`{"method":"noop"}`, json.RawMessage(id))
		var want any
		if err := json.Unmarshal([]byte(id), &want); err != nil {
			t.Fatalf("setup: %v", err)
		}
		if got["id"] != want {
			t.Fatalf("DispatchWithID(id=%s) reply id = %v, want %v", id, got["id"], want)
		}
	}
}

func TestDispatchWithIDNoIDLeavesReplyUntouched(t *testing.T) {
	b := newTestBridge(t, &scriptedHost{reply: `{"ok":true}`})
	got := b.DispatchWithID(`{"method":"noop"}`, nil)
	if _, present := got["id"]; present {
		t.Fatalf("DispatchWithID with no inbound id must not invent one: %v", got)
	}
}

// A reply carrying quotes, backslashes, and newlines must survive the
// correlation envelope and re-parse at the client intact.
func TestDispatchWithIDHostileReplySurvivesRoundTrip(t *testing.T) {
	hostile := "a \"quoted\" \\backslash\\ and\nnewline"
	b := newTestBridge(t, &scriptedHost{reply: hostile})

	reply := b.DispatchWithID(`{"method":"noop"}`, json.RawMessage(`"x"`))
	wire, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal correlation envelope: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("envelope does not re-parse: %v", err)
	}
	if decoded["result"] != hostile {
		t.Fatalf("result = %q, want %q preserved byte for byte", decoded["result"], hostile)
	}
	if decoded["id"] != "x" {
		t.Fatalf("id = %v, want \"x\"", decoded["id"])
	}
}

func TestDecodeReplyNullIsWrappedNotNil(t *testing.T) {
	got := decodeReply("null")
	if got == nil {
		t.Fatalf("decodeReply(\"null\") must never return a nil map")
	}
	if got["ok"] != true {
		t.Fatalf("decodeReply(\"null\") = %v, want an {ok:true,...} wrapper", got)
	}
}

func TestSerialExecutorRunsJobsInOrder(t *testing.T) {
	exec := NewSerialExecutor(testLogger())
	defer exec.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		exec.Run(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 10 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("executor did not drain its queue")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestSerialExecutorSurvivesPanic(t *testing.T) {
	exec := NewSerialExecutor(testLogger())
	defer exec.Stop()

	exec.Run(func() { panic("job went wrong") })

	recovered := make(chan struct{})
	exec.Run(func() { close(recovered) })

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatalf("executor stopped processing jobs after a panic")
	}
}

func TestFakeHostSelectWorkspace(t *testing.T) {
	host := NewFakeHost("")
	b := newTestBridge(t, host)

	created := b.Dispatch(`{"jsonrpc":"2.0","method":"workspace.create","params":{"directory":"/tmp"}}`)
	id, _ := created["workspaceId"].(string)
	if id == "" {
		t.Fatalf("workspace.create reply = %v, want a workspaceId", created)
	}

	selected := b.Dispatch(`{"jsonrpc":"2.0","method":"workspace.select","params":{"id":"` + id + `"}}`)
	if selected["ok"] != true {
		t.Fatalf("workspace.select reply = %v, want ok", selected)
	}
	ws := host.Snapshot()
	if len(ws) != 1 || !ws[0].IsSelected {
		t.Fatalf("workspace %q should be selected after the bridge round trip", id)
	}
}
