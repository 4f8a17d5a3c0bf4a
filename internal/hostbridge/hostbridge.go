// Package hostbridge implements the narrow seam to the host
// application's workspace/tab/notification store. The host app itself
// — its workspace model, keychain, GUI terminal surfaces, settings UI
// — is deliberately out of scope; this package only defines the
// interface the rest of the server talks to and a fake implementation
// for tests and standalone runs.
package hostbridge

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cmux/cmux-remote/internal/model"
)

// Host is the external collaborator: a narrow read-only snapshot plus
// one command entry point. Real embedding wires this to the macOS
// app's main-thread state; the FakeHost in this package stands in for
// tests and for running the server outside the host app.
type Host interface {
	// Snapshot returns the current workspace list. Snapshot and
	// RecentNotifications are called from request goroutines;
	// implementations bridge to their own thread confinement internally
	// and return copies.
	Snapshot() []model.Workspace
	// RecentNotifications returns up to limit most recent notifications.
	RecentNotifications(limit int) []model.Notification
	// StateDir returns the directory scanned by GET /api/cc/sessions.
	StateDir() string
	// HandleBridgeCommand is the host's single command-dispatch entry
	// point. It must only be invoked on the UI-affine thread; completion
	// is called exactly once.
	HandleBridgeCommand(cmd string, completion func(reply string))
}

// Executor models the UI-affine thread: every access to host state is
// marshalled onto it. Run schedules fn and returns immediately; fn
// itself runs serially with every other scheduled closure.
type Executor interface {
	Run(fn func())
}

// SerialExecutor is the default Executor: a single goroutine draining
// a work queue, so all host-state access happens on one logical
// thread without the caller ever blocking on it directly. Stop ends
// the goroutine deterministically.
type SerialExecutor struct {
	jobs   chan func()
	done   chan struct{}
	logger *slog.Logger
}

func NewSerialExecutor(logger *slog.Logger) *SerialExecutor {
	e := &SerialExecutor{
		jobs:   make(chan func(), 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go e.loop()
	return e
}

func (e *SerialExecutor) loop() {
	for {
		select {
		case fn := <-e.jobs:
			e.runSafely(fn)
		case <-e.done:
			return
		}
	}
}

func (e *SerialExecutor) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("host executor job panicked", "panic", r)
		}
	}()
	fn()
}

func (e *SerialExecutor) Run(fn func()) {
	select {
	case e.jobs <- fn:
	case <-e.done:
	}
}

func (e *SerialExecutor) Stop() {
	close(e.done)
}

// Bridge implements the Command Bridge: it schedules a call to
// the host's HandleBridgeCommand on the Executor and waits, with a
// fixed timeout, for the completion callback.
type Bridge struct {
	host    Host
	exec    Executor
	timeout time.Duration
	logger  *slog.Logger
}

const defaultBridgeTimeout = 10 * time.Second

func New(host Host, exec Executor, logger *slog.Logger) *Bridge {
	return &Bridge{host: host, exec: exec, timeout: defaultBridgeTimeout, logger: logger}
}

// Dispatch runs cmd through the host and returns the structured reply
// described in decoding rules. It never returns nil.
func (b *Bridge) Dispatch(cmd string) map[string]any {
	replyCh := make(chan string, 1)
	b.exec.Run(func() {
		b.host.HandleBridgeCommand(cmd, func(reply string) {
			select {
			case replyCh <- reply:
			default:
				// completion invoked more than once; ignore the extra call
			}
		})
	})

	select {
	case reply := <-replyCh:
		return decodeReply(reply)
	case <-time.After(b.timeout):
		b.logger.Debug("bridge command timed out", "cmd", truncate(cmd, 200))
		return map[string]any{"ok": false, "error": "Command timed out"}
	}
}

// DispatchWithID is the WebSocket variant: the outbound reply
// MUST echo the inbound id via structured JSON construction, never
// string concatenation, so a reply containing quotes or backslashes
// can't corrupt the envelope.
func (b *Bridge) DispatchWithID(cmd string, id json.RawMessage) map[string]any {
	reply := b.Dispatch(cmd)
	if len(id) > 0 {
		var idVal any
		if err := json.Unmarshal(id, &idVal); err == nil {
			reply["id"] = idVal
		}
	}
	return reply
}

// decodeReply implements decoding rules: a JSON object reply is
// passed through, an empty reply becomes {ok:true}, anything else is
// wrapped as {ok:true, result:<raw string>}.
func decodeReply(reply string) map[string]any {
	if reply == "" {
		return map[string]any{"ok": true}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(reply), &obj); err == nil && obj != nil {
		return obj
	}
	// non-object JSON ("null", a bare number) and plain text both land here
	return map[string]any{"ok": true, "result": reply}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
