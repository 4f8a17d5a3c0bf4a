// Package pty implements one forked shell (or tmux attach) behind one
// file descriptor, and the registry/reattach/reaper machinery around it.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	ptylib "github.com/creack/pty/v2"
	"github.com/google/uuid"
)

// ErrSpawnFailed is returned when the fork/exec path for a new PTY
// session fails (bad directory, exec failure).
var ErrSpawnFailed = errors.New("pty: spawn failed")

// pumpPollInterval bounds how long a single ptmx.Read blocks: the
// read pump refreshes this deadline on every iteration so it wakes
// and observes context cancellation even while the child is idle.
// Cancelling the context alone cannot interrupt a read already
// parked in the kernel.
const pumpPollInterval = 250 * time.Millisecond

// pumpDrainTimeout bounds how long Detach/Terminate wait for the read
// pump to exit. SetReadDeadline should wake the pump well within this
// window; the timeout exists only as a backstop for a master fd whose
// platform doesn't honor deadlines, so Detach/Terminate can never hang
// forever on an idle session.
const pumpDrainTimeout = 3 * time.Second

// ClientHandle is the identity and output sink for a WebSocket
// connection attached to a terminal session. The handle's identity IS
// the connection object; implementations must be
// comparable, since handles are used as map keys by Manager.
type ClientHandle interface {
	// WriteText sends one text frame. A Session serializes its own
	// writes to a given handle via the read pump goroutine.
	WriteText(data []byte) error
}

// Session is one pseudo-terminal: a forked shell or a tmux attach,
// with at most one attached client at a time.
type Session struct {
	ID         string
	WorkingDir string
	TmuxName   string // empty unless this session wraps a tmux attach

	logger *slog.Logger

	mu                 sync.Mutex
	ptmx               *os.File
	cmd                *exec.Cmd
	attached           ClientHandle
	lastDisconnectedAt time.Time
	terminated         bool
	draining           bool // a prior read pump is still being joined; not yet safe to reattach
	cols, rows         uint16

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// spawn forks a shell (or attaches to an existing tmux session named
// tmuxName) behind a new PTY.
func spawn(workingDir string, cols, rows uint16, tmuxName, tmuxBinPath string, logger *slog.Logger) (*Session, error) {
	var cmd *exec.Cmd
	if tmuxName != "" {
		cmd = exec.Command(tmuxBinPath, "attach-session", "-t", tmuxName)
	} else {
		shell := loginShellPath()
		cmd = exec.Command(shell)
		// argv[0] starts with "-" to mark it a login shell, matching a
		// real login terminal's environment setup (profile/rc sourcing).
		cmd.Args = []string{"-" + baseName(shell)}
	}
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
	)

	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	return &Session{
		ID:         uuid.NewString(),
		WorkingDir: workingDir,
		TmuxName:   tmuxName,
		logger:     logger,
		ptmx:       ptmx,
		cmd:        cmd,
		cols:       cols,
		rows:       rows,
	}, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// loginShellPath resolves the invoking user's shell from the user
// database, falling back to $SHELL and then /bin/zsh (the
// macOS default) if no passwd entry is found.
func loginShellPath() string {
	if u, err := user.Current(); err == nil {
		if shell := shellFromPasswd(u.Username); shell != "" {
			return shell
		}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/zsh"
}

// shellFromPasswd scans /etc/passwd for username's login shell field.
// Returns "" if the file is unreadable or the user has no entry.
func shellFromPasswd(username string) string {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return ""
	}
	for _, line := range splitLines(data) {
		fields := splitColon(line)
		if len(fields) == 7 && fields[0] == username {
			return fields[6]
		}
	}
	return ""
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func splitColon(line string) []string {
	var fields []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	fields = append(fields, line[start:])
	return fields
}

// Attach binds client to this session, clears any disconnected
// timestamp, and starts a fresh read pump. It is used both for a
// brand-new session and, indirectly via Manager, for reattach.
func (s *Session) Attach(client ClientHandle) {
	s.mu.Lock()
	s.attached = client
	s.lastDisconnectedAt = time.Time{}
	ctx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel
	done := make(chan struct{})
	s.pumpDone = done
	ptmx := s.ptmx
	s.mu.Unlock()

	go s.readPump(ctx, done, ptmx, client)
}

// readPump is the background worker tied to the fd: it never retains
// the Manager, and it stops when the context is cancelled or the fd
// reaches EOF/a hard error. Each Read is given a short deadline so an
// idle child (no output, context cancelled) doesn't park the
// goroutine in the kernel forever.
func (s *Session) readPump(ctx context.Context, done chan struct{}, ptmx *os.File, client ClientHandle) {
	defer close(done)

	buf := make([]byte, 16*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = ptmx.SetReadDeadline(time.Now().Add(pumpPollInterval))
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.emit(client, buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if err == io.EOF {
				_ = client.WriteText([]byte("\r\n[Process exited]\r\n"))
				return
			}
			s.logger.Debug("pty read error", "id", s.ID, "err", err)
			_ = client.WriteText([]byte("\r\n[Process exited]\r\n"))
			return
		}
	}
}

// awaitPumpDone waits for a read pump to exit, bounded by
// pumpDrainTimeout so a platform that ignores SetReadDeadline on this
// fd type can never hang the caller forever.
func (s *Session) awaitPumpDone(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(pumpDrainTimeout):
		s.logger.Warn("pty read pump did not exit in time", "id", s.ID)
	}
}

// emit decodes a PTY read as UTF-8 when possible; on decode failure it
// falls back to sending each byte as its Latin-1 code point so no
// bytes are lost.
func (s *Session) emit(client ClientHandle, data []byte) {
	if utf8.Valid(data) {
		_ = client.WriteText(data)
		return
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	_ = client.WriteText([]byte(string(runes)))
}

// Write sends text to the child. Short writes are not retried — shell
// input is small and this is best-effort.
func (s *Session) Write(text []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return errors.New("pty: session has no master fd")
	}
	_, err := ptmx.Write(text)
	return err
}

// Resize issues the terminal window-size change on the master fd.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return ptylib.Setsize(ptmx, &ptylib.Winsize{Rows: rows, Cols: cols})
}

// Detach stops the read pump without closing the fd, clears the
// client handle, and records the disconnect time for the reaper. It
// marks the session "draining" until the old pump has actually
// exited (or the drain timeout gives up), so a concurrent reattach
// can't start a second pump on the same fd while the first is still
// alive — IsOrphaned reports false for the duration.
func (s *Session) Detach() {
	s.mu.Lock()
	cancel := s.pumpCancel
	done := s.pumpDone
	hadPump := done != nil
	s.attached = nil
	s.lastDisconnectedAt = time.Now()
	s.pumpCancel = nil
	s.pumpDone = nil
	if hadPump {
		s.draining = true
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.awaitPumpDone(done)

	if hadPump {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}
}

// Reattach stops the current pump (without closing the fd), binds a
// new client, clears the disconnected timestamp, and starts a new
// pump. Any output produced between Detach and Reattach is lost by
// design — the client-side terminal emulator is authoritative.
func (s *Session) Reattach(client ClientHandle) {
	s.Detach()
	s.Attach(client)
}

// IsOrphaned reports whether the session has no attached client, has
// not been terminated, and isn't mid-Detach waiting for its previous
// read pump to exit.
func (s *Session) IsOrphaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached == nil && !s.terminated && !s.draining
}

// LastDisconnectedAt returns the zero Time if the session is attached
// or was never disconnected.
func (s *Session) LastDisconnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDisconnectedAt
}

// Terminated reports whether Terminate has completed.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Terminate is idempotent: it marks the session terminated, closes
// the master fd exactly once (which is what actually unblocks a pump
// parked in a kernel-level Read — cancelling the context alone cannot
// interrupt one already in flight), then joins the pump, signals the
// child, and reaps it. Reaping is asynchronous so Terminate never
// blocks on it.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	cancel := s.pumpCancel
	done := s.pumpDone
	ptmx := s.ptmx
	cmd := s.cmd
	s.attached = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
	s.awaitPumpDone(done)
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGHUP)
	}
	if cmd != nil {
		go func() {
			_ = cmd.Wait()
		}()
	}
}
