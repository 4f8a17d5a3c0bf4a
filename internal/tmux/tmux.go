// Package tmux implements the Tmux Coordinator: naming,
// create-or-attach command construction, enumeration, and teardown of
// the tmux sessions that mirror a host panel between a native terminal
// surface and a remote browser tab.
package tmux

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// hexDigits extracts the first n hex digits from panelID, in order.
// Panel ids are expected to be UUIDs or other hex-derived strings; if
// too few hex characters are present, the shortfall is padded from a
// SHA-1 of the full id so the resulting name is still deterministic
// and collision-resistant.
func hexDigits(panelID string, n int) string {
	var b strings.Builder
	for _, r := range panelID {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
		if b.Len() >= n {
			break
		}
	}
	digits := strings.ToLower(b.String())
	if len(digits) >= n {
		return digits[:n]
	}
	sum := sha1.Sum([]byte(panelID))
	return (digits + hex.EncodeToString(sum[:]))[:n]
}

// sessionPrefix marks ownership: sessions without it are never
// enumerated, killed, or listed by this coordinator.
const sessionPrefix = "at-"

// candidateBinaryPaths is probed homebrew-first; New falls back to a
// PATH-search sentinel if none exist.
var candidateBinaryPaths = []string{
	"/opt/homebrew/bin/tmux",
	"/usr/local/bin/tmux",
	"/usr/bin/tmux",
}

// Coordinator resolves the tmux binary once at startup and keeps the
// panelId → tmuxName registry so a panel keeps mirroring the same
// session across reconnects.
type Coordinator struct {
	binPath string

	mu       sync.Mutex
	registry map[string]string // panelId -> tmuxName
}

// New resolves the tmux binary path by probing candidateBinaryPaths in
// order, falling back to a bare "tmux" (resolved via PATH at exec time)
// if none are executable.
func New() *Coordinator {
	bin := "tmux"
	for _, p := range candidateBinaryPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			bin = p
			break
		}
	}
	return &Coordinator{binPath: bin, registry: make(map[string]string)}
}

func (c *Coordinator) cmd(args ...string) *exec.Cmd {
	return exec.Command(c.binPath, args...)
}

// BinPath returns the resolved tmux binary path, for callers (the PTY
// Manager) that need to exec tmux themselves for an attach.
func (c *Coordinator) BinPath() string {
	return c.binPath
}

// SessionName returns the deterministic name for panelId: with
// a title, a slugified-and-truncated form of it suffixed with the
// first 4 hex chars of panelId; without one, "at-" + the first 8 hex
// chars of panelId.
func SessionName(panelID, title string) string {
	if title == "" {
		return sessionPrefix + hexDigits(panelID, 8)
	}
	return sessionPrefix + slugify(title, 30) + "-" + hexDigits(panelID, 4)
}

func slugify(s string, maxLen int) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case r == '.' || r == ':':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

// NameFor returns the registered tmux name for panelID, generating and
// registering one (via title, which may be empty) if none exists yet —
// this preserves mirroring across a restart, since SessionName is
// deterministic from panelID alone.
func (c *Coordinator) NameFor(panelID, title string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.registry[panelID]; ok {
		return name
	}
	name := SessionName(panelID, title)
	c.registry[panelID] = name
	return name
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildCreateOrAttachCommand yields the shell command string a PTY
// spawn should exec to attach-or-create the panel's tmux session.
// dir and title are both optional.
func (c *Coordinator) BuildCreateOrAttachCommand(panelID, dir, title string) string {
	name := c.NameFor(panelID, title)

	var b strings.Builder
	b.WriteString(c.binPath)
	b.WriteString(" -u") // UTF-8
	b.WriteString(" new-session -A -s ")
	b.WriteString(shellQuote(name))
	if dir != "" {
		b.WriteString(" -c ")
		b.WriteString(shellQuote(dir))
	}
	// disable the status bar: the host surface provides its own chrome
	b.WriteString(" \\; set-option status off")
	// surface the panel identity to the shell and to tmux itself
	b.WriteString(" \\; setenv CMUX_SURFACE_ID ")
	b.WriteString(shellQuote(panelID))
	b.WriteString(" \\; setenv CMUX_PANEL_ID ")
	b.WriteString(shellQuote(panelID))
	b.WriteString(" \\; send-keys ")
	b.WriteString(shellQuote(fmt.Sprintf("export CMUX_SURFACE_ID=%s CMUX_PANEL_ID=%s; clear", panelID, panelID)))
	b.WriteString(" Enter")

	return b.String()
}

// BuildAttachCommand returns the pure-attach command for an existing
// session, with TERM and UTF-8 set explicitly.
func (c *Coordinator) BuildAttachCommand(name string) string {
	var b strings.Builder
	b.WriteString("TERM=xterm-256color ")
	b.WriteString(c.binPath)
	b.WriteString(" -u attach-session -t ")
	b.WriteString(shellQuote(name))
	return b.String()
}

// ListActiveSessions enumerates tmux sessions owned by this
// coordinator (name prefixed sessionPrefix). A non-zero tmux exit
// (no server running) yields an empty list, not an error.
func (c *Coordinator) ListActiveSessions() []TmuxSessionRaw {
	format := "#{session_name}\t#{session_created}\t#{session_windows}\t#{session_attached}\t#{pane_current_path}"
	out, err := c.cmd("list-sessions", "-F", format).Output()
	if err != nil {
		return nil
	}

	var sessions []TmuxSessionRaw
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 || !strings.HasPrefix(fields[0], sessionPrefix) {
			continue
		}
		windows, _ := strconv.Atoi(fields[2])
		attached, _ := strconv.Atoi(fields[3])
		sessions = append(sessions, TmuxSessionRaw{
			Name:            fields[0],
			CreatedUnix:     fields[1],
			WindowCount:     windows,
			AttachedClients: attached,
			CurrentPath:     fields[4],
		})
	}
	return sessions
}

// SessionExists reports whether name is a live tmux session.
func (c *Coordinator) SessionExists(name string) bool {
	return c.cmd("has-session", "-t", name).Run() == nil
}

// KillSession kills one tmux session. Only sessions carrying the
// ownership prefix may be killed through this coordinator.
func (c *Coordinator) KillSession(name string) error {
	if !strings.HasPrefix(name, sessionPrefix) {
		return fmt.Errorf("tmux session %q is not owned by this coordinator", name)
	}
	if err := c.cmd("kill-session", "-t", name).Run(); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", name, err)
	}
	return nil
}

// KillAllSessions kills every session owned by this coordinator.
func (c *Coordinator) KillAllSessions() int {
	killed := 0
	for _, s := range c.ListActiveSessions() {
		if c.KillSession(s.Name) == nil {
			killed++
		}
	}
	return killed
}

// TmuxSessionRaw mirrors model.TmuxSession's shape before unix-time
// to ISO-8601 conversion; the HTTP layer and the broadcaster each
// convert CreatedUnix before serializing.
type TmuxSessionRaw struct {
	Name            string
	CreatedUnix     string
	WindowCount     int
	AttachedClients int
	CurrentPath     string
}
