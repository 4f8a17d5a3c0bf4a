// Package broadcast implements the State Broadcaster: the
// periodic workspace/tmux snapshot fan-out, the ping timer, the
// orphan-reap timer, and immediate notification push to every
// connected state client.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cmux/cmux-remote/internal/model"
	"github.com/cmux/cmux-remote/internal/tmux"
)

// Client is a connected state WebSocket; Broadcaster only needs to
// push frames to it.
type Client interface {
	WriteText(data []byte) error
}

// WorkspaceSource is the narrow host-app seam: a workspace
// snapshot on demand.
type WorkspaceSource interface {
	Snapshot() []model.Workspace
}

// OrphanReaper is satisfied by *pty.Manager; kept as an interface here
// to avoid this package depending on the pty package for a single
// method.
type OrphanReaper interface {
	ReapOrphans() int
}

// NotificationSink receives a copy of every pushed notification, e.g.
// for Web Push delivery or durable history. Implementations must not
// block the caller for long.
type NotificationSink interface {
	Deliver(n model.Notification)
}

const (
	stateInterval      = 2 * time.Second
	pingInterval       = 30 * time.Second
	reapInterval       = 15 * time.Second
	tmuxSnapshotMaxAge = 10 * time.Second
)

// Broadcaster owns the state-client set and the three periodic
// timers. The client set is mutex-guarded rather than confined to the
// host executor: unlike workspace/notification state, it is
// server-local bookkeeping with no host-app collaborator to coordinate
// with.
type Broadcaster struct {
	host   WorkspaceSource
	tmux   *tmux.Coordinator
	reaper OrphanReaper
	sinks  []NotificationSink
	logger *slog.Logger

	mu             sync.Mutex
	clients        map[Client]struct{}
	cachedTmux     []model.TmuxSession
	tmuxRefreshed  time.Time
	tmuxRefreshing bool

	cron *cron.Cron
}

func New(host WorkspaceSource, coord *tmux.Coordinator, reaper OrphanReaper, logger *slog.Logger, sinks ...NotificationSink) *Broadcaster {
	return &Broadcaster{
		host:    host,
		tmux:    coord,
		reaper:  reaper,
		sinks:   sinks,
		logger:  logger,
		clients: make(map[Client]struct{}),
		cron:    cron.New(cron.WithSeconds()),
	}
}

// AddClient registers a newly connected /ws client.
func (b *Broadcaster) AddClient(c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

// RemoveClient drops a disconnected /ws client.
func (b *Broadcaster) RemoveClient(c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

// ConnectedClients reports how many state clients are attached, for
// GET /api/status.
func (b *Broadcaster) ConnectedClients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) snapshotClients() []Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Client, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

// Start schedules the three periodic jobs. Returns once scheduling is
// done; the cron's own goroutine runs the jobs.
func (b *Broadcaster) Start() {
	_, _ = b.cron.AddFunc("@every 2s", b.tickState)
	_, _ = b.cron.AddFunc("@every 30s", b.tickPing)
	_, _ = b.cron.AddFunc("@every 15s", b.tickReap)
	b.cron.Start()
}

// Stop ends every scheduled job deterministically.
func (b *Broadcaster) Stop() {
	ctx := b.cron.Stop()
	<-ctx.Done()
}

func (b *Broadcaster) tickState() {
	clients := b.snapshotClients()
	if len(clients) == 0 {
		return
	}

	b.maybeRefreshTmuxSnapshot()

	msg := struct {
		Type         string              `json:"type"`
		Data         []model.Workspace   `json:"data"`
		TmuxSessions []model.TmuxSession `json:"tmuxSessions"`
	}{
		Type:         "state",
		Data:         b.host.Snapshot(),
		TmuxSessions: b.tmuxSnapshot(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshal state broadcast", "err", err)
		return
	}

	// dispatched on a background worker so a slow socket never blocks
	// the next tick.
	go b.fanOut(clients, payload)
}

func (b *Broadcaster) tickPing() {
	clients := b.snapshotClients()
	if len(clients) == 0 {
		return
	}
	payload, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "ping"})
	go b.fanOut(clients, payload)
}

func (b *Broadcaster) tickReap() {
	if b.reaper == nil {
		return
	}
	go func() {
		n := b.reaper.ReapOrphans()
		if n > 0 {
			b.logger.Info("reaped orphaned pty sessions", "count", n)
		}
	}()
}

func (b *Broadcaster) fanOut(clients []Client, payload []byte) {
	for _, c := range clients {
		if err := c.WriteText(payload); err != nil {
			b.logger.Debug("state broadcast write failed", "err", err)
		}
	}
}

// PushNotification fans a host-delivered notification out to every
// connected state client immediately, and hands a copy to each
// registered sink (Web Push, durable history). It is NOT buffered for
// clients that connect later.
func (b *Broadcaster) PushNotification(n model.Notification) {
	clients := b.snapshotClients()
	msg := struct {
		model.Notification
		Type string `json:"type"`
	}{Notification: n, Type: "notification"}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshal notification", "err", err)
		return
	}
	go b.fanOut(clients, payload)

	for _, sink := range b.sinks {
		go sink.Deliver(n)
	}
}

func (b *Broadcaster) maybeRefreshTmuxSnapshot() {
	b.mu.Lock()
	stale := time.Since(b.tmuxRefreshed) >= tmuxSnapshotMaxAge
	already := b.tmuxRefreshing
	if stale && !already {
		b.tmuxRefreshing = true
	}
	b.mu.Unlock()

	if !stale || already {
		return
	}

	go func() {
		raw := b.tmux.ListActiveSessions()
		converted := make([]model.TmuxSession, 0, len(raw))
		for _, s := range raw {
			converted = append(converted, model.TmuxSession{
				Name:            s.Name,
				Created:         unixStringToISO8601(s.CreatedUnix),
				WindowCount:     s.WindowCount,
				AttachedClients: s.AttachedClients,
				CurrentPath:     s.CurrentPath,
			})
		}

		b.mu.Lock()
		b.cachedTmux = converted
		b.tmuxRefreshed = time.Now()
		b.tmuxRefreshing = false
		b.mu.Unlock()
	}()
}

func (b *Broadcaster) tmuxSnapshot() []model.TmuxSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.TmuxSession, len(b.cachedTmux))
	copy(out, b.cachedTmux)
	return out
}

func unixStringToISO8601(s string) string {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}
	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}
