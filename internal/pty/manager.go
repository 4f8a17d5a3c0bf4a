package pty

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultGraceSeconds is the orphan grace period before ReapOrphans
// unconditionally terminates a session.
const DefaultGraceSeconds = 60 * time.Second

// Manager is the process-wide PTY session registry: a
// sessionId → Session map and a clientHandle → sessionId map, both
// guarded by one mutex. terminate/attach/reattach are always invoked
// outside the lock.
type Manager struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byClient map[ClientHandle]string

	tmuxBinPath  string
	GraceSeconds time.Duration
	logger       *slog.Logger
}

func NewManager(tmuxBinPath string, logger *slog.Logger) *Manager {
	return &Manager{
		byID:         make(map[string]*Session),
		byClient:     make(map[ClientHandle]string),
		tmuxBinPath:  tmuxBinPath,
		GraceSeconds: DefaultGraceSeconds,
		logger:       logger,
	}
}

// CreateFor validates dir, spawns a new session, registers it under
// both maps, and attaches client to it.
func (m *Manager) CreateFor(client ClientHandle, dir string, cols, rows uint16, tmuxName string) (*Session, error) {
	dir = validateDir(dir)

	s, err := spawn(dir, cols, rows, tmuxName, m.tmuxBinPath, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.byID[s.ID] = s
	m.byClient[client] = s.ID
	m.mu.Unlock()

	s.Attach(client)
	return s, nil
}

func validateDir(dir string) string {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

// SessionFor returns the session currently attached to client, or nil.
func (m *Manager) SessionFor(client ClientHandle) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[client]
	if !ok {
		return nil
	}
	return m.byID[id]
}

// Detach removes the client→id mapping and detaches the session,
// which remains in the id→session map as an orphan.
func (m *Manager) Detach(client ClientHandle) {
	m.mu.Lock()
	id, ok := m.byClient[client]
	if ok {
		delete(m.byClient, client)
	}
	var s *Session
	if ok {
		s = m.byID[id]
	}
	m.mu.Unlock()

	if s != nil {
		s.Detach()
	}
}

// Remove detaches and fully terminates the session, removing it from
// the id→session map.
func (m *Manager) Remove(client ClientHandle) {
	m.mu.Lock()
	id, ok := m.byClient[client]
	var s *Session
	if ok {
		delete(m.byClient, client)
		s = m.byID[id]
		delete(m.byID, id)
	}
	m.mu.Unlock()

	if s != nil {
		s.Terminate()
	}
}

// FindOrphanByID returns the session iff it exists and is orphaned.
func (m *Manager) FindOrphanByID(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || !s.IsOrphaned() {
		return nil
	}
	return s
}

// FindOrphansByDir returns every orphan whose working directory
// matches dir.
func (m *Manager) FindOrphansByDir(dir string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.byID {
		if s.IsOrphaned() && s.WorkingDir == dir {
			out = append(out, s)
		}
	}
	return out
}

// FindOrphanByTmux returns the first orphan wrapping tmux session
// name, or nil.
func (m *Manager) FindOrphanByTmux(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.IsOrphaned() && s.TmuxName == name {
			return s
		}
	}
	return nil
}

// Reattach binds client to the orphaned session id and resumes its
// read pump. Returns false if id is unknown or not orphaned.
func (m *Manager) Reattach(id string, client ClientHandle) bool {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok || !s.IsOrphaned() {
		m.mu.Unlock()
		return false
	}
	m.byClient[client] = id
	m.mu.Unlock()

	s.Reattach(client)
	return true
}

// ReapOrphans collects orphans disconnected longer than GraceSeconds,
// removes them from the registry under lock, then terminates each
// outside the lock. Returns the number reaped.
func (m *Manager) ReapOrphans() int {
	now := time.Now()

	m.mu.Lock()
	var victims []*Session
	for id, s := range m.byID {
		if !s.IsOrphaned() {
			continue
		}
		last := s.LastDisconnectedAt()
		if last.IsZero() || now.Sub(last) <= m.GraceSeconds {
			continue
		}
		victims = append(victims, s)
		delete(m.byID, id)
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.Terminate()
	}
	return len(victims)
}

// RemoveAll terminates every session and clears both maps.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		all = append(all, s)
	}
	m.byID = make(map[string]*Session)
	m.byClient = make(map[ClientHandle]string)
	m.mu.Unlock()

	for _, s := range all {
		s.Terminate()
	}
}

// Count returns the number of registered sessions; exposed for
// diagnostics and tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
