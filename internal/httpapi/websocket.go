package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/cmux/cmux-remote/internal/pty"
)

// originPatterns restricts the WebSocket upgrade to the networks the
// server is meant to be reached from: the local machine, a Tailscale
// tailnet, and typical LAN address ranges.
var originPatterns = []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*", "192.168.*.*:*", "10.*.*.*:*"}

const wsReadLimit = 64 * 1024

// --- /ws: state channel ---

type stateClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (c *stateClient) WriteText(data []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (s *Server) handleStateWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		s.logger.Debug("ws accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &stateClient{conn: conn, ctx: ctx}
	s.broadcaster.AddClient(client)
	defer s.broadcaster.RemoveClient(client)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleStateMessage(ctx, client, data)
	}
}

// stateEnvelope peeks the inbound message's type/id without committing
// to a concrete command shape; everything that isn't "pong" is
// forwarded to the Command Bridge.
type stateEnvelope struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
}

func (s *Server) handleStateMessage(ctx context.Context, client *stateClient, data []byte) {
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Type == "pong" {
		return
	}

	reply := s.bridge.DispatchWithID(string(data), env.ID)
	payload, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("marshal bridge reply", "err", err)
		return
	}
	_ = client.WriteText(payload)
}

// --- /ws/terminal: PTY channel ---

type terminalClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (c *terminalClient) WriteText(data []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (s *Server) handleTerminalWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		s.logger.Debug("ws accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &terminalClient{conn: conn, ctx: ctx}
	defer s.ptys.Detach(client)

	go s.terminalPingLoop(ctx, cancel, conn)

	var session *pty.Session
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if session == nil {
			session = s.handleTerminalInit(client, data)
			continue
		}
		s.handleTerminalInput(session, data)
	}
}

func (s *Server) terminalPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}

type terminalMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Dir       string `json:"dir,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Tmux      string `json:"tmux,omitempty"`
	Data      string `json:"data,omitempty"`
}

// handleTerminalInit handles a freshly-accepted connection with no
// attached session yet: init and reconnect are the only two accepted
// message types, and a successful one returns the newly attached
// session.
func (s *Server) handleTerminalInit(client *terminalClient, data []byte) *pty.Session {
	var msg terminalMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		s.writeTerminalJSON(client, map[string]string{"error": "Expected init or reconnect message"})
		return nil
	}

	switch msg.Type {
	case "reconnect":
		orphan := s.ptys.FindOrphanByID(msg.SessionID)
		if orphan != nil && s.ptys.Reattach(msg.SessionID, client) {
			s.writeTerminalJSON(client, map[string]string{"type": "reconnected", "sessionId": msg.SessionID})
			return orphan
		}
		s.writeTerminalJSON(client, map[string]string{"type": "reconnect_failed"})
		return nil

	case "init":
		return s.handleTerminalInitMessage(client, msg)

	default:
		s.writeTerminalJSON(client, map[string]string{"error": "Expected init or reconnect message"})
		return nil
	}
}

func (s *Server) handleTerminalInitMessage(client *terminalClient, msg terminalMessage) *pty.Session {
	dir := msg.Dir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}
	cols, rows := msg.Cols, msg.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	if msg.Tmux != "" {
		if orphan := s.ptys.FindOrphanByTmux(msg.Tmux); orphan != nil && s.ptys.Reattach(orphan.ID, client) {
			s.writeTerminalJSON(client, map[string]string{"type": "reconnected", "sessionId": orphan.ID})
			return orphan
		}
	} else if orphans := s.ptys.FindOrphansByDir(dir); len(orphans) > 0 {
		// a concurrent reconnect may have claimed the orphan between the
		// lookup and the reattach; fall through to a fresh spawn then.
		if orphan := orphans[0]; s.ptys.Reattach(orphan.ID, client) {
			s.writeTerminalJSON(client, map[string]string{"type": "reconnected", "sessionId": orphan.ID})
			return orphan
		}
	}

	session, err := s.ptys.CreateFor(client, dir, uint16(cols), uint16(rows), msg.Tmux)
	if err != nil {
		_ = client.WriteText([]byte("\r\n[Failed to create terminal: " + err.Error() + "]\r\n"))
		return nil
	}
	s.writeTerminalJSON(client, map[string]string{"type": "session_created", "sessionId": session.ID})
	return session
}

// handleTerminalInput handles input/resize messages once a session is
// already attached to the connection.
func (s *Server) handleTerminalInput(session *pty.Session, data []byte) {
	var msg terminalMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		// non-JSON text: raw shell input.
		_ = session.Write(data)
		return
	}

	switch msg.Type {
	case "input":
		_ = session.Write([]byte(msg.Data))
	case "resize":
		_ = session.Resize(uint16(msg.Cols), uint16(msg.Rows))
	case "pong":
	default:
	}
}

func (s *Server) writeTerminalJSON(client *terminalClient, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = client.WriteText(payload)
}
