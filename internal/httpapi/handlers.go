package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cmux/cmux-remote/internal/model"
)

// mountAPI registers the REST surface and the two WebSocket upgrade
// paths. Route params use chi's {name} syntax for the route table's
// :id/:name placeholders.
func (s *Server) mountAPI(r chi.Router) {
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/workspaces", s.handleWorkspaces)
	r.Get("/api/notifications", s.handleNotifications)
	r.Post("/api/workspaces/{id}/select", s.handleSelectWorkspace)
	r.Post("/api/command", s.handleCommand)
	r.Post("/api/workspaces/new", s.handleNewWorkspace)
	// the source's duplicate registration of this route collapses to a
	// single one here.
	r.Post("/api/workspaces/{id}/tmux", s.handleSetTmuxEnabled)
	r.Post("/api/workspaces/{id}/split", s.handleSplit)
	r.Get("/api/tmux/sessions", s.handleListTmuxSessions)
	r.Delete("/api/tmux/sessions/{name}", s.handleKillTmuxSession)
	r.Delete("/api/tmux/sessions", s.handleKillAllTmuxSessions)
	r.Get("/api/cc/sessions", s.handleCCSessions)
	r.Post("/api/cc/resume", s.handleCCResume)

	// Web Push subscription management and the onboarding QR code are
	// optional surfaces; each mounts only when its collaborator is wired.
	if s.push != nil {
		r.Get("/api/push/vapid-key", s.handleVAPIDKey)
		r.Post("/api/push/subscribe", s.handlePushSubscribe)
		r.Post("/api/push/unsubscribe", s.handlePushUnsubscribe)
	}
	if s.pairURL != nil {
		r.Get("/api/pair.png", s.handlePairPNG)
	}

	r.Get("/ws", s.handleStateWebSocket)
	r.Get("/ws/terminal", s.handleTerminalWebSocket)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workspaces := s.host.Snapshot()
	selected := ""
	unread := 0
	for _, ws := range workspaces {
		unread += ws.UnreadCount
		if ws.IsSelected {
			selected = ws.ID
		}
	}
	status := model.Status{
		Version:           s.version,
		WorkspaceCount:    len(workspaces),
		SelectedWorkspace: selected,
		UnreadCount:       unread,
		ConnectedClients:  s.broadcaster.ConnectedClients(),
		Port:              s.port,
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

const maxNotifications = 50

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	recent := s.host.RecentNotifications(maxNotifications)
	if s.history != nil {
		persisted, err := s.history.Recent()
		if err != nil {
			s.logger.Error("read notification history", "err", err)
		} else {
			recent = mergeNotifications(recent, persisted)
		}
	}
	writeJSON(w, http.StatusOK, recent)
}

// mergeNotifications combines the host's live snapshot with the
// persisted history (which survives server restarts), deduplicating by
// id with the live copy winning, most recent first, capped at
// maxNotifications.
func mergeNotifications(live, persisted []model.Notification) []model.Notification {
	seen := make(map[string]struct{}, len(live))
	merged := make([]model.Notification, 0, len(live)+len(persisted))
	for _, n := range live {
		seen[n.ID] = struct{}{}
		merged = append(merged, n)
	}
	for _, n := range persisted {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		merged = append(merged, n)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	if len(merged) > maxNotifications {
		merged = merged[:maxNotifications]
	}
	return merged
}

func (s *Server) handleSelectWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "workspace.select",
		"params":  map[string]string{"id": id},
	})
	writeJSON(w, http.StatusOK, s.bridge.Dispatch(string(cmd)))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Dispatch(string(body)))
}

func (s *Server) handleNewWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tmux      bool   `json:"tmux"`
		Directory string `json:"directory"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "workspace.create",
		"params":  map[string]any{"tmux": req.Tmux, "directory": req.Directory},
	})
	writeJSON(w, http.StatusOK, s.bridge.Dispatch(string(cmd)))
}

func (s *Server) handleSetTmuxEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "workspace.setTmuxEnabled",
		"params":  map[string]any{"id": id, "enabled": req.Enabled},
	})
	writeJSON(w, http.StatusOK, s.bridge.Dispatch(string(cmd)))
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Direction string `json:"direction"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "panel.split",
		"params":  map[string]any{"id": id, "direction": req.Direction},
	})
	reply := s.bridge.Dispatch(string(cmd))
	writeJSON(w, http.StatusOK, map[string]any{"ok": reply["ok"]})
}

func (s *Server) handleListTmuxSessions(w http.ResponseWriter, r *http.Request) {
	raw := s.tmuxCoord.ListActiveSessions()
	out := make([]model.TmuxSession, 0, len(raw))
	for _, t := range raw {
		out = append(out, model.TmuxSession{
			Name:            t.Name,
			Created:         unixStringToISO8601(t.CreatedUnix),
			WindowCount:     t.WindowCount,
			AttachedClients: t.AttachedClients,
			CurrentPath:     t.CurrentPath,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKillTmuxSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.tmuxCoord.KillSession(name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": err == nil, "killed": err == nil})
}

func (s *Server) handleKillAllTmuxSessions(w http.ResponseWriter, r *http.Request) {
	killed := s.tmuxCoord.KillAllSessions()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "killed": killed})
}

func (s *Server) handleCCSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.transcripts.Scan(s.host.StateDir())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCCResume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectPath string `json:"projectPath"`
	}
	if err := decodeJSONBody(r, &req); err != nil || req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}
	cmd, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "transcript.resume",
		"params":  map[string]any{"projectPath": req.ProjectPath},
	})
	writeJSON(w, http.StatusOK, s.bridge.Dispatch(string(cmd)))
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.push.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub webpush.Subscription
	if err := decodeJSONBody(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription")
		return
	}
	s.push.Subscribe(&sub)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	s.push.Unsubscribe(req.Endpoint)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePairPNG(w http.ResponseWriter, r *http.Request) {
	png, err := renderPairPNG(s.pairURL())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// unixStringToISO8601 mirrors the broadcaster's conversion of tmux's
// raw unix-time field (kept local: tmux.TmuxSessionRaw is a parsing
// detail the HTTP layer also needs to convert for GET
// /api/tmux/sessions, independent of the broadcaster's cached copy).
func unixStringToISO8601(s string) string {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}
	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}
