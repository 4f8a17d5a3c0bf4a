package hostbridge

import (
	"encoding/json"
	"sync"

	"github.com/cmux/cmux-remote/internal/model"
	"github.com/google/uuid"
)

// FakeHost is an in-memory Host used by package tests and by the
// standalone binary when no real embedder is present. It keeps just
// enough state to exercise the bridge, the broadcaster, and the REST
// surface end to end.
type FakeHost struct {
	mu            sync.Mutex
	workspaces    []model.Workspace
	notifications []model.Notification
	stateDir      string
}

func NewFakeHost(stateDir string) *FakeHost {
	return &FakeHost{stateDir: stateDir}
}

func (h *FakeHost) Snapshot() []model.Workspace {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Workspace, len(h.workspaces))
	copy(out, h.workspaces)
	return out
}

func (h *FakeHost) SetWorkspaces(ws []model.Workspace) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workspaces = ws
}

func (h *FakeHost) RecentNotifications(limit int) []model.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.notifications) {
		limit = len(h.notifications)
	}
	start := len(h.notifications) - limit
	out := make([]model.Notification, limit)
	copy(out, h.notifications[start:])
	return out
}

func (h *FakeHost) PushNotification(n model.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, n)
	if len(h.notifications) > 200 {
		h.notifications = h.notifications[len(h.notifications)-200:]
	}
}

func (h *FakeHost) StateDir() string {
	return h.stateDir
}

// bridgeReply is the shape the fake host's HandleBridgeCommand hands
// back; deliberately minimal, it only needs to round-trip enough for
// the Bridge's decode path to be exercised in tests.
type bridgeReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

type bridgeCommand struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HandleBridgeCommand decodes a handful of methods understood by this
// fake — select/create-workspace — and replies synchronously. A real
// host runs this on its own UI thread; the fake just calls completion
// inline, which is still valid for Executor.Run's contract.
func (h *FakeHost) HandleBridgeCommand(cmd string, completion func(reply string)) {
	var parsed bridgeCommand
	if err := json.Unmarshal([]byte(cmd), &parsed); err != nil {
		reply, _ := json.Marshal(bridgeReply{OK: false, Error: "invalid command"})
		completion(string(reply))
		return
	}

	switch parsed.Method {
	case "workspace.select":
		var params struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(parsed.Params, &params)
		h.mu.Lock()
		for i := range h.workspaces {
			h.workspaces[i].IsSelected = h.workspaces[i].ID == params.ID
		}
		h.mu.Unlock()
		reply, _ := json.Marshal(bridgeReply{OK: true})
		completion(string(reply))
	case "workspace.create":
		var params struct {
			Directory string `json:"directory"`
			Tmux      bool   `json:"tmux"`
		}
		_ = json.Unmarshal(parsed.Params, &params)
		h.mu.Lock()
		id := uuid.NewString()
		h.workspaces = append(h.workspaces, model.Workspace{
			ID:            id,
			Directory:     params.Directory,
			IsTmuxEnabled: params.Tmux,
		})
		h.mu.Unlock()
		reply, _ := json.Marshal(struct {
			bridgeReply
			WorkspaceID string `json:"workspaceId"`
			Tmux        bool   `json:"tmux"`
		}{bridgeReply: bridgeReply{OK: true}, WorkspaceID: id, Tmux: params.Tmux})
		completion(string(reply))
	case "workspace.setTmuxEnabled":
		var params struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		}
		_ = json.Unmarshal(parsed.Params, &params)
		h.mu.Lock()
		for i := range h.workspaces {
			if h.workspaces[i].ID == params.ID {
				h.workspaces[i].IsTmuxEnabled = params.Enabled
			}
		}
		h.mu.Unlock()
		reply, _ := json.Marshal(struct {
			bridgeReply
			TmuxEnabled bool `json:"tmuxEnabled"`
		}{bridgeReply: bridgeReply{OK: true}, TmuxEnabled: params.Enabled})
		completion(string(reply))
	case "panel.split":
		reply, _ := json.Marshal(bridgeReply{OK: true})
		completion(string(reply))
	case "transcript.resume":
		var params struct {
			ProjectPath string `json:"projectPath"`
		}
		_ = json.Unmarshal(parsed.Params, &params)
		h.mu.Lock()
		id := uuid.NewString()
		h.workspaces = append(h.workspaces, model.Workspace{ID: id, Directory: params.ProjectPath})
		h.mu.Unlock()
		reply, _ := json.Marshal(struct {
			bridgeReply
			WorkspaceID string `json:"workspaceId"`
		}{bridgeReply: bridgeReply{OK: true}, WorkspaceID: id})
		completion(string(reply))
	case "ping":
		reply, _ := json.Marshal(bridgeReply{OK: true, Result: "pong"})
		completion(string(reply))
	default:
		reply, _ := json.Marshal(bridgeReply{OK: false, Error: "unknown method: " + parsed.Method})
		completion(string(reply))
	}
}
