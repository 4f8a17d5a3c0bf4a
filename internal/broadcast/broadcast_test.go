package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cmux/cmux-remote/internal/model"
	"github.com/cmux/cmux-remote/internal/tmux"
)

type fakeSource struct {
	workspaces []model.Workspace
}

func (f *fakeSource) Snapshot() []model.Workspace { return f.workspaces }

type fakeReaper struct {
	calls int
	mu    sync.Mutex
}

func (f *fakeReaper) ReapOrphans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0
}

func (f *fakeReaper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingClient struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingClient) WriteText(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.frames = append(r.frames, cp)
	return nil
}

func (r *recordingClient) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPushNotificationFansOutToConnectedClients(t *testing.T) {
	b := New(&fakeSource{}, tmux.New(), nil, testLogger())
	c1, c2 := &recordingClient{}, &recordingClient{}
	b.AddClient(c1)
	b.AddClient(c2)

	b.PushNotification(model.Notification{ID: "n1", Title: "hi", Body: "there"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c1.Frames()) > 0 && len(c2.Frames()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, c := range []*recordingClient{c1, c2} {
		frames := c.Frames()
		if len(frames) != 1 {
			t.Fatalf("expected exactly 1 frame, got %d", len(frames))
		}
		var decoded map[string]any
		if err := json.Unmarshal(frames[0], &decoded); err != nil {
			t.Fatalf("frame not valid JSON: %v", err)
		}
		if decoded["type"] != "notification" || decoded["id"] != "n1" {
			t.Fatalf("unexpected notification payload: %v", decoded)
		}
	}
}

func TestPushNotificationNotBufferedForLateClients(t *testing.T) {
	b := New(&fakeSource{}, tmux.New(), nil, testLogger())
	b.PushNotification(model.Notification{ID: "n1"})

	late := &recordingClient{}
	b.AddClient(late)
	time.Sleep(20 * time.Millisecond)

	if len(late.Frames()) != 0 {
		t.Fatalf("a client connecting after the push should not receive it")
	}
}

func TestConnectedClientsCount(t *testing.T) {
	b := New(&fakeSource{}, tmux.New(), nil, testLogger())
	if b.ConnectedClients() != 0 {
		t.Fatalf("ConnectedClients() = %d, want 0", b.ConnectedClients())
	}
	c := &recordingClient{}
	b.AddClient(c)
	if b.ConnectedClients() != 1 {
		t.Fatalf("ConnectedClients() = %d, want 1", b.ConnectedClients())
	}
	b.RemoveClient(c)
	if b.ConnectedClients() != 0 {
		t.Fatalf("ConnectedClients() = %d, want 0 after RemoveClient", b.ConnectedClients())
	}
}

func TestTickReapInvokesReaper(t *testing.T) {
	b := New(&fakeSource{}, tmux.New(), &fakeReaper{}, testLogger())
	reaper := b.reaper.(*fakeReaper)

	b.tickReap()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && reaper.Calls() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if reaper.Calls() == 0 {
		t.Fatalf("tickReap should invoke the reaper")
	}
}

func TestUnixStringToISO8601(t *testing.T) {
	got := unixStringToISO8601("0")
	want := time.Unix(0, 0).UTC().Format(time.RFC3339)
	if got != want {
		t.Fatalf("unixStringToISO8601(0) = %q, want %q", got, want)
	}
	if got := unixStringToISO8601("not-a-number"); got != "not-a-number" {
		t.Fatalf("unixStringToISO8601 should pass through unparsable input, got %q", got)
	}
}
