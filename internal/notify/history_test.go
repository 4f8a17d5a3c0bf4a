package notify

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cmux/cmux-remote/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistoryAt(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("OpenHistoryAt() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func stamp(offset int) string {
	return time.Unix(1700000000+int64(offset), 0).UTC().Format(time.RFC3339)
}

func TestHistoryRoundTrip(t *testing.T) {
	h := openTestHistory(t)

	h.Deliver(model.Notification{ID: "n1", Type: "notification", Title: "hello", Body: "world", CreatedAt: stamp(0)})

	got, err := h.Recent()
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "n1" || got[0].Title != "hello" {
		t.Fatalf("Recent() = %v, want the delivered notification back", got)
	}
}

func TestHistoryUpsertUpdatesReadState(t *testing.T) {
	h := openTestHistory(t)

	h.Deliver(model.Notification{ID: "n1", CreatedAt: stamp(0)})
	h.Deliver(model.Notification{ID: "n1", IsRead: true, CreatedAt: stamp(0)})

	got, err := h.Recent()
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent() returned %d rows, want 1 after an id collision", len(got))
	}
	if !got[0].IsRead {
		t.Fatalf("redelivering a notification should update its read state")
	}
}

func TestHistoryTrimsToFiftyMostRecent(t *testing.T) {
	h := openTestHistory(t)

	for i := 0; i < 60; i++ {
		h.Deliver(model.Notification{ID: fmt.Sprintf("n%02d", i), CreatedAt: stamp(i)})
	}

	got, err := h.Recent()
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != maxHistory {
		t.Fatalf("Recent() returned %d rows, want %d", len(got), maxHistory)
	}
	if got[0].ID != "n59" {
		t.Fatalf("Recent()[0].ID = %q, want the most recent notification first", got[0].ID)
	}
	for _, n := range got {
		if n.ID < "n10" {
			t.Fatalf("notification %q should have been trimmed", n.ID)
		}
	}
}
