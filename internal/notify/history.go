package notify

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cmux/cmux-remote/internal/model"
)

const historyFile = "notifications.db"

const maxHistory = 50

// History is a small embedded cache of the most recent notifications
// the host has handed this server, so GET /api/notifications survives
// a restart. This is server-owned cache of payloads it was given, not
// host persistence — it doesn't own any user-facing setting.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenHistory(logger *slog.Logger) (*History, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return OpenHistoryAt(filepath.Join(home, configDir), logger)
}

// OpenHistoryAt is the injectable-path constructor used by tests.
func OpenHistoryAt(dir string, logger *slog.Logger) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, historyFile))
	if err != nil {
		return nil, fmt.Errorf("open notification history: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	subtitle   TEXT NOT NULL,
	body       TEXT NOT NULL,
	tab_id     TEXT NOT NULL,
	is_read    INTEGER NOT NULL,
	created_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create notifications table: %w", err)
	}

	return &History{db: db, logger: logger}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Deliver implements broadcast.NotificationSink.
func (h *History) Deliver(n model.Notification) {
	if err := h.record(n); err != nil {
		h.logger.Error("persist notification", "err", err)
	}
}

func (h *History) record(n model.Notification) error {
	const upsert = `
INSERT INTO notifications (id, type, title, subtitle, body, tab_id, is_read, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET is_read = excluded.is_read;`
	if _, err := h.db.Exec(upsert, n.ID, n.Type, n.Title, n.Subtitle, n.Body, n.TabID, n.IsRead, n.CreatedAt); err != nil {
		return err
	}
	return h.trim()
}

func (h *History) trim() error {
	const trim = `
DELETE FROM notifications WHERE id NOT IN (
	SELECT id FROM notifications ORDER BY created_at DESC LIMIT ?
);`
	_, err := h.db.Exec(trim, maxHistory)
	return err
}

// Recent returns up to maxHistory notifications, most recent first,
// for GET /api/notifications.
func (h *History) Recent() ([]model.Notification, error) {
	rows, err := h.db.Query(`
SELECT id, type, title, subtitle, body, tab_id, is_read, created_at
FROM notifications ORDER BY created_at DESC LIMIT ?`, maxHistory)
	if err != nil {
		return nil, fmt.Errorf("query notification history: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Subtitle, &n.Body, &n.TabID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
