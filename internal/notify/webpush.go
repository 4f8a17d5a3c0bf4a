// Package notify delivers notifications beyond the live /ws fan-out:
// Web Push to subscribed browsers whose tab is closed, and a small
// durable history backing GET /api/notifications.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cmux/cmux-remote/internal/model"
)

const configDir = ".config/cmux-remote"
const vapidFile = "vapid.json"
const subsFile = "push-subscriptions.json"

// Manager holds the VAPID key pair and the live subscription set.
// Both are persisted under the config dir so a server restart doesn't
// silently drop every subscribed browser.
type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	dir           string
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func NewManager(logger *slog.Logger) (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return NewManagerAt(filepath.Join(home, configDir), logger)
}

// NewManagerAt is the injectable-path constructor used by tests.
func NewManagerAt(dir string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{logger: logger, dir: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := m.loadOrGenerateVAPID(); err != nil {
		return nil, err
	}
	m.loadSubscriptions()
	return m, nil
}

func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

func (m *Manager) Subscribe(sub *webpush.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	m.saveSubscriptionsLocked()
	m.logger.Info("push subscription added", "endpoint", truncateEndpoint(sub.Endpoint))
}

func (m *Manager) Unsubscribe(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			m.saveSubscriptionsLocked()
			return
		}
	}
}

// SubscriptionCount reports how many browsers are subscribed; exposed
// for tests and diagnostics.
func (m *Manager) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Deliver implements broadcast.NotificationSink: every notification
// the State Broadcaster fans out over /ws is additionally pushed via
// Web Push to subscribed browsers whose tab may not be open.
func (m *Manager) Deliver(n model.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		m.logger.Error("marshal push payload", "err", err)
		return
	}
	m.Send(payload)
}

// Send pushes payload to every subscription. A failed endpoint is
// logged and skipped; push is best-effort delivery on top of the /ws
// channel, never a gate on it.
func (m *Manager) Send(payload []byte) {
	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			VAPIDPublicKey:  m.vapidPublic,
			VAPIDPrivateKey: m.vapidPrivate,
			Subscriber:      "mailto:cmux-remote@localhost",
		})
		if err != nil {
			m.logger.Debug("push send failed", "endpoint", truncateEndpoint(sub.Endpoint), "err", err)
			continue
		}
		resp.Body.Close()
	}
}

func (m *Manager) loadOrGenerateVAPID() error {
	path := filepath.Join(m.dir, vapidFile)

	if data, err := os.ReadFile(path); err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			return nil
		}
	}

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("generate VAPID keys: %w", err)
	}
	m.vapidPrivate = private
	m.vapidPublic = public

	data, err := json.MarshalIndent(vapidKeys{PrivateKey: private, PublicKey: public}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal VAPID keys: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save VAPID keys: %w", err)
	}
	m.logger.Info("generated new VAPID keys")
	return nil
}

func (m *Manager) loadSubscriptions() {
	data, err := os.ReadFile(filepath.Join(m.dir, subsFile))
	if err != nil {
		return
	}
	var subs []*webpush.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		m.logger.Warn("discarding unreadable push subscription file", "err", err)
		return
	}
	m.subscriptions = subs
}

func (m *Manager) saveSubscriptionsLocked() {
	data, err := json.MarshalIndent(m.subscriptions, "", "  ")
	if err != nil {
		m.logger.Error("marshal push subscriptions", "err", err)
		return
	}
	if err := os.WriteFile(filepath.Join(m.dir, subsFile), data, 0o600); err != nil {
		m.logger.Error("save push subscriptions", "err", err)
	}
}

func truncateEndpoint(ep string) string {
	if len(ep) > 50 {
		return ep[:50] + "..."
	}
	return ep
}
