// Package config loads the three settings the core reads at startup
// and watches the backing file for changes, re-reading it and handing
// each new value to a callback. Applying a changed value is up to the
// caller; cmuxremoted only logs it and uses the new value on its next
// start.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const defaultPort = 4848

// Config is the enabled/port/tmux-mode triple the core reads at
// startup. Everything else about user-facing settings belongs
// to the host app.
type Config struct {
	Enabled  bool `json:"enabled"`
	Port     int  `json:"port"`
	TmuxMode bool `json:"tmuxMode"`
}

func defaults() Config {
	return Config{Enabled: false, Port: defaultPort, TmuxMode: false}
}

// Watcher loads Config from path and re-reads it whenever the file
// changes, invoking onChange with the new value.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Config

	fsw *fsnotify.Watcher
}

// Load reads path once (creating it with defaults if absent) without
// starting a file watch.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaults()
		if werr := writeDefault(path, cfg); werr != nil {
			return cfg, werr
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Watch loads path and starts an fsnotify watch on its containing
// directory (watching the file itself misses editor atomic-rename
// writes), invoking onChange after every reload. Call Close to stop.
func Watch(path string, logger *slog.Logger, onChange func(Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{path: path, logger: logger, current: cfg, fsw: fsw}

	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Config)) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("reload config", "err", err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "err", err)
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
