package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and notifies callbacks.
type Watcher struct {
	config      *Config
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
	debounce    time.Duration
}

// NewWatcher creates a watcher for cfg.ConfigFile.
func NewWatcher(cfg *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		config:   cfg,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		debounce: watchDebounce,
	}, nil
}

// AddCallback registers a function called with the config after each reload.
func (w *Watcher) AddCallback(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The config directory is watched rather than the file
// so that editors which replace the file on save are seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}

	configFile := w.config.ConfigFile
	if stat, err := os.Stat(configFile); err == nil {
		w.lastModTime = stat.ModTime()
	}

	if err := w.watcher.Add(filepath.Dir(configFile)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.handleChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("Config watcher error")

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.config.ConfigFile) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0
}

func (w *Watcher) handleChange() {
	stat, err := os.Stat(w.config.ConfigFile)
	if err != nil {
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	if err := w.config.load(); err != nil {
		logrus.WithError(err).Warn("Failed to reload configuration, keeping previous values")
		return
	}
	logrus.WithField("file", w.config.ConfigFile).Info("Configuration reloaded")

	for _, callback := range callbacks {
		callback(w.config)
	}
}
