// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LoaderFunc produces a fresh configuration, usually by closing over the
// original command line.
type LoaderFunc func() (*Config, error)

// Watcher polls configuration files and reloads them when they change.
// Listeners only receive configurations that passed validation.
type Watcher struct {
	mu          sync.RWMutex
	paths       []string
	interval    time.Duration
	lastModTime map[string]time.Time
	config      *Config
	load        LoaderFunc
	listeners   []func(*Config)
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval for file changes.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher over initial.Sources that calls load on change.
func NewWatcher(initial *Config, load LoaderFunc, opts ...WatcherOption) (*Watcher, error) {
	if initial == nil {
		return nil, errors.New("initial config is nil")
	}
	if load == nil {
		return nil, errors.New("loader is nil")
	}
	w := &Watcher{
		paths:       append([]string(nil), initial.Sources...),
		interval:    time.Second,
		lastModTime: make(map[string]time.Time),
		config:      initial,
		load:        load,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTime[path] = info.ModTime()
		}
	}
	return w, nil
}

// OnChange registers a callback invoked after a successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Run polls until ctx is done or Stop is called. With no files to watch it
// returns immediately.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)
	if len(w.paths) == 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.checkForChanges() {
				w.reload()
			}
		}
	}
}

// Stop ends Run and waits for it to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) checkForChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		lastMod, exists := w.lastModTime[path]
		if !exists || info.ModTime().After(lastMod) {
			w.lastModTime[path] = info.ModTime()
			changed = true
		}
	}
	return changed
}

func (w *Watcher) reload() {
	w.logger.Info("config file changed, reloading")

	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := append(([]func(*Config))(nil), w.listeners...)
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		slog.Duration("step_timeout", cfg.Pipeline.StepTimeout),
		slog.Int("max_retries", cfg.Pipeline.MaxRetries),
		slog.Duration("retry_delay", cfg.Pipeline.RetryDelay),
		slog.String("log_level", cfg.Log.Level),
	)
	for _, fn := range listeners {
		fn(cfg)
	}
}
