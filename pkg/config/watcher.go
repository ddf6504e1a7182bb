// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// Top-level sections reported in Change.Sections.
const (
	SectionLog       = "log"
	SectionTelemetry = "telemetry"
	SectionRelay     = "relay"
	SectionServer    = "server"
	SectionMCP       = "mcp"
	SectionTools     = "tools"
)

// Sections a running relay applies without a restart.
var liveSections = map[string]bool{SectionLog: true, SectionTools: true}

// Change is one reload that altered the effective configuration.
type Change struct {
	Previous *Config
	Current  *Config
	Sections []string
}

// Changed reports whether section differs between Previous and Current.
func (c Change) Changed(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Watcher polls the config file and its profile overlay and reloads on change.
type Watcher struct {
	mu          sync.RWMutex
	paths       []string
	interval    time.Duration
	lastModTime map[string]time.Time
	config      *Config
	listeners   []func(Change)
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *slog.Logger
	profile     string
	args        []string
	overrides   map[string]any
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval.
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
		w.logger = logger
	}
}

// WithWatchProfile loads the given profile overlay on every reload.
func WithWatchProfile(profile string) WatcherOption {
	return func(w *Watcher) {
		w.profile = profile
	}
}

// WithWatchArgs re-applies the --set overrides in args on every reload so
// command line values keep precedence over the edited file.
func WithWatchArgs(args []string) WatcherOption {
	return func(w *Watcher) {
		w.args = args
	}
}

// NewWatcher loads the configuration from paths[0] (further paths are only
// polled) and returns a watcher ready to Start.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:       paths,
		interval:    time.Second,
		lastModTime: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.args) > 0 {
		_, overrides, err := parseCLIOverrides(w.args)
		if err != nil {
			return nil, err
		}
		w.overrides = overrides
	}

	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTime[path] = info.ModTime()
		}
	}

	cfg, err := w.loadConfig()
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers fn to run after each reload that changed something.
func (w *Watcher) OnChange(fn func(Change)) {
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

// Start begins polling until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.watch(ctx)
}

// Stop stops the watcher and waits for the polling goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)

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
	cfg, err := w.loadConfig()
	if err != nil {
		w.logger.Error("config.reload.error", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	change := Change{Previous: w.config, Current: cfg, Sections: diffSections(w.config, cfg)}
	w.config = cfg
	listeners := make([]func(Change), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	if len(change.Sections) == 0 {
		w.logger.Debug("config.reload.unchanged")
		return
	}
	w.logger.Info("config.reload.complete", slog.Any("sections", change.Sections))

	var restart []string
	for _, section := range change.Sections {
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}
	if len(restart) > 0 {
		w.logger.Warn("config.reload.restart_required", slog.Any("sections", restart))
	}

	for _, fn := range listeners {
		fn(change)
	}
}

func (w *Watcher) loadConfig() (*Config, error) {
	path := ""
	if len(w.paths) > 0 {
		path = w.paths[0]
	}
	return load(path, w.profile, w.overrides)
}

func diffSections(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{SectionLog, prev.Log, next.Log},
		{SectionTelemetry, prev.Telemetry, next.Telemetry},
		{SectionRelay, prev.Relay, next.Relay},
		{SectionServer, prev.Server, next.Server},
		{SectionMCP, prev.MCP, next.MCP},
		{SectionTools, prev.Tools, next.Tools},
	}
	var out []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.old, p.new) {
			out = append(out, p.name)
		}
	}
	return out
}

// WatchConfig creates a watcher for configPath, plus its profile overlay
// when WithWatchProfile is given, and starts it.
func WatchConfig(ctx context.Context, configPath string, opts ...WatcherOption) (*Watcher, *Config, error) {
	defaults := &Watcher{}
	for _, opt := range opts {
		opt(defaults)
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
		if overlay := profileConfigPath(configPath, defaults.profile); overlay != "" {
			paths = append(paths, filepath.Clean(overlay))
		}
	}

	watcher, err := NewWatcher(paths, opts...)
	if err != nil {
		return nil, nil, err
	}
	watcher.Start(ctx)
	return watcher, watcher.Config(), nil
}
