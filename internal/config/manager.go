package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcpgate/pkg/logging"
)

// applyRateLimit caps how often a new snapshot may be committed.
const applyRateLimit = 500 * time.Millisecond

// debounceWindow coalesces bursts of file events (editors write
// multiple times per save) into one reload.
const debounceWindow = 200 * time.Millisecond

// Subscriber participates in the two-phase apply. Prepare may veto the
// candidate; Commit switches the component over to it.
type Subscriber interface {
	Name() string
	// Prepare inspects the candidate snapshot. Returning an error vetoes
	// the whole apply.
	Prepare(next, prev *MasterConfig) error
	// Commit applies the snapshot. Commit errors abort the apply and
	// keep the previous snapshot as last known good.
	Commit(next *MasterConfig) error
}

// Manager owns the current configuration snapshot and drives hot
// reload: load + validate a candidate, let subscribers prepare, then
// commit, keeping the last known good snapshot on any failure.
type Manager struct {
	mu          sync.RWMutex
	current     *MasterConfig
	env         Environment
	opts        LoadOptions
	subscribers []Subscriber

	lastApply time.Time
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewManager loads the initial snapshot and returns a manager holding
// it. Initial load failures are fatal to the caller.
func NewManager(opts LoadOptions) (*Manager, error) {
	cfg, env, err := Load(opts)
	if err != nil {
		return nil, err
	}
	return &Manager{
		current: cfg,
		env:     env,
		opts:    opts,
		stop:    make(chan struct{}),
	}, nil
}

// Get returns the current snapshot. Snapshots are immutable; callers
// must not mutate the returned value.
func (m *Manager) Get() *MasterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Environment returns the detected runtime environment.
func (m *Manager) Environment() Environment {
	return m.env
}

// Subscribe registers a two-phase apply participant. Subscribers are
// prepared and committed in registration order.
func (m *Manager) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// Reload runs the cascade again and applies the result. It is the
// entry point for both file-watch events and external reload signals
// (the edge-host adapter calls this from its polling loop).
func (m *Manager) Reload() error {
	m.mu.Lock()
	if since := time.Since(m.lastApply); since < applyRateLimit {
		m.mu.Unlock()
		logging.Debug("Config", "Reload suppressed by rate limit (%v since last apply)", since)
		return nil
	}
	m.lastApply = time.Now()
	m.mu.Unlock()

	candidate, _, err := Load(m.opts)
	if err != nil {
		logging.Error("Config", err, "Reload failed validation; keeping previous configuration")
		return err
	}
	return m.apply(candidate)
}

// apply runs the two-phase protocol against the candidate snapshot.
func (m *Manager) apply(candidate *MasterConfig) error {
	m.mu.Lock()
	prev := m.current
	subscribers := make([]Subscriber, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	if err := rejectRestartRequired(candidate, prev); err != nil {
		logging.Error("Config", err, "Reload rejected; keeping previous configuration")
		return err
	}

	for _, s := range subscribers {
		if err := s.Prepare(candidate, prev); err != nil {
			logging.Error("Config", err, "Subscriber %s vetoed reload; keeping previous configuration", s.Name())
			return fmt.Errorf("subscriber %s vetoed reload: %w", s.Name(), err)
		}
	}

	for _, s := range subscribers {
		if err := s.Commit(candidate); err != nil {
			logging.Error("Config", err, "Subscriber %s failed to commit; keeping previous configuration", s.Name())
			return fmt.Errorf("subscriber %s failed to commit: %w", s.Name(), err)
		}
	}

	m.mu.Lock()
	m.current = candidate
	m.mu.Unlock()

	logging.Info("Config", "Configuration reloaded (%d servers)", len(candidate.Servers))
	return nil
}

// rejectRestartRequired vetoes runtime changes to sections classified
// requires-restart.
func rejectRestartRequired(next, prev *MasterConfig) error {
	if next.Hosting.Port != prev.Hosting.Port {
		return schemaError("hosting.port", "changing the listen port requires a restart", "restart the gateway")
	}
	if next.Hosting.Platform != prev.Hosting.Platform {
		return schemaError("hosting.platform", "changing the platform requires a restart", "restart the gateway")
	}
	if next.Security.ConfigKeyEnv != prev.Security.ConfigKeyEnv {
		return schemaError("security.config_key_env", "changing the key source requires a restart", "restart the gateway")
	}
	return nil
}

// Watch starts the filesystem adapter: config file changes trigger a
// debounced reload until the context ends or Stop is called.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := m.opts.ConfigDir
	if dir == "" {
		dir = "config"
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	m.watcher = watcher

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				ext := filepath.Ext(event.Name)
				if ext != ".json" && ext != ".yaml" && ext != ".yml" {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceWindow, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				if err := m.Reload(); err != nil {
					logging.Warn("Config", "Hot reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Config", "Watcher error: %v", err)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	logging.Info("Config", "Watching %s for changes", dir)
	return nil
}

// Stop ends the watcher goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
