// Package configwatcher reloads the replicator properties when the static
// properties file changes. Changes are applied with Configure while the
// replicator is offline; changes seen in any other state wait until it is.
package configwatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/replicator/pkg/log"
	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/replicator"
)

// Target is the controller surface the watcher drives.
type Target interface {
	State() string
	Configure(ctx context.Context, props plugin.Properties) error
}

// Config holds configuration options for the config watcher.
type Config struct {
	// DebounceDelay is the delay to wait after a file change before
	// reloading. Default: 500 milliseconds
	DebounceDelay time.Duration

	// RetryInterval is how often a deferred reload checks whether the
	// replicator went offline. Default: 5 seconds
	RetryInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 500 * time.Millisecond,
		RetryInterval: 5 * time.Second,
	}
}

// Watcher implements replicator.Extension.
type Watcher struct {
	debounceDelay time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	target  Target
	logger  log.Logger
	file    string
	reloads int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a config watcher with the given configuration.
func New(cfg Config) *Watcher {
	d := DefaultConfig()
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = d.DebounceDelay
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = d.RetryInterval
	}
	return &Watcher{
		debounceDelay: cfg.DebounceDelay,
		retryInterval: cfg.RetryInterval,
		logger:        log.NewNoopLogger(),
	}
}

// Option returns the controller option registering w.
func (w *Watcher) Option() replicator.Option {
	return replicator.WithExtension(w)
}

// Name returns the extension identifier.
func (w *Watcher) Name() string {
	return "configwatcher"
}

// Reloads returns how many reloads were applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Initialize starts watching the static properties file. Without file-backed
// properties the watcher stays idle.
func (w *Watcher) Initialize(ctx context.Context, cfg replicator.ExtensionConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cfg.Logger != nil {
		w.logger = cfg.Logger.With(log.Component("configwatcher"))
	}
	if len(cfg.PropertyFiles) == 0 || cfg.PropertyFiles[0] == "" {
		w.logger.Warn("config watcher disabled: properties are not file backed")
		return nil
	}
	if w.target == nil {
		w.target = cfg.Controller
	}
	w.file = filepath.Clean(cfg.PropertyFiles[0])

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// the directory survives editors that replace the file
	if err := watcher.Add(filepath.Dir(w.file)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.file), err)
	}

	// Stop cancels the loop; the start context may be short-lived
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.wg.Add(1)
	go w.watchLoop(watchCtx, watcher)

	w.logger.Info("config watcher initialized", log.String("file", w.file))
	return nil
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown(context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	defer watcher.Close()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
		pending  bool
	)
	retry := time.NewTicker(w.retryInterval)
	defer retry.Stop()
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounceDelay)
			} else {
				debounce.Reset(w.debounceDelay)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			pending = !w.reload(ctx)

		case <-retry.C:
			if pending {
				pending = !w.reload(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", log.Err(err))
		}
	}
}

// reload applies the properties when the replicator is offline. It reports
// false when the reload has to wait.
func (w *Watcher) reload(ctx context.Context) bool {
	state := w.target.State()
	if state != replicator.StateOfflineNormal && state != replicator.StateOfflineError {
		w.logger.Info("properties changed, reload deferred until offline", log.String("state", state))
		return false
	}
	if err := w.target.Configure(ctx, nil); err != nil {
		w.logger.Error("properties reload failed", log.Err(err))
		return true
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("properties reloaded", log.String("file", w.file))
	return true
}
