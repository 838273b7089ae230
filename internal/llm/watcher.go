package llm

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"codeforge/internal/config"
)

// PriceWatcher hot-reloads the price table when the config file changes.
// Price edits take effect without a restart; all other config keys still
// require one.
type PriceWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	log         *zap.Logger
	configPath  string
	table       *PriceTable
	debounceDur time.Duration
	pending     map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewPriceWatcher creates a watcher over the config file feeding the given
// price table.
func NewPriceWatcher(configPath string, table *PriceTable, log *zap.Logger) (*PriceWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PriceWatcher{
		watcher:     w,
		log:         log.Named("prices"),
		configPath:  configPath,
		table:       table,
		debounceDur: 500 * time.Millisecond, // editors save in bursts
		pending:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
// Watching the directory rather than the file survives rename-based saves.
func (pw *PriceWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	dir := filepath.Dir(pw.configPath)
	if err := pw.watcher.Add(dir); err != nil {
		pw.log.Warn("price watch failed, hot reload disabled",
			zap.String("dir", dir), zap.Error(err))
	} else {
		pw.log.Info("watching config for price changes", zap.String("path", pw.configPath))
	}

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (pw *PriceWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		pw.log.Error("error closing watcher", zap.Error(err))
	}
}

func (pw *PriceWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Error("watch error", zap.Error(err))
		case <-ticker.C:
			pw.processSettled()
		}
	}
}

func (pw *PriceWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(pw.configPath) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	pw.mu.Lock()
	pw.pending[event.Name] = time.Now()
	pw.mu.Unlock()
}

func (pw *PriceWatcher) processSettled() {
	pw.mu.Lock()
	now := time.Now()
	reload := false
	for path, at := range pw.pending {
		if now.Sub(at) >= pw.debounceDur {
			delete(pw.pending, path)
			reload = true
		}
	}
	pw.mu.Unlock()

	if reload {
		pw.Reload()
	}
}

// Reload re-reads the config file and swaps the price table. Invalid files
// leave the current table in place.
func (pw *PriceWatcher) Reload() {
	cfg, err := config.Load(pw.configPath)
	if err != nil {
		pw.log.Warn("price reload failed, keeping current table", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		pw.log.Warn("price reload rejected by validation", zap.Error(err))
		return
	}
	pw.table.Replace(cfg.LLM.Prices)
	pw.log.Info("price table reloaded", zap.Int("models", pw.table.Len()))
}
