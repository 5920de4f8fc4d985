package routing

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader is what the watcher calls after the deployment file settles
type Reloader interface {
	Load() (*Catalog, error)
	ConfigPath() string
}

// ConfigWatcher reloads the catalog when the deployment file changes.
// Editors often replace the file instead of writing it, so the parent
// directory is watched and events are filtered by name.
type ConfigWatcher struct {
	reloader Reloader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
	reloads int
}

// NewConfigWatcher creates a watcher; call Start to begin watching
func NewConfigWatcher(reloader Reloader, debounce time.Duration, logger *zap.Logger) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &ConfigWatcher{
		reloader: reloader,
		watcher:  w,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the config directory until ctx is cancelled or Close is called
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(cw.reloader.ConfigPath())
	if err := cw.watcher.Add(dir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	cw.mu.Lock()
	cw.cancel = cancel
	cw.mu.Unlock()

	go cw.loop(ctx)
	cw.logger.Info("watching deployment config", zap.String("path", cw.reloader.ConfigPath()))
	return nil
}

func (cw *ConfigWatcher) loop(ctx context.Context) {
	defer close(cw.done)
	target := filepath.Clean(cw.reloader.ConfigPath())

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				cw.schedule()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// schedule coalesces bursts of events into one reload
func (cw *ConfigWatcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *ConfigWatcher) reload() {
	cat, err := cw.reloader.Load()
	if err != nil {
		cw.logger.Error("deployment config reload failed, keeping previous catalog", zap.Error(err))
		return
	}
	cw.mu.Lock()
	cw.reloads++
	cw.mu.Unlock()
	cw.logger.Info("deployment config reloaded", zap.Uint64("generation", cat.Generation()))
}

// Reloads returns how many successful reloads the watcher performed
func (cw *ConfigWatcher) Reloads() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.reloads
}

// Close stops watching
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cancel := cw.cancel
	cw.mu.Unlock()

	err := cw.watcher.Close()
	if cancel != nil {
		cancel()
		<-cw.done
	}
	return err
}
