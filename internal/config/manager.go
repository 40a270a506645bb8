package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded configuration after the
// config file changes on disk.
type ChangeHandler func(cfg *Config)

// Watcher hot-reloads the config file and fans the new configuration out to
// registered handlers. Only orchestration defaults are expected to change at
// runtime; connection settings are read once at startup.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
	handlers []ChangeHandler

	current *Config
	curMu   sync.RWMutex
}

// NewWatcher builds a watcher for the active config file.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    Path(),
		watcher: w,
		logger:  logger,
		stopCh:  make(chan struct{}),
		current: cfg,
	}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.curMu.RLock()
	defer w.curMu.RUnlock()
	return w.current
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go w.watchLoop()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// let rapid successive writes settle
			time.Sleep(50 * time.Millisecond)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration", zap.Error(err))
		return
	}

	w.curMu.Lock()
	w.current = cfg
	w.curMu.Unlock()

	w.mu.Lock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		go h(cfg)
	}

	w.logger.Info("Configuration reloaded",
		zap.Int("max_iterations", cfg.Orchestration.MaxIterations),
		zap.Int("parallelism", cfg.Orchestration.Parallelism),
	)
}
