package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/confusedev/trafficgate/internal/observability"
)

// ConfigCallback receives each successfully reloaded configuration.
type ConfigCallback func(*GatewayConfig)

// ErrorCallback receives reload failures.
type ErrorCallback func(error)

// Watcher reloads the configuration file when it changes on disk and hands
// valid configs to the callback. A broken write keeps the last good config.
// Change events are debounced, since editors and orchestrators tend to
// write a file in several steps.
type Watcher struct {
	path          string
	fs            *fsnotify.Watcher
	callback      ConfigCallback
	onError       ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu       sync.Mutex
	last     *GatewayConfig
	debounce *time.Timer
	started  bool

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long after the last change event the reload
// fires.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the reload failure callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, callback ConfigCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		fs:            fs,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the initial configuration and begins watching. Watching the
// containing directory rather than the file itself survives editors and
// config mounts that replace the file on update.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	initial, err := loadValid(w.path)
	if err != nil {
		return err
	}
	w.setLast(initial)

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
	)

	go w.run(ctx)
	return nil
}

// Stop ends watching and cancels any pending reload.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	if !started {
		return nil
	}

	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.stoppedCh
	return w.fs.Close()
}

// GetLastConfig returns the last successfully loaded configuration.
func (w *Watcher) GetLastConfig() *GatewayConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// ForceReload reloads immediately, bypassing the debounce.
func (w *Watcher) ForceReload() error {
	cfg, err := loadValid(w.path)
	if err != nil {
		return err
	}
	w.setLast(cfg)
	if w.callback != nil {
		w.callback(cfg)
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.stoppedCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// scheduleReload arms the debounce timer, pushing it out if already armed.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	cfg, err := loadValid(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			observability.String("path", w.path),
			observability.Error(err),
		)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.setLast(cfg)
	w.logger.Info("configuration reloaded",
		observability.String("path", w.path),
	)
	if w.callback != nil {
		w.callback(cfg)
	}
}

func (w *Watcher) setLast(cfg *GatewayConfig) {
	w.mu.Lock()
	w.last = cfg
	w.mu.Unlock()
}

// loadValid loads and validates the file in one step.
func loadValid(path string) (*GatewayConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
