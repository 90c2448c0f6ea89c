package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/servicecore"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

const watcherSource = "config_watcher"

var (
	ErrWatcherRunning    = errors.New("config watcher already running")
	ErrWatcherNotRunning = errors.New("config watcher not running")
)

// Watcher keeps a Config in sync with its file. The file's directory is
// watched so atomic replace-on-save is seen. A reload that fails to load
// or validate keeps the previous configuration.
type Watcher struct {
	path     string
	bus      servicecore.EventBus
	logger   servicecore.Logger
	debounce time.Duration
	loadOpts []LoadOption

	mu       sync.Mutex
	current  Config
	handlers []func(Config)

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger servicecore.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithDebounce sets how long the watcher waits for file events to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLoadOptions passes extra options to every Load. The watched file is
// always fed last.
func WithLoadOptions(opts ...LoadOption) WatcherOption {
	return func(w *Watcher) {
		w.loadOpts = append(w.loadOpts, opts...)
	}
}

// NewWatcher creates a watcher for path. bus may be nil.
func NewWatcher(path string, bus servicecore.EventBus, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		bus:      bus,
		logger:   servicecore.NopLogger(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers fn to run after each successful reload.
func (w *Watcher) OnReload(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// Start loads the file and begins watching it.
func (w *Watcher) Start(ctx context.Context) (Config, error) {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return Config{}, ErrWatcherRunning
	}
	w.mu.Unlock()

	cfg, err := w.load()
	if err != nil {
		return Config{}, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return Config{}, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return Config{}, fmt.Errorf("watch %s: %w", w.path, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.current = cfg
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(loopCtx, fsw, done)
	w.logger.Info("Watching configuration", "path", w.path)
	return cfg.Clone(), nil
}

// Stop ends watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()
	if fsw == nil {
		return ErrWatcherNotRunning
	}

	cancel()
	err := fsw.Close()
	<-done
	if err != nil {
		return fmt.Errorf("close file watcher: %w", err)
	}
	return nil
}

// Reload loads the file now. On failure the previous configuration stays
// current and config.reloaded carries the error.
func (w *Watcher) Reload(ctx context.Context) (Config, error) {
	cfg, err := w.load()
	if err != nil {
		w.logger.Error("Configuration reload failed", "path", w.path, "error", err)
		w.emit(ctx, err)
		return Config{}, err
	}

	w.mu.Lock()
	w.current = cfg
	handlers := append([]func(Config){}, w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg.Clone())
	}
	w.logger.Info("Configuration reloaded", "path", w.path)
	w.emit(ctx, nil)
	return cfg.Clone(), nil
}

func (w *Watcher) load() (Config, error) {
	opts := append(append([]LoadOption{}, w.loadOpts...), WithFile(w.path))
	return Load(opts...)
}

func (w *Watcher) emit(ctx context.Context, err error) {
	if w.bus == nil {
		return
	}
	payload := servicecore.ConfigReloadedPayload{Path: w.path, Timestamp: time.Now()}
	if err != nil {
		payload.Error = err.Error()
	}
	w.bus.Emit(ctx, servicecore.EventConfigReloaded, payload, watcherSource)
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "path", w.path, "error", err)
		case <-fire:
			fire = nil
			_, _ = w.Reload(ctx)
		}
	}
}
