package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/slighter12/unreal-bridge-go/logger"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// valid result to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	reloads int
}

// NewWatcher creates a watcher for path. A zero debounce uses 250ms.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	if onChange == nil {
		return nil, errors.New("config watcher needs a callback")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: abs, debounce: debounce, onChange: onChange}, nil
}

// Start begins watching the file's directory. Editors that save by rename
// replace the inode, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run(ctx, fw, w.stopCh, w.doneCh)

	logger.Debug("watching config", "component", "config", "path", w.path)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	fw := w.watcher
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	<-done
	if err := fw.Close(); err != nil {
		logger.Error("failed to close config watcher", "component", "config", "error", err)
	}
}

// Reloads reports how many times a valid config was delivered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher error", "component", "config", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		logger.Warn("ignoring config change", "component", "config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.reloads++
	w.mu.Unlock()

	logger.Info("config reloaded", "component", "config", "path", w.path)
	w.onChange(cfg)
}
