package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 100 * time.Millisecond

// Watcher keeps the latest valid manifest from a file. A rewrite that fails to
// parse keeps serving the previous manifest.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current Manifest
}

// NewWatcher loads path once and returns a Watcher serving it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, logger: logger, current: m}, nil
}

// Current returns the most recently loaded manifest.
func (w *Watcher) Current() Manifest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file. It reports whether the version changed.
func (w *Watcher) Reload() (bool, error) {
	m, err := Load(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.current.Version
	w.current = m
	w.mu.Unlock()

	if prev != m.Version {
		w.logger.Info("manifest version changed", zap.String("from", prev), zap.String("to", m.Version))
		return true, nil
	}
	return false, nil
}

// Watch reloads the manifest whenever its file is written, until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory; editors and deploy tools often replace the file.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.logger.Info("watching manifest", zap.String("path", w.path))
	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	name := filepath.Base(w.path)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if _, err := w.Reload(); err != nil {
					w.logger.Warn("manifest reload failed, keeping previous version", zap.Error(err))
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("manifest watcher error", zap.Error(err))
		}
	}
}
