// Package watcher keeps the plugin registry in step with plugin directories
// appearing and disappearing under a set of parent directories.
package watcher

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
)

// Registrar is the part of the registry the watcher drives.
type Registrar interface {
	AddDirectory(ctx context.Context, dir string) error
	RemoveDirectory(ctx context.Context, dir string) error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounceDelay sets how long a directory must be quiet before it is
// re-examined.
func WithDebounceDelay(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher watches parent directories for "gmp-*" children. A child that
// exists once its events settle is added to the registry; one that is gone
// is removed.
type Watcher struct {
	registrar Registrar
	logger    *zap.Logger
	pending   map[string]struct{}
	timer     *time.Timer
	fire      chan struct{}
	roots     []string
	debounce  time.Duration
	mu        sync.Mutex
}

// New creates a Watcher over roots.
func New(registrar Registrar, roots []string, opts ...Option) *Watcher {
	w := &Watcher{
		registrar: registrar,
		roots:     roots,
		debounce:  250 * time.Millisecond,
		logger:    zap.NewNop(),
		pending:   make(map[string]struct{}),
		fire:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "plugin_watcher"))
	return w
}

// Run registers the plugin directories already present under the roots and
// then follows changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	for _, root := range w.roots {
		if err := fw.Add(root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return fmt.Errorf("scan %s: %w", root, err)
		}
		for _, e := range entries {
			if e.IsDir() && isPluginDir(e.Name()) {
				w.schedule(filepath.Join(root, e.Name()))
			}
		}
	}
	w.logger.Info("watching plugin directories", zap.Strings("roots", w.roots))

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if dir, ok := w.pluginDirOf(event.Name); ok {
				w.schedule(dir)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case <-w.fire:
			w.flush(ctx, fw)
		}
	}
}

// pluginDirOf maps an event path to the plugin directory it concerns: the
// path itself when it is a "gmp-*" child of a root, or its parent when the
// event is for a file inside one.
func (w *Watcher) pluginDirOf(path string) (string, bool) {
	for _, candidate := range []string{path, filepath.Dir(path)} {
		if isPluginDir(filepath.Base(candidate)) && w.isRootChild(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (w *Watcher) isRootChild(path string) bool {
	parent := filepath.Clean(filepath.Dir(path))
	for _, root := range w.roots {
		if filepath.Clean(root) == parent {
			return true
		}
	}
	return false
}

func isPluginDir(name string) bool {
	return strings.HasPrefix(name, entities.DirectoryPrefix) && len(name) > len(entities.DirectoryPrefix)
}

func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[dir] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, func() {
			select {
			case w.fire <- struct{}{}:
			default:
			}
		})
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) flush(ctx context.Context, fw *fsnotify.Watcher) {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.pending))
	for dir := range w.pending {
		dirs = append(dirs, dir)
	}
	clear(w.pending)
	w.mu.Unlock()

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			// Watch inside so a manifest written after the directory is seen.
			_ = fw.Add(dir)
			if err := w.registrar.AddDirectory(ctx, dir); err != nil {
				w.logger.Debug("plugin directory not ready", zap.String("dir", dir), zap.Error(err))
			}
			continue
		}
		_ = fw.Remove(dir)
		if err := w.registrar.RemoveDirectory(ctx, dir); err != nil && !stdErrors.Is(err, domerrors.ErrNotFound) {
			w.logger.Warn("removing plugin directory", zap.String("dir", dir), zap.Error(err))
		}
	}
}
