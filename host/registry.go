package host

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reglet-dev/mediahost/application/manifest"
	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/internal/loop"
)

// slot is one registered plugin directory and its current host generation.
type slot struct {
	desc       *entities.PluginDescriptor
	current    *PluginHost
	generation uint64
}

// Registry maps registered plugin directories to their current PluginHost
// generation.
type Registry struct {
	config       registryConfig
	launcher     ports.Launcher
	loop         *loop.Loop
	logger       *zap.Logger
	storage      *storage.Manager
	nodes        map[string]entities.NodeID
	slots        []*slot
	ownsLoop     bool
	shuttingDown bool
}

// NewRegistry creates a Registry that starts plugin processes with launcher.
func NewRegistry(launcher ports.Launcher, opts ...Option) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With(zap.String("component", "plugin_registry"))

	r := &Registry{
		config:   cfg,
		launcher: launcher,
		loop:     cfg.loop,
		logger:   logger,
		storage:  cfg.storage,
		nodes:    make(map[string]entities.NodeID),
	}
	if r.loop == nil {
		r.loop = loop.New(loop.WithName("mediahost"), loop.WithLogger(cfg.logger))
		r.ownsLoop = true
	}
	if r.storage == nil {
		r.storage = storage.NewManager(storage.WithManagerLogger(cfg.logger))
	}
	return r
}

// Loop returns the loop the registry and its hosts run on.
func (r *Registry) Loop() *loop.Loop {
	return r.loop
}

// StorageManager returns the manager serving plugin storage.
func (r *Registry) StorageManager() *storage.Manager {
	return r.storage
}

// Init starts the registry's own loop, if it has one, and registers every
// directory listed in the plugin path environment variable. Directories are
// parsed in parallel and registered in list order. Invalid ones are logged
// and skipped.
func (r *Registry) Init(ctx context.Context) error {
	if r.ownsLoop {
		r.loop.Start()
	}
	var dirs []string
	for _, dir := range filepath.SplitList(os.Getenv(r.config.pathEnv)) {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return r.AddDirectories(ctx, dirs)
}

// AddDirectories parses dirs in parallel and registers the valid ones in
// list order. Invalid directories are logged and skipped.
func (r *Registry) AddDirectories(ctx context.Context, dirs []string) error {
	if len(dirs) == 0 {
		return nil
	}
	descs := make([]*entities.PluginDescriptor, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	for i, dir := range dirs {
		g.Go(func() error {
			desc, err := manifest.Load(dir)
			if err != nil {
				r.logger.Warn("ignoring plugin directory", zap.String("dir", dir), zap.Error(err))
				return nil
			}
			descs[i] = desc
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return r.loop.Call(ctx, func() error {
		for _, desc := range descs {
			if desc != nil {
				r.add(desc)
			}
		}
		return nil
	})
}

// AddDirectory parses dir and registers the plugin it holds. Registering a
// directory twice is a no-op. An invalid manifest is logged and returned as
// a *errors.ManifestError; nothing is registered.
func (r *Registry) AddDirectory(ctx context.Context, dir string) error {
	desc, err := manifest.Load(dir)
	if err != nil {
		r.logger.Warn("rejecting plugin directory", zap.String("dir", dir), zap.Error(err))
		return err
	}
	return r.loop.Call(ctx, func() error {
		r.add(desc)
		return nil
	})
}

func (r *Registry) add(desc *entities.PluginDescriptor) {
	r.loop.AssertOnLoop()
	if r.shuttingDown {
		r.logger.Debug("ignoring plugin added during shutdown", zap.String("dir", desc.Directory))
		return
	}
	if r.slotByKey(desc.Key()) != nil {
		return
	}
	s := &slot{desc: desc, generation: 1}
	s.current = newHost(r, desc, s.generation)
	r.slots = append(r.slots, s)
	r.logger.Info("plugin registered",
		zap.String("plugin", desc.Name),
		zap.String("version", desc.Version),
		zap.String("dir", desc.Directory))
}

// RemoveDirectory unregisters the plugin in dir and unloads its process once
// its sessions are gone. It returns errors.ErrNotFound when dir was never
// registered.
func (r *Registry) RemoveDirectory(ctx context.Context, dir string) error {
	key := filepath.Clean(dir)
	return r.loop.Call(ctx, func() error {
		s := r.slotByKey(key)
		if s == nil {
			return fmt.Errorf("plugin directory %s: %w", dir, domerrors.ErrNotFound)
		}
		r.slots = slices.DeleteFunc(r.slots, func(other *slot) bool { return other == s })
		r.logger.Info("plugin removed", zap.String("plugin", s.desc.Name), zap.String("dir", dir))
		s.current.CloseActive(true)
		return nil
	})
}

// ShutdownAll asks every host to unload for good. The returned channel is
// closed once all of them have finished. Must run on the loop.
func (r *Registry) ShutdownAll() <-chan struct{} {
	r.loop.AssertOnLoop()
	r.shuttingDown = true

	var g errgroup.Group
	for _, s := range slices.Clone(r.slots) {
		h := s.current
		h.CloseActive(true)
		done := h.Done()
		g.Go(func() error {
			<-done
			return nil
		})
	}

	out := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

// Shutdown unloads every plugin, waits for the processes to go away and
// stops the registry's own loop.
func (r *Registry) Shutdown(ctx context.Context) error {
	var done <-chan struct{}
	err := r.loop.Call(ctx, func() error {
		done = r.ShutdownAll()
		return nil
	})
	if err != nil && !stdErrors.Is(err, domerrors.ErrLoopStopped) {
		return err
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.ownsLoop {
		return r.loop.Stop(ctx)
	}
	return nil
}

// Descriptors returns the registered descriptors in registration order. Must
// run on the loop.
func (r *Registry) Descriptors() []*entities.PluginDescriptor {
	r.loop.AssertOnLoop()
	out := make([]*entities.PluginDescriptor, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.desc)
	}
	return out
}

// Hosts returns the current host of every registered plugin. Must run on
// the loop.
func (r *Registry) Hosts() []*PluginHost {
	r.loop.AssertOnLoop()
	out := make([]*PluginHost, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.current)
	}
	return out
}

func (r *Registry) slotByKey(key string) *slot {
	for _, s := range r.slots {
		if s.desc.Key() == key {
			return s
		}
	}
	return nil
}

func (r *Registry) slotOf(h *PluginHost) *slot {
	for _, s := range r.slots {
		if s.current == h {
			return s
		}
	}
	return nil
}

// nodeFor returns the storage namespace of origin.
func (r *Registry) nodeFor(origin string) entities.NodeID {
	if origin == "" {
		return entities.NullNodeID
	}
	if r.config.nodeResolver != nil {
		return r.config.nodeResolver(origin)
	}
	node, ok := r.nodes[origin]
	if !ok {
		node = storage.NewNodeID()
		r.nodes[origin] = node
	}
	return node
}

// hostFinished is called once per generation when it is done. A generation
// that unloaded normally is replaced at once; one that died is replaced the
// next time it is selected.
func (r *Registry) hostFinished(h *PluginHost) {
	s := r.slotOf(h)
	if s == nil {
		return
	}
	if h.dieOnUnload || r.shuttingDown {
		r.logger.Debug("plugin generation finished",
			zap.String("plugin", h.desc.Name), zap.Uint64("generation", h.generation))
		return
	}
	r.revive(s)
}

// revive swaps a fresh generation into s and retires the old one after the
// current task.
func (r *Registry) revive(s *slot) *PluginHost {
	old := s.current
	s.generation++
	s.current = newHost(r, s.desc, s.generation)
	r.logger.Debug("plugin generation replaced",
		zap.String("plugin", s.desc.Name), zap.Uint64("generation", s.generation))
	if err := r.loop.Dispatch(old.retire); err != nil {
		old.retire()
	}
	return s.current
}
