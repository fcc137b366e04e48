package host

import (
	"time"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/internal/loop"
	"github.com/reglet-dev/mediahost/shmem"
)

// PluginPathEnv lists plugin directories to register at Init, separated by
// the platform path-list separator.
const PluginPathEnv = "MEDIAHOST_PLUGIN_PATH"

// Default timeouts.
const (
	DefaultLaunchTimeout   = 10 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
)

// CrashHandler is told about every plugin process that dies abnormally.
type CrashHandler func(desc *entities.PluginDescriptor, err error)

// NodeResolver maps an origin to its storage namespace.
type NodeResolver func(origin string) entities.NodeID

// Observer receives host lifecycle events, typically for metrics.
type Observer interface {
	HostStateChanged(plugin string, from, to entities.PluginProcessState)
	SessionOpened(plugin string, kind entities.SessionKind)
	SessionClosed(plugin string, kind entities.SessionKind)
	PluginCrashed(plugin string)
}

// registryConfig holds configuration for a Registry and its hosts.
type registryConfig struct {
	loop            *loop.Loop
	logger          *zap.Logger
	storage         *storage.Manager
	observer        Observer
	messages        dispatch.Observer
	storageObserver storage.Observer
	crashHandler    CrashHandler
	nodeResolver    NodeResolver
	poolOptions     []shmem.PoolOption
	pathEnv         string
	launchTimeout   time.Duration
	teardownTimeout time.Duration
	persistStorage  bool
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{
		logger:          zap.NewNop(),
		pathEnv:         PluginPathEnv,
		launchTimeout:   DefaultLaunchTimeout,
		teardownTimeout: DefaultTeardownTimeout,
	}
}

// Option configures a Registry.
type Option func(*registryConfig)

// WithLoop runs the registry on l instead of a loop of its own. The caller
// starts and stops an injected loop.
func WithLoop(l *loop.Loop) Option {
	return func(c *registryConfig) {
		c.loop = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *registryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStorageManager sets where plugin storage lives. By default storage is
// memory only.
func WithStorageManager(m *storage.Manager) Option {
	return func(c *registryConfig) {
		c.storage = m
	}
}

// WithPersistentStorage allows storage of bound origins to go to disk.
func WithPersistentStorage(allowed bool) Option {
	return func(c *registryConfig) {
		c.persistStorage = allowed
	}
}

// WithNodeResolver sets how origins map to storage namespaces. By default
// each origin gets a random id for the registry's lifetime.
func WithNodeResolver(r NodeResolver) Option {
	return func(c *registryConfig) {
		c.nodeResolver = r
	}
}

// WithLaunchTimeout bounds process launch and plugin start.
func WithLaunchTimeout(d time.Duration) Option {
	return func(c *registryConfig) {
		if d > 0 {
			c.launchTimeout = d
		}
	}
}

// WithTeardownTimeout bounds how long a host waits for ShutdownComplete
// before killing the process.
func WithTeardownTimeout(d time.Duration) Option {
	return func(c *registryConfig) {
		if d > 0 {
			c.teardownTimeout = d
		}
	}
}

// WithObserver sets the host lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *registryConfig) {
		c.observer = o
	}
}

// WithMessageObserver observes every message hosts receive.
func WithMessageObserver(o dispatch.Observer) Option {
	return func(c *registryConfig) {
		c.messages = o
	}
}

// WithStorageObserver observes every storage operation plugins perform.
func WithStorageObserver(o storage.Observer) Option {
	return func(c *registryConfig) {
		c.storageObserver = o
	}
}

// WithCrashHandler sets the crash handler.
func WithCrashHandler(h CrashHandler) Option {
	return func(c *registryConfig) {
		c.crashHandler = h
	}
}

// WithPoolOptions configures every host's buffer pool.
func WithPoolOptions(opts ...shmem.PoolOption) Option {
	return func(c *registryConfig) {
		c.poolOptions = append(c.poolOptions, opts...)
	}
}

// WithPathEnv changes the environment variable read by Init. An empty name
// disables it.
func WithPathEnv(name string) Option {
	return func(c *registryConfig) {
		c.pathEnv = name
	}
}
