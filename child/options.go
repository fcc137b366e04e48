package child

import (
	"time"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/shmem"
)

// DefaultTeardownTimeout bounds how long completing a codec waits for its
// queued callbacks to drain.
const DefaultTeardownTimeout = 5 * time.Second

// childSegmentBase keeps child segment ids clear of host ids.
const childSegmentBase = 1 << 48

// runtimeConfig holds configuration for a Runtime.
type runtimeConfig struct {
	loader          ports.ModuleLoader
	logger          *zap.Logger
	poolOptions     []shmem.PoolOption
	teardownTimeout time.Duration
	maxRecordSize   int
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		loader:          NewLoader(),
		logger:          zap.NewNop(),
		teardownTimeout: DefaultTeardownTimeout,
		maxRecordSize:   entities.MaxRecordSize,
	}
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithLoader sets the module loader used for StartPlugin.
func WithLoader(l ports.ModuleLoader) Option {
	return func(c *runtimeConfig) {
		if l != nil {
			c.loader = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *runtimeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTeardownTimeout bounds the callback drain when a codec is completed.
func WithTeardownTimeout(d time.Duration) Option {
	return func(c *runtimeConfig) {
		if d > 0 {
			c.teardownTimeout = d
		}
	}
}

// WithPoolOptions configures the output buffer pool.
func WithPoolOptions(opts ...shmem.PoolOption) Option {
	return func(c *runtimeConfig) {
		c.poolOptions = append(c.poolOptions, opts...)
	}
}

// WithMaxRecordSize caps record values a codec may write. Larger writes
// fail with ErrQuotaExceeded before reaching the host. Values above
// entities.MaxRecordSize are ignored.
func WithMaxRecordSize(n int) Option {
	return func(c *runtimeConfig) {
		if n > 0 && n <= entities.MaxRecordSize {
			c.maxRecordSize = n
		}
	}
}
