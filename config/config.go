// Package config loads the host configuration from YAML and the environment.
package config

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/mediahost/application/schema"
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/log"
	"github.com/reglet-dev/mediahost/shmem"
)

// Environment variables overlaid on the file.
const (
	EnvPluginPath = "MEDIAHOST_PLUGIN_PATH"
	EnvProfileDir = "MEDIAHOST_PROFILE_DIR"
	EnvLogLevel   = "MEDIAHOST_LOG_LEVEL"
)

// Sandbox kinds.
const (
	SandboxInProc     = "inproc"
	SandboxSubprocess = "subprocess"
)

// validate is a package-level singleton; validators cache struct metadata.
var validate = validator.New()

// Config is the host configuration.
type Config struct {
	// ProfileDir enables persistent plugin storage under
	// <profile>/gmp/storage.
	ProfileDir string `yaml:"profile_dir" json:"profile_dir,omitempty" jsonschema:"description=Profile directory holding persistent plugin storage"`

	// PluginDirs are registered at startup in order.
	PluginDirs []string `yaml:"plugin_dirs" json:"plugin_dirs,omitempty" validate:"dive,required" jsonschema:"description=Plugin directories named gmp-<name>"`

	Sandbox string `yaml:"sandbox" json:"sandbox" validate:"oneof=inproc subprocess" jsonschema:"enum=inproc,enum=subprocess,default=subprocess"`

	LaunchTimeout   time.Duration `yaml:"launch_timeout" json:"launch_timeout" validate:"gt=0" jsonschema:"type=integer,description=Nanoseconds to wait for a plugin process to start"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" json:"teardown_timeout" validate:"gt=0" jsonschema:"type=integer,description=Nanoseconds to wait for a plugin process to acknowledge shutdown"`

	Pool    PoolConfig    `yaml:"pool" json:"pool"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Watch   WatchConfig   `yaml:"watch" json:"watch"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Log     log.Config    `yaml:"log" json:"log"`
}

// PoolConfig sizes the shared buffer pools.
type PoolConfig struct {
	MaxBuffers int `yaml:"max_buffers" json:"max_buffers" validate:"min=1,max=1024" jsonschema:"minimum=1,default=20"`
}

// StorageConfig controls plugin record storage.
type StorageConfig struct {
	// Persistent allows disk storage for bound origins when ProfileDir is set.
	Persistent    bool `yaml:"persistent" json:"persistent"`
	MaxRecordSize int  `yaml:"max_record_size" json:"max_record_size" validate:"min=1,max=1073741823" jsonschema:"minimum=1"`
}

// WatchConfig enables the plugin directory watcher.
type WatchConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Roots are parent directories whose gmp-* children are followed.
	Roots    []string      `yaml:"roots" json:"roots,omitempty" validate:"required_if=Enabled true,dive,required"`
	Debounce time.Duration `yaml:"debounce" json:"debounce,omitempty" validate:"gte=0" jsonschema:"type=integer"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	// Listen is host:port; empty disables the endpoint.
	Listen string `yaml:"listen" json:"listen,omitempty" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sandbox:         SandboxSubprocess,
		LaunchTimeout:   10 * time.Second,
		TeardownTimeout: 5 * time.Second,
		Pool:            PoolConfig{MaxBuffers: shmem.DefaultMaxPoolLength},
		Storage:         StorageConfig{MaxRecordSize: entities.MaxRecordSize},
		Watch:           WatchConfig{Debounce: 250 * time.Millisecond},
		Log:             log.DefaultConfig(),
	}
}

type loadOptions struct {
	lookupEnv func(string) (string, bool)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		o.lookupEnv = fn
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv(o.lookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses YAML into cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stdErrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPluginPath); ok {
		for _, dir := range filepath.SplitList(v) {
			if dir != "" {
				c.PluginDirs = append(c.PluginDirs, dir)
			}
		}
	}
	if v, ok := lookup(EnvProfileDir); ok {
		c.ProfileDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	return schema.Generate(&Config{}, "mediahost configuration")
}
