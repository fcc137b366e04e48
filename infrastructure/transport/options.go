package transport

import (
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/wireformat"
)

type channelConfig struct {
	logger       *zap.Logger
	name         string
	maxFrameSize int
}

func defaultChannelConfig() channelConfig {
	return channelConfig{
		logger:       zap.NewNop(),
		name:         "channel",
		maxFrameSize: wireformat.DefaultMaxFrameSize,
	}
}

// Option configures a channel.
type Option func(*channelConfig)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *channelConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithName labels the channel in logs.
func WithName(name string) Option {
	return func(c *channelConfig) {
		c.name = name
	}
}

// WithMaxFrameSize bounds the frames a channel sends and, on a Stream, the
// frames it accepts.
func WithMaxFrameSize(n int) Option {
	return func(c *channelConfig) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

func buildConfig(opts []Option) channelConfig {
	cfg := defaultChannelConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
