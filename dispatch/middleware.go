package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/wireformat"
)

// Middleware wraps a Handler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware[A any] func(next Handler[A]) Handler[A]

// Observer is notified after each dispatched message.
type Observer interface {
	MessageHandled(tag wireformat.Tag, elapsed time.Duration, err error)
}

// LoggingMiddleware logs every dispatched message at debug level and handler
// failures at warn level.
func LoggingMiddleware[A any](logger *zap.Logger) Middleware[A] {
	return func(next Handler[A]) Handler[A] {
		return func(ctx context.Context, a A, env *wireformat.Envelope) error {
			err := next(ctx, a, env)
			if err != nil {
				logger.Warn("message handler failed",
					zap.Stringer("tag", env.Tag),
					zap.Uint32("actor", env.Actor),
					zap.Error(err))
			} else if ce := logger.Check(zap.DebugLevel, "message handled"); ce != nil {
				ce.Write(zap.Stringer("tag", env.Tag), zap.Uint32("actor", env.Actor))
			}
			return err
		}
	}
}

// ObserverMiddleware reports handling time and outcome to o.
func ObserverMiddleware[A any](o Observer) Middleware[A] {
	return func(next Handler[A]) Handler[A] {
		return func(ctx context.Context, a A, env *wireformat.Envelope) error {
			start := time.Now()
			err := next(ctx, a, env)
			o.MessageHandled(env.Tag, time.Since(start), err)
			return err
		}
	}
}
