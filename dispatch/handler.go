package dispatch

import (
	"context"

	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// Handler processes one envelope addressed to actor a.
type Handler[A any] func(ctx context.Context, a A, env *wireformat.Envelope) error

// MessageFunc handles a message with a typed payload and an optional segment.
type MessageFunc[A any, T any] func(a A, msg *T, seg *shmem.Segment) error

// SignalFunc handles a payload-less message.
type SignalFunc[A any] func(a A) error

// NewMessageHandler wraps a typed MessageFunc into a Handler. It decodes the
// JSON payload; a decode failure is reported as a protocol violation.
func NewMessageHandler[A any, T any](fn MessageFunc[A, T]) Handler[A] {
	return func(_ context.Context, a A, env *wireformat.Envelope) error {
		var msg T
		if err := env.Decode(&msg); err != nil {
			return protocolError(env, err)
		}
		return fn(a, &msg, env.Segment)
	}
}

// NewSignalHandler wraps a SignalFunc into a Handler. A signal carrying a
// segment is a protocol violation since the segment would leak.
func NewSignalHandler[A any](fn SignalFunc[A]) Handler[A] {
	return func(_ context.Context, a A, env *wireformat.Envelope) error {
		if env.Segment != nil {
			return protocolError(env, errUnexpectedSegment)
		}
		return fn(a)
	}
}
