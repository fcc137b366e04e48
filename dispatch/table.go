package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"slices"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/wireformat"
)

var (
	errUnknownTag        = stdErrors.New("unknown message tag")
	errUnexpectedSegment = stdErrors.New("unexpected shared buffer")
)

// Table is an immutable tag to handler mapping for one actor kind.
type Table[A any] struct {
	handlers map[wireformat.Tag]Handler[A]
	tags     []wireformat.Tag // sorted for consistent iteration
}

type tableBuilder[A any] struct {
	handlers   map[wireformat.Tag]Handler[A]
	middleware []Middleware[A]
	errors     []error
}

// Option configures a Table during construction.
type Option[A any] func(*tableBuilder[A])

// NewTable creates an immutable Table. It fails if a tag is registered twice
// or is not part of the message set.
func NewTable[A any](opts ...Option[A]) (*Table[A], error) {
	b := &tableBuilder[A]{handlers: make(map[wireformat.Tag]Handler[A])}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	tags := make([]wireformat.Tag, 0, len(b.handlers))
	wrapped := make(map[wireformat.Tag]Handler[A], len(b.handlers))
	for tag, h := range b.handlers {
		tags = append(tags, tag)
		// first middleware wraps outermost
		for i := len(b.middleware) - 1; i >= 0; i-- {
			h = b.middleware[i](h)
		}
		wrapped[tag] = h
	}
	slices.Sort(tags)

	return &Table[A]{handlers: wrapped, tags: tags}, nil
}

// MustTable is NewTable for package-level tables built from constant options.
func MustTable[A any](opts ...Option[A]) *Table[A] {
	t, err := NewTable(opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Invoke dispatches env to its handler.
func (t *Table[A]) Invoke(ctx context.Context, a A, env *wireformat.Envelope) error {
	h, ok := t.handlers[env.Tag]
	if !ok {
		return protocolError(env, errUnknownTag)
	}
	return h(NewMessageContext(ctx, env.Tag, env.Actor), a, env)
}

// Has reports whether tag is handled.
func (t *Table[A]) Has(tag wireformat.Tag) bool {
	_, ok := t.handlers[tag]
	return ok
}

// Tags returns the handled tags in ascending order.
func (t *Table[A]) Tags() []wireformat.Tag {
	return slices.Clone(t.tags)
}

func (b *tableBuilder[A]) add(tag wireformat.Tag, h Handler[A]) {
	if !tag.Known() {
		b.errors = append(b.errors, fmt.Errorf("tag %d is not part of the message set", uint16(tag)))
		return
	}
	if _, exists := b.handlers[tag]; exists {
		b.errors = append(b.errors, fmt.Errorf("duplicate handler for %s", tag))
		return
	}
	b.handlers[tag] = h
}

// WithHandler registers a raw Handler.
func WithHandler[A any](tag wireformat.Tag, h Handler[A]) Option[A] {
	return func(b *tableBuilder[A]) {
		b.add(tag, h)
	}
}

// WithMessage registers a typed payload handler.
func WithMessage[A any, T any](tag wireformat.Tag, fn MessageFunc[A, T]) Option[A] {
	return WithHandler(tag, NewMessageHandler(fn))
}

// WithSignal registers a payload-less handler.
func WithSignal[A any](tag wireformat.Tag, fn SignalFunc[A]) Option[A] {
	return WithHandler(tag, NewSignalHandler(fn))
}

// WithMiddleware adds middleware. Middleware executes in FIFO order.
func WithMiddleware[A any](mw ...Middleware[A]) Option[A] {
	return func(b *tableBuilder[A]) {
		b.middleware = append(b.middleware, mw...)
	}
}

// IsProtocolError reports whether err is a contract violation by the peer.
func IsProtocolError(err error) bool {
	var pe *domerrors.ProtocolError
	return stdErrors.As(err, &pe)
}

func protocolError(env *wireformat.Envelope, err error) error {
	return &domerrors.ProtocolError{Err: err, Tag: env.Tag.String(), Actor: env.Actor}
}
