package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/wireformat"
)

type pipe struct {
	mu     sync.Mutex
	closed bool
}

// PipeEnd is one endpoint of an in-memory channel pair. Segments are handed
// to the peer by pointer.
type PipeEnd struct {
	pipe     *pipe
	peer     *PipeEnd
	in       *inbox
	logger   *zap.Logger
	done     chan struct{}
	closeErr error
	maxFrame int
	started  bool
}

var _ ports.Channel = (*PipeEnd)(nil)

// NewPipe returns two connected endpoints.
func NewPipe(opts ...Option) (*PipeEnd, *PipeEnd) {
	cfg := buildConfig(opts)
	p := &pipe{}
	a := &PipeEnd{pipe: p, in: newInbox(), done: make(chan struct{}), maxFrame: cfg.maxFrameSize,
		logger: cfg.logger.With(zap.String("component", "transport"), zap.String("channel", cfg.name+"/a"))}
	b := &PipeEnd{pipe: p, in: newInbox(), done: make(chan struct{}), maxFrame: cfg.maxFrameSize,
		logger: cfg.logger.With(zap.String("component", "transport"), zap.String("channel", cfg.name+"/b"))}
	a.peer, b.peer = b, a
	return a, b
}

// Start begins delivery to l on a dedicated goroutine.
func (e *PipeEnd) Start(l ports.ChannelListener) error {
	e.pipe.mu.Lock()
	if e.started {
		e.pipe.mu.Unlock()
		return fmt.Errorf("pipe endpoint already started")
	}
	e.started = true
	e.pipe.mu.Unlock()

	go e.deliver(l)
	return nil
}

func (e *PipeEnd) deliver(l ports.ChannelListener) {
	defer close(e.done)
	for {
		batch, ok := e.in.take()
		if !ok {
			break
		}
		for _, env := range batch {
			l.OnMessage(env)
		}
	}
	e.pipe.mu.Lock()
	err := e.closeErr
	e.pipe.mu.Unlock()
	l.OnChannelClosed(err)
}

// Send hands env to the peer. The frame limit applies as on a Stream so
// both launchers accept the same messages.
func (e *PipeEnd) Send(env *wireformat.Envelope) error {
	if err := wireformat.CheckFrameSize(env, e.maxFrame); err != nil {
		return &domerrors.TransportError{Operation: "send " + env.Tag.String(), Err: err}
	}
	e.pipe.mu.Lock()
	closed := e.pipe.closed
	e.pipe.mu.Unlock()
	if closed || !e.peer.in.push(env) {
		return &domerrors.TransportError{Operation: "send " + env.Tag.String(), Err: domerrors.ErrClosed}
	}
	return nil
}

// Close shuts both endpoints. Messages already queued for the peer are still
// delivered before it sees ErrPeerClosed; messages queued for this end are
// dropped.
func (e *PipeEnd) Close() error {
	e.pipe.mu.Lock()
	if e.pipe.closed {
		e.pipe.mu.Unlock()
		return nil
	}
	e.pipe.closed = true
	e.closeErr = nil
	e.peer.closeErr = domerrors.ErrPeerClosed
	e.pipe.mu.Unlock()

	e.logger.Debug("pipe closed")
	e.in.close(true)
	e.peer.in.close(false)
	return nil
}

// Done is closed after the listener has received OnChannelClosed.
func (e *PipeEnd) Done() <-chan struct{} {
	return e.done
}
