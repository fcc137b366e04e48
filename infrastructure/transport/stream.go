package transport

import (
	stdErrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/wireformat"
)

// Stream is a ports.Channel over a byte stream. Each envelope is written as
// one length-prefixed frame; segments are copied into the frame.
type Stream struct {
	rwc     io.ReadWriteCloser
	out     *inbox
	logger  *zap.Logger
	done    chan struct{}
	config  channelConfig
	once    sync.Once
	started atomic.Bool
	closing atomic.Bool
}

var _ ports.Channel = (*Stream)(nil)

// NewStream wraps rwc. Nothing is read or written until Start.
func NewStream(rwc io.ReadWriteCloser, opts ...Option) *Stream {
	cfg := buildConfig(opts)
	return &Stream{
		rwc:    rwc,
		out:    newInbox(),
		done:   make(chan struct{}),
		config: cfg,
		logger: cfg.logger.With(zap.String("component", "transport"), zap.String("channel", cfg.name)),
	}
}

// Start launches the reader and writer goroutines.
func (s *Stream) Start(l ports.ChannelListener) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("stream already started")
	}
	go s.write()
	go s.read(l)
	return nil
}

// Send queues env for the writer goroutine. Frames over the configured limit
// are refused here; the peer would drop the connection on them.
func (s *Stream) Send(env *wireformat.Envelope) error {
	if err := wireformat.CheckFrameSize(env, s.config.maxFrameSize); err != nil {
		return &domerrors.TransportError{Operation: "send " + env.Tag.String(), Err: err}
	}
	if s.closing.Load() || !s.out.push(env) {
		return &domerrors.TransportError{Operation: "send " + env.Tag.String(), Err: domerrors.ErrClosed}
	}
	return nil
}

// Close flushes queued envelopes and closes the underlying stream.
func (s *Stream) Close() error {
	s.closing.Store(true)
	s.out.close(false)
	if !s.started.Load() {
		return s.closeStream()
	}
	return nil
}

// Done is closed after the listener has received OnChannelClosed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) closeStream() error {
	var err error
	s.once.Do(func() {
		err = s.rwc.Close()
	})
	return err
}

func (s *Stream) write() {
	for {
		batch, ok := s.out.take()
		if !ok {
			break
		}
		for _, env := range batch {
			if err := wireformat.WriteEnvelope(s.rwc, env); err != nil {
				s.logger.Warn("write failed, closing stream", zap.Stringer("tag", env.Tag), zap.Error(err))
				s.closing.Store(true)
				s.out.close(true)
				_ = s.closeStream()
				return
			}
		}
	}
	_ = s.closeStream()
}

func (s *Stream) read(l ports.ChannelListener) {
	defer close(s.done)
	for {
		env, err := wireformat.ReadEnvelope(s.rwc, s.config.maxFrameSize)
		if err != nil {
			l.OnChannelClosed(s.classify(err))
			return
		}
		l.OnMessage(env)
	}
}

func (s *Stream) classify(err error) error {
	if s.closing.Load() {
		return nil
	}
	s.closing.Store(true)
	s.out.close(true)
	_ = s.closeStream()
	if stdErrors.Is(err, io.EOF) || stdErrors.Is(err, io.ErrUnexpectedEOF) {
		return domerrors.ErrPeerClosed
	}
	s.logger.Warn("read failed", zap.Error(err))
	return &domerrors.TransportError{Operation: "read", Err: err}
}

// StdioConn joins a read half and a write half into one io.ReadWriteCloser.
type StdioConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

// NewStdioConn returns a connection reading from r and writing to w. Close
// closes both when they implement io.Closer.
func NewStdioConn(r io.Reader, w io.Writer) *StdioConn {
	c := &StdioConn{Reader: r, Writer: w}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	return c
}

// Close closes both halves and returns the first error.
func (c *StdioConn) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
