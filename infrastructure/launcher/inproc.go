package launcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/infrastructure/transport"
)

// InProc runs each plugin "process" as a child.Runtime in this process.
// There is no isolation; it is meant for tests and trusted static codecs.
type InProc struct {
	logger       *zap.Logger
	childOptions []child.Option
	next         atomic.Uint64
}

var _ ports.Launcher = (*InProc)(nil)

// InProcOption configures an InProc launcher.
type InProcOption func(*InProc)

// WithChildOptions sets the options every runtime is created with.
func WithChildOptions(opts ...child.Option) InProcOption {
	return func(l *InProc) {
		l.childOptions = append(l.childOptions, opts...)
	}
}

// WithInProcLogger sets the logger.
func WithInProcLogger(logger *zap.Logger) InProcOption {
	return func(l *InProc) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewInProc creates an InProc launcher.
func NewInProc(opts ...InProcOption) *InProc {
	l := &InProc{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch implements ports.Launcher.
func (l *InProc) Launch(ctx context.Context, req ports.LaunchRequest) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("inproc-%s-%d", req.Name, l.next.Add(1))
	logger := l.logger.With(zap.String("process", id))

	hostEnd, childEnd := transport.NewPipe(transport.WithName(id), transport.WithLogger(logger))
	opts := append([]child.Option{child.WithLogger(logger)}, l.childOptions...)
	rt := child.NewRuntime(childEnd, opts...)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &inprocProcess{id: id, channel: hostEnd, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := rt.Run(runCtx); err != nil {
			logger.Warn("child runtime exited with error", zap.Error(err))
		}
	}()
	return p, nil
}

type inprocProcess struct {
	channel ports.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	id      string
}

func (p *inprocProcess) ID() string             { return p.id }
func (p *inprocProcess) Channel() ports.Channel { return p.channel }
func (p *inprocProcess) Done() <-chan struct{}  { return p.done }

// Kill cancels the runtime, which closes its end of the pipe.
func (p *inprocProcess) Kill() error {
	p.cancel()
	return nil
}
