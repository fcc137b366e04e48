// Package loop provides the single-goroutine task executor every subsystem
// generation is pinned to. Cross-goroutine interaction happens only by
// dispatching a task onto the owning loop.
package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"go.uber.org/zap"
)

// loopConfig holds configuration for a Loop.
type loopConfig struct {
	logger *zap.Logger
	name   string
}

func defaultLoopConfig() loopConfig {
	return loopConfig{
		logger: zap.NewNop(),
		name:   "loop",
	}
}

// Option configures a Loop.
type Option func(*loopConfig)

// WithLogger sets the logger used for task panics and lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(c *loopConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithName sets the loop name used in logs and assertions.
func WithName(name string) Option {
	return func(c *loopConfig) {
		c.name = name
	}
}

// Loop runs dispatched tasks one at a time, in FIFO order, on a dedicated
// goroutine. Tasks may re-enter the loop through RunUntil to drain queued
// work while they wait for a condition.
type Loop struct {
	config  loopConfig
	logger  *zap.Logger
	wake    chan struct{}
	done    chan struct{}
	queue   []func()
	mu      sync.Mutex
	goid    atomic.Int64
	stopped atomic.Bool
	started atomic.Bool
}

// New creates a Loop. Call Start to begin running tasks.
func New(opts ...Option) *Loop {
	cfg := defaultLoopConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loop{
		config: cfg,
		logger: cfg.logger.With(zap.String("loop", cfg.name)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.config.name
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	ready := make(chan struct{})
	go l.run(ready)
	<-ready
}

func (l *Loop) run(ready chan<- struct{}) {
	l.goid.Store(currentGoroutineID())
	close(ready)
	defer close(l.done)

	for {
		task, ok := l.pop()
		if ok {
			l.runTask(task)
			continue
		}
		if l.stopped.Load() {
			return
		}
		<-l.wake
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			panic(r)
		}
	}()
	task()
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

// Dispatch queues fn to run on the loop goroutine. It never runs fn inline,
// even when called from the loop itself, so a handler can defer work until the
// current task has unwound.
func (l *Loop) Dispatch(fn func()) error {
	if l.stopped.Load() {
		return domerrors.ErrLoopStopped
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the loop and waits for it to finish or for ctx to expire.
// It must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	if l.OnLoop() {
		panic(fmt.Sprintf("loop %s: Call from the loop goroutine would deadlock", l.config.name))
	}
	result := make(chan error, 1)
	if err := l.Dispatch(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	id := l.goid.Load()
	return id != 0 && id == currentGoroutineID()
}

// AssertOnLoop panics if the caller is not running on the loop goroutine.
func (l *Loop) AssertOnLoop() {
	if !l.OnLoop() {
		panic(fmt.Sprintf("loop %s: called off the owning goroutine", l.config.name))
	}
}

// RunUntil drains queued tasks inline until cond returns true or timeout
// elapses. It must be called from a task on this loop and reports whether cond
// was satisfied.
func (l *Loop) RunUntil(cond func() bool, timeout time.Duration) bool {
	l.AssertOnLoop()
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for !cond() {
		if task, ok := l.pop(); ok {
			l.runTask(task)
			continue
		}
		if !time.Now().Before(deadline) {
			return cond()
		}
		select {
		case <-l.wake:
		case <-timer.C:
			return cond()
		}
	}
	return true
}

// Stop stops accepting tasks, lets the goroutine drain what is queued and
// waits for it to exit or ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	if l.stopped.CompareAndSwap(false, true) {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	if !l.started.Load() {
		return nil
	}
	if l.OnLoop() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
