package child

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/internal/loop"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// actor is one addressable object inside the plugin process.
type actor interface {
	handle(ctx context.Context, env *wireformat.Envelope) error

	// abort releases the actor when the channel is gone. Nothing is sent.
	abort()
}

// Runtime serves one host channel.
type Runtime struct {
	config   runtimeConfig
	logger   *zap.Logger
	loop     *loop.Loop
	channel  ports.Channel
	pool     *shmem.Pool
	module   ports.CodecModule
	platform *platform
	actors   map[uint32]actor
	done     chan struct{}
	exitErr  error

	// pending counts RunOnMainThread tasks queued but not yet run.
	pending     atomic.Int64
	nextStorage uint32
	started     bool
	shutdown    bool
	finished    bool
}

var controlTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagStartPlugin, (*Runtime).recvStartPlugin),
	dispatch.WithMessage(wireformat.TagConstructActor, (*Runtime).recvConstructActor),
	dispatch.WithMessage(wireformat.TagActorDeleted, (*Runtime).recvActorDeleted),
	dispatch.WithSignal(wireformat.TagBeginShutdown, (*Runtime).recvBeginShutdown),
)

// NewRuntime creates a runtime over ch. Call Run to serve it.
func NewRuntime(ch ports.Channel, opts ...Option) *Runtime {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With(zap.String("component", "child"))
	l := loop.New(loop.WithName("child"), loop.WithLogger(logger))
	poolOpts := append([]shmem.PoolOption{
		shmem.WithAllocator(shmem.NewHeapAllocator(childSegmentBase)),
		shmem.WithOwner(l),
		shmem.WithLogger(logger),
	}, cfg.poolOptions...)

	r := &Runtime{
		config:      cfg,
		logger:      logger,
		loop:        l,
		channel:     ch,
		pool:        shmem.NewPool(poolOpts...),
		actors:      make(map[uint32]actor),
		done:        make(chan struct{}),
		nextStorage: 2,
	}
	r.platform = &platform{rt: r}
	return r
}

// Run serves the channel until the host closes it or ctx is cancelled. It
// returns nil after an orderly shutdown or a local cancel.
func (r *Runtime) Run(ctx context.Context) error {
	r.loop.Start()
	if err := r.channel.Start(listener{r}); err != nil {
		r.stopLoop()
		return fmt.Errorf("start channel: %w", err)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		_ = r.channel.Close()
		<-r.done
	}
	r.stopLoop()
	return r.exitErr
}

// Loop returns the runtime's main loop.
func (r *Runtime) Loop() *loop.Loop {
	return r.loop
}

func (r *Runtime) stopLoop() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.teardownTimeout)
	defer cancel()
	if err := r.loop.Stop(ctx); err != nil {
		r.logger.Warn("loop did not stop", zap.Error(err))
	}
}

// listener moves channel events onto the loop.
type listener struct {
	rt *Runtime
}

func (l listener) OnMessage(env *wireformat.Envelope) {
	if err := l.rt.loop.Dispatch(func() { l.rt.handle(env) }); err != nil {
		l.rt.logger.Debug("message after loop stop", zap.Stringer("tag", env.Tag))
	}
}

func (l listener) OnChannelClosed(err error) {
	if dErr := l.rt.loop.Dispatch(func() { l.rt.channelClosed(err) }); dErr != nil {
		l.rt.logger.Debug("channel closed after loop stop", zap.Error(err))
	}
}

func (r *Runtime) handle(env *wireformat.Envelope) {
	if r.finished {
		return
	}
	ctx := context.Background()
	var err error
	if env.Actor == wireformat.ControlActor {
		err = controlTable.Invoke(ctx, r, env)
	} else if a, ok := r.actors[env.Actor]; ok {
		err = a.handle(ctx, env)
	} else {
		err = r.orphan(env)
	}
	if err == nil {
		return
	}
	if dispatch.IsProtocolError(err) {
		r.logger.Error("host broke the protocol, closing channel", zap.Error(err))
		r.exitErr = err
		_ = r.channel.Close()
		return
	}
	r.logger.Warn("message handling failed", zap.Stringer("tag", env.Tag), zap.Error(err))
}

// orphan handles a message for an actor that is already gone. Returned
// segments still belong in the pool; anything else raced with deletion.
func (r *Runtime) orphan(env *wireformat.Envelope) error {
	if env.Tag == wireformat.TagReturnShmem && env.Segment != nil {
		var msg wireformat.ReturnShmemWire
		if err := env.Decode(&msg); err != nil {
			return &domerrors.ProtocolError{Tag: env.Tag.String(), Actor: env.Actor, Err: err}
		}
		return r.reclaim(env.Actor, &msg, env.Segment)
	}
	r.logger.Debug("dropping message for unknown actor", zap.Stringer("tag", env.Tag), zap.Uint32("actor", env.Actor))
	return nil
}

func (r *Runtime) reclaim(actor uint32, msg *wireformat.ReturnShmemWire, seg *shmem.Segment) error {
	class := shmem.Class(msg.Class)
	if seg == nil || !class.Valid() {
		return &domerrors.ProtocolError{Tag: wireformat.TagReturnShmem.String(), Actor: actor, Err: fmt.Errorf("bad returned segment")}
	}
	r.pool.Give(class, seg)
	return nil
}

func (r *Runtime) channelClosed(err error) {
	if r.finished {
		return
	}
	if err != nil && !stdErrors.Is(err, domerrors.ErrPeerClosed) {
		r.logger.Warn("channel failed", zap.Error(err))
		if r.exitErr == nil {
			r.exitErr = err
		}
	} else if err != nil && !r.shutdown {
		r.logger.Info("host went away without shutdown")
	}
	for id, a := range r.actors {
		a.abort()
		delete(r.actors, id)
	}
	if r.module != nil && !r.shutdown {
		r.shutdown = true
		r.module.Shutdown()
	}
	r.pool.PurgeAll()
	r.finished = true
	close(r.done)
}

func (r *Runtime) send(tag wireformat.Tag, actor uint32, payload any, seg *shmem.Segment) error {
	env, err := wireformat.NewEnvelope(tag, actor, payload, seg)
	if err != nil {
		return err
	}
	if err := r.channel.Send(env); err != nil {
		r.logger.Debug("send failed", zap.Stringer("tag", tag), zap.Error(err))
		return err
	}
	return nil
}

func (r *Runtime) recvStartPlugin(msg *wireformat.StartPluginWire, _ *shmem.Segment) error {
	if r.started {
		return &domerrors.ProtocolError{Tag: wireformat.TagStartPlugin.String(), Err: fmt.Errorf("plugin already started")}
	}
	r.started = true
	req := ports.LaunchRequest{Directory: msg.Directory, Name: msg.Name, Libraries: msg.Libraries}

	result := wireformat.StartPluginResultWire{}
	module, err := r.config.loader.Load(req)
	if err == nil {
		err = module.Init(r.platform)
	}
	if err != nil {
		r.logger.Error("plugin failed to start", zap.String("plugin", msg.Name), zap.Error(err))
		var le *domerrors.LoadError
		if !stdErrors.As(err, &le) {
			err = &domerrors.LoadError{Path: msg.Directory, Err: err}
		}
		result.Error = domerrors.ToErrorDetail(err)
	} else {
		r.module = module
		r.logger.Info("plugin started", zap.String("plugin", msg.Name), zap.String("directory", msg.Directory))
	}
	return r.send(wireformat.TagStartPluginResult, wireformat.ControlActor, result, nil)
}

func (r *Runtime) recvConstructActor(msg *wireformat.ConstructActorWire, _ *shmem.Segment) error {
	if r.module == nil || r.shutdown {
		return &domerrors.ProtocolError{Tag: wireformat.TagConstructActor.String(), Actor: msg.Actor, Err: fmt.Errorf("no running plugin")}
	}
	if msg.Actor == wireformat.ControlActor || msg.Actor%2 == 0 {
		return &domerrors.ProtocolError{Tag: wireformat.TagConstructActor.String(), Actor: msg.Actor, Err: fmt.Errorf("host actor ids are odd")}
	}
	if _, exists := r.actors[msg.Actor]; exists {
		return &domerrors.ProtocolError{Tag: wireformat.TagConstructActor.String(), Actor: msg.Actor, Err: fmt.Errorf("actor already exists")}
	}

	var err error
	switch msg.Kind {
	case entities.KindDecoder:
		err = r.constructDecoder(msg.Actor)
	case entities.KindEncoder:
		err = r.constructEncoder(msg.Actor)
	default:
		return &domerrors.ProtocolError{Tag: wireformat.TagConstructActor.String(), Actor: msg.Actor, Err: fmt.Errorf("cannot construct %s actor", msg.Kind)}
	}
	if err == nil {
		return nil
	}

	r.logger.Warn("plugin refused actor", zap.Stringer("kind", msg.Kind), zap.Uint32("actor", msg.Actor), zap.Error(err))
	_ = r.send(wireformat.TagError, msg.Actor, wireformat.ErrorWire{Error: domerrors.ToErrorDetail(err)}, nil)
	return r.send(wireformat.TagActorDeleted, wireformat.ControlActor, wireformat.ActorDeletedWire{Actor: msg.Actor}, nil)
}

func (r *Runtime) constructDecoder(id uint32) error {
	a := &decoderActor{rt: r, id: id}
	api, err := r.module.GetAPI(entities.APIDecodeVideo, ports.DecoderCallback(a))
	if err != nil {
		return err
	}
	codec, ok := api.(ports.VideoDecoder)
	if !ok {
		return fmt.Errorf("%s returned %T", entities.APIDecodeVideo, api)
	}
	a.codec = codec
	r.actors[id] = a
	return nil
}

func (r *Runtime) constructEncoder(id uint32) error {
	a := &encoderActor{rt: r, id: id}
	api, err := r.module.GetAPI(entities.APIEncodeVideo, ports.EncoderCallback(a))
	if err != nil {
		return err
	}
	codec, ok := api.(ports.VideoEncoder)
	if !ok {
		return fmt.Errorf("%s returned %T", entities.APIEncodeVideo, api)
	}
	a.codec = codec
	r.actors[id] = a
	return nil
}

// recvActorDeleted confirms the host has dropped a storage actor the
// codec created.
func (r *Runtime) recvActorDeleted(msg *wireformat.ActorDeletedWire, _ *shmem.Segment) error {
	a, ok := r.actors[msg.Actor]
	if !ok {
		return nil
	}
	a.abort()
	delete(r.actors, msg.Actor)
	return nil
}

func (r *Runtime) recvBeginShutdown() error {
	if r.shutdown {
		return nil
	}
	for id, a := range r.actors {
		a.abort()
		delete(r.actors, id)
	}
	r.shutdown = true
	if r.module != nil {
		r.module.Shutdown()
	}
	r.drainCallbacks()
	r.logger.Debug("plugin shut down")
	return r.send(wireformat.TagShutdownComplete, wireformat.ControlActor, nil, nil)
}

// complete deletes a codec actor once the codec has been told to finish:
// callbacks it already queued run first, bounded by the teardown timeout.
func (r *Runtime) complete(id uint32) {
	r.drainCallbacks()
	delete(r.actors, id)
	_ = r.send(wireformat.TagActorDeleted, wireformat.ControlActor, wireformat.ActorDeletedWire{Actor: id}, nil)
}

func (r *Runtime) drainCallbacks() {
	if !r.loop.RunUntil(func() bool { return r.pending.Load() == 0 }, r.config.teardownTimeout) {
		r.logger.Warn("codec callbacks still pending after teardown timeout", zap.Int64("pending", r.pending.Load()))
	}
}

// onLoop runs fn on the loop, inline when already there.
func (r *Runtime) onLoop(fn func()) {
	if r.loop.OnLoop() {
		fn()
		return
	}
	if err := r.loop.Dispatch(fn); err != nil {
		r.logger.Debug("codec callback after loop stop", zap.Error(err))
	}
}

// output prepares an outgoing frame. A pooled buffer that fits is reused;
// frames smaller than a page travel inline; larger ones get a new buffer.
func (r *Runtime) output(class shmem.Class, data []byte) (*shmem.Segment, []byte, error) {
	if seg, ok := r.pool.TakeExact(class); ok {
		if seg.Capacity() >= len(data) {
			if err := seg.Fill(data); err != nil {
				return nil, nil, err
			}
			return seg, nil, nil
		}
		r.pool.Give(class, seg)
	}
	if len(data) < shmem.PageSize {
		return nil, append([]byte(nil), data...), nil
	}
	seg, err := r.pool.TakeAtLeast(class, len(data))
	if err != nil {
		return nil, nil, err
	}
	if err := seg.Fill(data); err != nil {
		r.pool.Give(class, seg)
		return nil, nil, err
	}
	return seg, nil, nil
}

// returnInput hands an input segment back to the host.
func (r *Runtime) returnInput(actor uint32, class shmem.Class, seg *shmem.Segment) {
	if err := r.send(wireformat.TagReturnShmem, actor, wireformat.ReturnShmemWire{Class: uint8(class)}, seg); err != nil {
		r.logger.Debug("could not return input segment", zap.Error(err))
	}
}

// platform is the ports.Platform handed to the codec module.
type platform struct {
	rt *Runtime
}

var _ ports.Platform = (*platform)(nil)

func (p *platform) RunOnMainThread(fn func()) error {
	p.rt.pending.Add(1)
	err := p.rt.loop.Dispatch(func() {
		defer p.rt.pending.Add(-1)
		fn()
	})
	if err != nil {
		p.rt.pending.Add(-1)
	}
	return err
}

func (p *platform) CreateThread(fn func()) error {
	go fn()
	return nil
}

func (p *platform) NewMutex() sync.Locker {
	return &sync.Mutex{}
}

func (p *platform) OpenStorage(cb ports.RecordCallback) (ports.RecordClient, error) {
	if cb == nil {
		return nil, fmt.Errorf("open storage: callback is required")
	}
	client, err := onLoopWait(p.rt, func() (*storageClient, error) { return p.rt.openStorage(cb) })
	if err != nil {
		return nil, err
	}
	return client, nil
}

type loopResult[T any] struct {
	value T
	err   error
}

// onLoopWait runs fn on the loop and waits for its result. The result comes
// back over a channel, so a call that times out cannot touch the caller's
// variables later; fn is skipped if it starts after the wait was abandoned.
func onLoopWait[T any](r *Runtime, fn func() (T, error)) (T, error) {
	if r.loop.OnLoop() {
		return fn()
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.teardownTimeout)
	defer cancel()

	results := make(chan loopResult[T], 1)
	err := r.loop.Call(ctx, func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		v, err := fn()
		results <- loopResult[T]{value: v, err: err}
		return nil
	})
	if err != nil {
		r.logger.Warn("main thread call failed", zap.Error(err))
		var zero T
		return zero, err
	}
	res := <-results
	return res.value, res.err
}

func (r *Runtime) openStorage(cb ports.RecordCallback) (*storageClient, error) {
	if r.shutdown || r.finished {
		return nil, &domerrors.StateError{Operation: "open_storage", State: "shutdown"}
	}
	id := r.nextStorage
	r.nextStorage += 2
	c := &storageClient{rt: r, id: id, callback: cb}
	if err := r.send(wireformat.TagConstructStorage, wireformat.ControlActor, wireformat.ConstructStorageWire{Actor: id}, nil); err != nil {
		return nil, err
	}
	r.actors[id] = c
	return c, nil
}
