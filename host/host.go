package host

import (
	"context"
	stdErrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/application/session"
	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// PluginHost is one generation of a plugin's process supervisor. It moves
// NotLoaded -> Loaded -> Unloading -> Closing -> NotLoaded once; the
// registry replaces a finished generation with a fresh clone.
type PluginHost struct {
	registry   *Registry
	desc       *entities.PluginDescriptor
	logger     *zap.Logger
	pool       *shmem.Pool
	process    ports.Process
	listener   *processListener
	teardown   *time.Timer
	done       chan struct{}
	origin     string
	node       entities.NodeID
	decoders   []*session.Decoder
	encoders   []*session.Encoder
	storages   []*session.Storage
	generation uint64
	nextActor  uint32
	state      entities.PluginProcessState

	// dieOnUnload suppresses revival once the process is gone.
	dieOnUnload  bool
	launchFailed bool
	finished     bool
}

var _ session.Host = (*PluginHost)(nil)

var hostControlTable = dispatch.MustTable(
	dispatch.WithMessage(wireformat.TagConstructStorage, (*PluginHost).recvConstructStorage),
	dispatch.WithMessage(wireformat.TagActorDeleted, (*PluginHost).recvActorDeleted),
	dispatch.WithSignal(wireformat.TagShutdownComplete, (*PluginHost).recvShutdownComplete),
)

func newHost(r *Registry, desc *entities.PluginDescriptor, generation uint64) *PluginHost {
	logger := r.logger.With(zap.String("plugin", desc.Name), zap.Uint64("generation", generation))
	poolOpts := append([]shmem.PoolOption{shmem.WithOwner(r.loop), shmem.WithLogger(logger)}, r.config.poolOptions...)
	return &PluginHost{
		registry:   r,
		desc:       desc,
		logger:     logger,
		pool:       shmem.NewPool(poolOpts...),
		done:       make(chan struct{}),
		generation: generation,
		node:       entities.NullNodeID,
		nextActor:  1,
		state:      entities.StateNotLoaded,
	}
}

// Descriptor returns the plugin's descriptor.
func (h *PluginHost) Descriptor() *entities.PluginDescriptor {
	return h.desc
}

// State returns the process state.
func (h *PluginHost) State() entities.PluginProcessState {
	return h.state
}

// Origin returns the origin the host is bound to, or "".
func (h *PluginHost) Origin() string {
	return h.origin
}

// Node returns the storage namespace of the bound origin.
func (h *PluginHost) Node() entities.NodeID {
	return h.node
}

// Generation identifies this instance among the plugin's generations.
func (h *PluginHost) Generation() uint64 {
	return h.generation
}

// Done is closed once this generation is finished for good.
func (h *PluginHost) Done() <-chan struct{} {
	return h.done
}

// SessionCount returns the number of live sessions of every kind.
func (h *PluginHost) SessionCount() int {
	return len(h.decoders) + len(h.encoders) + len(h.storages)
}

// Send implements session.Host.
func (h *PluginHost) Send(env *wireformat.Envelope) error {
	if h.process == nil {
		return &domerrors.TransportError{Operation: "send " + env.Tag.String(), Err: domerrors.ErrClosed}
	}
	return h.process.Channel().Send(env)
}

// Pool implements session.Host.
func (h *PluginHost) Pool() *shmem.Pool {
	return h.pool
}

// Dispatch implements session.Host.
func (h *PluginHost) Dispatch(fn func()) error {
	return h.registry.loop.Dispatch(fn)
}

// AssertOnLoop implements session.Host.
func (h *PluginHost) AssertOnLoop() {
	h.registry.loop.AssertOnLoop()
}

func (h *PluginHost) setState(to entities.PluginProcessState) {
	from := h.state
	if from == to {
		return
	}
	h.state = to
	h.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if o := h.registry.config.observer; o != nil {
		o.HostStateChanged(h.desc.Name, from, to)
	}
}

func (h *PluginHost) bind(origin string) {
	h.origin = origin
	h.node = h.registry.nodeFor(origin)
	h.logger.Debug("bound to origin", zap.String("origin", origin))
}

// EnsureProcessLoaded launches the plugin process if it is not running. It
// blocks the loop for at most the launch timeout. A failed launch is final
// for this generation.
func (h *PluginHost) EnsureProcessLoaded(ctx context.Context) error {
	h.AssertOnLoop()
	switch {
	case h.state == entities.StateLoaded:
		return nil
	case h.state == entities.StateUnloading || h.state == entities.StateClosing:
		return &domerrors.StateError{Operation: "ensure_process_loaded", State: h.state.String()}
	case h.launchFailed:
		return fmt.Errorf("plugin %s: %w", h.desc.Name, domerrors.ErrLaunchFailed)
	case h.finished:
		return &domerrors.StateError{Operation: "ensure_process_loaded", State: "finished"}
	}

	launchCtx, cancel := context.WithTimeout(ctx, h.registry.config.launchTimeout)
	defer cancel()

	req := ports.LaunchRequest{Directory: h.desc.Directory, Name: h.desc.Name, Libraries: h.desc.Libraries}
	proc, err := h.registry.launcher.Launch(launchCtx, req)
	if err != nil {
		return h.failLaunch(nil, err)
	}

	l := &processListener{host: h, proc: proc, started: make(chan *wireformat.Envelope, 1)}
	if err := proc.Channel().Start(l); err != nil {
		return h.failLaunch(proc, err)
	}
	start, err := wireformat.NewEnvelope(wireformat.TagStartPlugin, wireformat.ControlActor,
		wireformat.StartPluginWire{Directory: req.Directory, Name: req.Name, Libraries: req.Libraries}, nil)
	if err == nil {
		err = proc.Channel().Send(start)
	}
	if err != nil {
		return h.failLaunch(proc, err)
	}

	select {
	case env := <-l.started:
		var res wireformat.StartPluginResultWire
		if err := env.Decode(&res); err != nil {
			return h.failLaunch(proc, err)
		}
		if res.Error != nil {
			return h.failLaunch(proc, res.Error)
		}
	case <-launchCtx.Done():
		if stdErrors.Is(launchCtx.Err(), context.DeadlineExceeded) {
			return h.failLaunch(proc, &domerrors.TimeoutError{Operation: "launch", Target: h.desc.Name, Duration: h.registry.config.launchTimeout})
		}
		return h.failLaunch(proc, launchCtx.Err())
	case <-proc.Done():
		return h.failLaunch(proc, fmt.Errorf("process exited during start"))
	}

	h.process = proc
	h.listener = l
	h.setState(entities.StateLoaded)
	h.logger.Info("plugin process loaded", zap.String("process", proc.ID()))
	return nil
}

func (h *PluginHost) failLaunch(proc ports.Process, cause error) error {
	if proc != nil {
		_ = proc.Channel().Close()
		_ = proc.Kill()
	}
	h.launchFailed = true
	h.dieOnUnload = true
	h.logger.Error("plugin launch failed", zap.Error(cause))
	h.finish()
	return fmt.Errorf("plugin %s: %w", h.desc.Name, stdErrors.Join(domerrors.ErrLaunchFailed, cause))
}

// GetDecoder creates a decoder session, launching the process if needed.
func (h *PluginHost) GetDecoder(ctx context.Context) (*session.Decoder, error) {
	id, err := h.constructActor(ctx, entities.KindDecoder)
	if err != nil {
		return nil, err
	}
	d := session.NewDecoder(h, id, h.logger)
	h.decoders = append(h.decoders, d)
	h.sessionOpened(entities.KindDecoder)
	return d, nil
}

// GetEncoder creates an encoder session, launching the process if needed.
func (h *PluginHost) GetEncoder(ctx context.Context) (*session.Encoder, error) {
	id, err := h.constructActor(ctx, entities.KindEncoder)
	if err != nil {
		return nil, err
	}
	e := session.NewEncoder(h, id, h.logger)
	h.encoders = append(h.encoders, e)
	h.sessionOpened(entities.KindEncoder)
	return e, nil
}

func (h *PluginHost) constructActor(ctx context.Context, kind entities.SessionKind) (uint32, error) {
	if err := h.EnsureProcessLoaded(ctx); err != nil {
		return 0, err
	}
	id := h.nextActor
	env, err := wireformat.NewEnvelope(wireformat.TagConstructActor, wireformat.ControlActor, wireformat.ConstructActorWire{Kind: kind, Actor: id}, nil)
	if err == nil {
		err = h.Send(env)
	}
	if err != nil {
		return 0, &domerrors.TransportError{Operation: "construct " + kind.String(), Err: err}
	}
	h.nextActor += 2
	return id, nil
}

func (h *PluginHost) sessionOpened(kind entities.SessionKind) {
	if o := h.registry.config.observer; o != nil {
		o.SessionOpened(h.desc.Name, kind)
	}
}

// CloseActive shuts every session down, newest first, and unloads the
// process once they have all been destroyed. With dieOnUnload the registry
// will not revive this generation.
func (h *PluginHost) CloseActive(dieOnUnload bool) {
	h.AssertOnLoop()
	if dieOnUnload {
		h.dieOnUnload = true
	}
	switch h.state {
	case entities.StateNotLoaded:
		if h.dieOnUnload {
			h.finish()
		}
		return
	case entities.StateUnloading, entities.StateClosing:
		return
	}

	h.setState(entities.StateUnloading)
	for _, d := range slices.Backward(slices.Clone(h.decoders)) {
		d.Shutdown()
	}
	for _, e := range slices.Backward(slices.Clone(h.encoders)) {
		e.Shutdown()
	}
	for _, s := range slices.Backward(slices.Clone(h.storages)) {
		s.Shutdown()
	}
	h.maybeFinalize()
}

// maybeFinalize moves an Unloading host with no sessions to Closing and asks
// the plugin to shut down.
func (h *PluginHost) maybeFinalize() {
	if h.state != entities.StateUnloading || h.SessionCount() > 0 {
		return
	}
	h.setState(entities.StateClosing)

	env, err := wireformat.NewEnvelope(wireformat.TagBeginShutdown, wireformat.ControlActor, nil, nil)
	if err == nil {
		err = h.Send(env)
	}
	if err != nil {
		h.logger.Debug("could not request plugin shutdown", zap.Error(err))
		h.terminate()
		return
	}

	l := h.listener
	h.teardown = time.AfterFunc(h.registry.config.teardownTimeout, func() {
		_ = h.registry.loop.Dispatch(func() {
			if h.listener == l && h.state == entities.StateClosing {
				h.logger.Warn("plugin did not finish shutdown in time, killing it")
				h.terminate()
			}
		})
	})
}

// AbnormalShutdown handles the death or misbehaviour of the process. Every
// session is dropped at once, the process killed, and the generation marked
// so it is not revived.
func (h *PluginHost) AbnormalShutdown(cause error) {
	h.AssertOnLoop()
	if h.state == entities.StateNotLoaded {
		return
	}
	h.logger.Error("plugin process failed", zap.Error(cause))
	h.dieOnUnload = true

	decoders, encoders, storages := h.decoders, h.encoders, h.storages
	h.decoders, h.encoders, h.storages = nil, nil, nil
	h.setState(entities.StateClosing)

	if o := h.registry.config.observer; o != nil {
		o.PluginCrashed(h.desc.Name)
	}
	if handler := h.registry.config.crashHandler; handler != nil {
		handler(h.desc, cause)
	}
	var dropped []session.Session
	for _, d := range decoders {
		dropped = append(dropped, d)
	}
	for _, e := range encoders {
		dropped = append(dropped, e)
	}
	for _, s := range storages {
		dropped = append(dropped, s)
	}
	for _, s := range dropped {
		s.ActorDestroyed(true)
		if o := h.registry.config.observer; o != nil {
			o.SessionClosed(h.desc.Name, s.Kind())
		}
	}
	h.terminate()
}

// terminate tears down the channel and the process and returns to NotLoaded.
func (h *PluginHost) terminate() {
	if h.teardown != nil {
		h.teardown.Stop()
		h.teardown = nil
	}
	if h.process != nil {
		if err := h.process.Channel().Close(); err != nil {
			h.logger.Debug("channel close failed", zap.Error(err))
		}
		if err := h.process.Kill(); err != nil {
			h.logger.Debug("kill failed", zap.Error(err))
		}
		h.logger.Info("plugin process unloaded", zap.String("process", h.process.ID()))
	}
	h.process = nil
	h.listener = nil
	h.setState(entities.StateNotLoaded)
	h.pool.PurgeAll()
	h.finish()
}

// finish ends the generation and lets the registry revive or drop it.
func (h *PluginHost) finish() {
	if h.finished {
		return
	}
	h.finished = true
	close(h.done)
	h.registry.hostFinished(h)
}

// SessionDestroyed implements session.Host.
func (h *PluginHost) SessionDestroyed(s session.Session) {
	h.AssertOnLoop()
	removed := false
	switch v := s.(type) {
	case *session.Decoder:
		h.decoders, removed = remove(h.decoders, v)
	case *session.Encoder:
		h.encoders, removed = remove(h.encoders, v)
	case *session.Storage:
		h.storages, removed = remove(h.storages, v)
	}
	if !removed {
		return
	}
	if o := h.registry.config.observer; o != nil {
		o.SessionClosed(h.desc.Name, s.Kind())
	}

	switch h.state {
	case entities.StateUnloading:
		h.maybeFinalize()
	case entities.StateLoaded:
		if s.Kind() != entities.KindStorage && len(h.decoders) == 0 && len(h.encoders) == 0 {
			h.logger.Debug("last codec session closed, unloading")
			h.CloseActive(false)
		}
	}
}

func remove[S comparable](list []S, s S) ([]S, bool) {
	i := slices.Index(list, s)
	if i < 0 {
		return list, false
	}
	return slices.Delete(list, i, i+1), true
}

func (h *PluginHost) sessionByID(id uint32) session.Session {
	for _, d := range h.decoders {
		if d.ActorID() == id {
			return d
		}
	}
	for _, e := range h.encoders {
		if e.ActorID() == id {
			return e
		}
	}
	for _, s := range h.storages {
		if s.ActorID() == id {
			return s
		}
	}
	return nil
}

// handleMessage routes one message from the plugin. Any protocol violation
// kills the process.
func (h *PluginHost) handleMessage(l *processListener, env *wireformat.Envelope) {
	if h.listener != l {
		return
	}
	start := time.Now()
	err := h.route(env)
	if o := h.registry.config.messages; o != nil {
		o.MessageHandled(env.Tag, time.Since(start), err)
	}
	if err == nil {
		return
	}
	if dispatch.IsProtocolError(err) {
		h.AbnormalShutdown(err)
		return
	}
	h.logger.Warn("message handling failed", zap.Stringer("tag", env.Tag), zap.Error(err))
}

func (h *PluginHost) route(env *wireformat.Envelope) error {
	ctx := context.Background()
	if env.Actor == wireformat.ControlActor {
		return hostControlTable.Invoke(ctx, h, env)
	}
	if s := h.sessionByID(env.Actor); s != nil {
		return s.HandleMessage(ctx, env)
	}
	if env.Tag == wireformat.TagReturnShmem && env.Segment != nil {
		// Input returned after its session was destroyed.
		var msg wireformat.ReturnShmemWire
		if err := env.Decode(&msg); err != nil {
			return &domerrors.ProtocolError{Tag: env.Tag.String(), Actor: env.Actor, Err: err}
		}
		if class := shmem.Class(msg.Class); class.Valid() {
			h.pool.Give(class, env.Segment)
			return nil
		}
	}
	return &domerrors.ProtocolError{Tag: env.Tag.String(), Actor: env.Actor, Err: fmt.Errorf("no such actor")}
}

func (h *PluginHost) recvConstructStorage(msg *wireformat.ConstructStorageWire, _ *shmem.Segment) error {
	if msg.Actor == wireformat.ControlActor || msg.Actor%2 != 0 || h.sessionByID(msg.Actor) != nil {
		return &domerrors.ProtocolError{Tag: wireformat.TagConstructStorage.String(), Actor: msg.Actor, Err: fmt.Errorf("invalid storage actor id")}
	}
	opts := []storage.ServiceOption{storage.WithOwner(h.registry.loop), storage.WithLogger(h.logger)}
	if o := h.registry.config.storageObserver; o != nil {
		opts = append(opts, storage.WithObserver(o))
	}
	svc, err := h.registry.storage.NewService(h.node, h.registry.config.persistStorage, opts...)
	if err != nil {
		return err
	}
	s := session.NewStorage(h, msg.Actor, svc, h.logger)
	h.storages = append(h.storages, s)
	h.sessionOpened(entities.KindStorage)
	if h.state != entities.StateLoaded {
		s.Shutdown()
	}
	return nil
}

func (h *PluginHost) recvActorDeleted(msg *wireformat.ActorDeletedWire, _ *shmem.Segment) error {
	s := h.sessionByID(msg.Actor)
	if s == nil {
		return &domerrors.ProtocolError{Tag: wireformat.TagActorDeleted.String(), Actor: msg.Actor, Err: fmt.Errorf("no such actor")}
	}
	s.ActorDestroyed(false)
	return nil
}

func (h *PluginHost) recvShutdownComplete() error {
	if h.state != entities.StateClosing {
		return &domerrors.ProtocolError{Tag: wireformat.TagShutdownComplete.String(), Err: fmt.Errorf("unsolicited in state %s", h.state)}
	}
	h.terminate()
	return nil
}

func (h *PluginHost) channelClosed(l *processListener, err error) {
	if h.listener != l {
		return
	}
	if err == nil {
		err = domerrors.ErrPeerClosed
	}
	h.AbnormalShutdown(err)
}

// processListener forwards one process's channel events to the loop. The
// StartPluginResult is handed straight to the launching call.
type processListener struct {
	host    *PluginHost
	proc    ports.Process
	started chan *wireformat.Envelope
	once    sync.Once
}

func (l *processListener) OnMessage(env *wireformat.Envelope) {
	if env.Actor == wireformat.ControlActor && env.Tag == wireformat.TagStartPluginResult {
		delivered := false
		l.once.Do(func() {
			l.started <- env
			delivered = true
		})
		if delivered {
			return
		}
	}
	if err := l.host.Dispatch(func() { l.host.handleMessage(l, env) }); err != nil {
		l.host.logger.Debug("message after loop stop", zap.Stringer("tag", env.Tag))
	}
}

func (l *processListener) OnChannelClosed(err error) {
	if dErr := l.host.Dispatch(func() { l.host.channelClosed(l, err) }); dErr != nil {
		l.host.logger.Debug("channel closed after loop stop", zap.Error(err))
	}
}

// retire drops the last references of a replaced generation.
func (h *PluginHost) retire() {
	h.pool.PurgeAll()
	h.logger.Debug("plugin generation retired")
}
