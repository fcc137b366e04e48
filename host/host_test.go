package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reglet-dev/mediahost/application/session"
	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/codecs/rawvideo"
	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/infrastructure/launcher"
	"github.com/reglet-dev/mediahost/infrastructure/transport"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

const waitFor = 3 * time.Second

// scriptedChild answers the control protocol the way a well-behaved plugin
// process would, unless told otherwise.
type scriptedChild struct {
	end            *transport.PipeEnd
	startErr       *entities.ErrorDetail
	hangStart      bool
	ignoreShutdown bool
	mu             sync.Mutex
	got            []*wireformat.Envelope
}

func (c *scriptedChild) OnMessage(env *wireformat.Envelope) {
	c.mu.Lock()
	c.got = append(c.got, env)
	c.mu.Unlock()

	switch env.Tag {
	case wireformat.TagStartPlugin:
		if !c.hangStart {
			c.reply(wireformat.TagStartPluginResult, wireformat.ControlActor, wireformat.StartPluginResultWire{Error: c.startErr})
		}
	case wireformat.TagDecodingComplete, wireformat.TagEncodingComplete, wireformat.TagStorageShutdown:
		c.reply(wireformat.TagActorDeleted, wireformat.ControlActor, wireformat.ActorDeletedWire{Actor: env.Actor})
	case wireformat.TagBeginShutdown:
		if !c.ignoreShutdown {
			c.reply(wireformat.TagShutdownComplete, wireformat.ControlActor, nil)
		}
	}
}

func (c *scriptedChild) OnChannelClosed(error) {}

func (c *scriptedChild) reply(tag wireformat.Tag, actor uint32, v any) {
	c.replyWithSegment(tag, actor, v, nil)
}

func (c *scriptedChild) replyWithSegment(tag wireformat.Tag, actor uint32, v any, seg *shmem.Segment) {
	env, err := wireformat.NewEnvelope(tag, actor, v, seg)
	if err != nil {
		panic(err)
	}
	_ = c.end.Send(env)
}

func (c *scriptedChild) tags() []wireformat.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireformat.Tag, 0, len(c.got))
	for _, env := range c.got {
		out = append(out, env.Tag)
	}
	return out
}

func (c *scriptedChild) received(tag wireformat.Tag) []*wireformat.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wireformat.Envelope
	for _, env := range c.got {
		if env.Tag == tag {
			out = append(out, env)
		}
	}
	return out
}

// crash drops the channel the way a dying process would.
func (c *scriptedChild) crash() {
	_ = c.end.Close()
}

type scriptedProcess struct {
	channel ports.Channel
	done    chan struct{}
	id      string
	once    sync.Once
}

func (p *scriptedProcess) ID() string             { return p.id }
func (p *scriptedProcess) Channel() ports.Channel { return p.channel }
func (p *scriptedProcess) Done() <-chan struct{}  { return p.done }
func (p *scriptedProcess) Kill() error            { p.once.Do(func() { close(p.done) }); return nil }
func (p *scriptedProcess) killed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type scriptedLauncher struct {
	configure func(*scriptedChild)
	mu        sync.Mutex
	children  []*scriptedChild
	processes []*scriptedProcess
}

func (l *scriptedLauncher) Launch(_ context.Context, req ports.LaunchRequest) (ports.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hostEnd, childEnd := transport.NewPipe(transport.WithName(req.Name))
	c := &scriptedChild{end: childEnd}
	if l.configure != nil {
		l.configure(c)
	}
	if err := childEnd.Start(c); err != nil {
		return nil, err
	}
	p := &scriptedProcess{id: fmt.Sprintf("%s-%d", req.Name, len(l.children)+1), channel: hostEnd, done: make(chan struct{})}
	l.children = append(l.children, c)
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *scriptedLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}

func (l *scriptedLauncher) child(i int) *scriptedChild {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.children[i]
}

func (l *scriptedLauncher) process(i int) *scriptedProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processes[i]
}

// stateRecorder is a host Observer that also checks that no host is in
// Closing while it still owns sessions.
type stateRecorder struct {
	mu              sync.Mutex
	transitions     []entities.PluginProcessState
	closingSessions []int
	opened          int
	closed          int
	crashed         int
	hosts           func() []*PluginHost
}

func (o *stateRecorder) HostStateChanged(_ string, _, to entities.PluginProcessState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
	if to == entities.StateClosing && o.hosts != nil {
		for _, h := range o.hosts() {
			if h.State() == entities.StateClosing {
				o.closingSessions = append(o.closingSessions, h.SessionCount())
			}
		}
	}
}

func (o *stateRecorder) SessionOpened(string, entities.SessionKind) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *stateRecorder) SessionClosed(string, entities.SessionKind) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func (o *stateRecorder) PluginCrashed(string) {
	o.mu.Lock()
	o.crashed++
	o.mu.Unlock()
}

func (o *stateRecorder) states() []entities.PluginProcessState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]entities.PluginProcessState(nil), o.transitions...)
}

type recordingDecoder struct {
	mu         sync.Mutex
	frames     []*entities.VideoFrame
	errs       []error
	terminated int
}

func (r *recordingDecoder) Decoded(frame *entities.VideoFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame.Clone())
	r.mu.Unlock()
}
func (r *recordingDecoder) ReceivedDecodedReferenceFrame(uint64) {}
func (r *recordingDecoder) ReceivedDecodedFrame(uint64)          {}
func (r *recordingDecoder) InputDataExhausted()                  {}
func (r *recordingDecoder) DrainComplete()                       {}
func (r *recordingDecoder) ResetComplete()                       {}
func (r *recordingDecoder) Error(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}
func (r *recordingDecoder) Terminated() {
	r.mu.Lock()
	r.terminated++
	r.mu.Unlock()
}

func (r *recordingDecoder) decoded() []*entities.VideoFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entities.VideoFrame(nil), r.frames...)
}

func (r *recordingDecoder) terminations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// newTestRegistry starts a registry with its own loop. The plugin path
// variable is unique to the test so the environment is never consulted.
func newTestRegistry(t *testing.T, l ports.Launcher, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithPathEnv("MEDIAHOST_TEST_PATH_UNSET"),
		WithTeardownTimeout(time.Second),
	}, opts...)
	r := NewRegistry(l, opts...)
	require.NoError(t, r.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return r
}

// call runs fn on the registry loop and waits for it.
func call(t *testing.T, r *Registry, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Loop().Call(ctx, func() error { fn(); return nil }))
}

// eventually polls cond on the registry loop.
func eventually(t *testing.T, r *Registry, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok := false
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Loop().Call(ctx, func() error { ok = cond(); return nil })
		return ok
	}, waitFor, 5*time.Millisecond, msg)
}

func testDescriptor(name string, caps ...entities.Capability) *entities.PluginDescriptor {
	if len(caps) == 0 {
		caps = []entities.Capability{{APIName: entities.APIDecodeVideo, Tags: []string{"h264"}}}
	}
	return &entities.PluginDescriptor{
		Name:         name,
		Description:  name + " plugin",
		Version:      "1",
		Directory:    "/plugins/gmp-" + name,
		Capabilities: caps,
	}
}

func register(t *testing.T, r *Registry, descs ...*entities.PluginDescriptor) {
	t.Helper()
	call(t, r, func() {
		for _, d := range descs {
			r.add(d)
		}
	})
}

func writePlugin(t *testing.T, parent, name, info string) string {
	t.Helper()
	dir := filepath.Join(parent, entities.DirectoryPrefix+name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".info"), []byte(info), 0o644))
	return dir
}

func openDecoder(t *testing.T, r *Registry, origin string) (*PluginHost, *session.Decoder) {
	t.Helper()
	var (
		h   *PluginHost
		dec *session.Decoder
		err error
	)
	call(t, r, func() {
		var ok bool
		h, ok = r.SelectPlugin(origin, entities.APIDecodeVideo, nil)
		require.True(t, ok)
		dec, err = h.GetDecoder(context.Background())
	})
	require.NoError(t, err)
	return h, dec
}

func TestHost_DecodesThroughInProcessPlugin(t *testing.T) {
	rec := &stateRecorder{}
	l := launcher.NewInProc(launcher.WithChildOptions(
		child.WithLoader(child.NewLoader(child.WithStatic(rawvideo.Name, rawvideo.New))),
	))
	r := newTestRegistry(t, l, WithObserver(rec))
	dir := writePlugin(t, t.TempDir(), rawvideo.Name, rawvideo.Manifest)
	require.NoError(t, r.AddDirectory(context.Background(), dir))

	const width, height = 16, 16
	cb := &recordingDecoder{}
	var (
		dec *session.Decoder
		h   *PluginHost
	)
	call(t, r, func() {
		var err error
		dec, err = r.OpenDecoder(context.Background(), "https://example.com", []string{"i420"})
		require.NoError(t, err)
		h = r.Hosts()[0]
		require.NoError(t, dec.InitDecode(entities.VideoCodecSettings{Codec: entities.VideoCodecI420, Width: width, Height: height}, nil, 1, cb))
	})
	assert.Equal(t, entities.StateLoaded, h.State())
	assert.Equal(t, "https://example.com", h.Origin())

	data := make([]byte, entities.I420Size(width, height))
	for i := range data {
		data[i] = byte(i * 7)
	}
	call(t, r, func() {
		require.NoError(t, dec.Decode(&entities.EncodedFrame{Data: data, Width: width, Height: height, Timestamp: 42, CompleteFrame: true, FrameType: entities.FrameTypeKey}, false, nil, 0))
	})

	require.Eventually(t, func() bool { return len(cb.decoded()) == 1 }, waitFor, 5*time.Millisecond)
	frame := cb.decoded()[0]
	assert.Equal(t, width, frame.Width)
	assert.Equal(t, height, frame.Height)
	assert.Equal(t, uint64(42), frame.Timestamp)
	assert.Equal(t, data, frame.Data[:len(data)])

	call(t, r, func() { dec.Shutdown() })
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("host did not unload after its last session")
	}
	assert.Equal(t, entities.StateNotLoaded, h.State())
	assert.Equal(t, 1, cb.terminations())
	assert.Equal(t, []entities.PluginProcessState{
		entities.StateLoaded, entities.StateUnloading, entities.StateClosing, entities.StateNotLoaded,
	}, rec.states())

	call(t, r, func() {
		next := r.Hosts()[0]
		assert.NotSame(t, h, next)
		assert.Equal(t, uint64(2), next.Generation())
		assert.Empty(t, next.Origin())
	})
}

func TestHost_ClosingNeverOwnsSessions(t *testing.T) {
	rec := &stateRecorder{}
	sl := &scriptedLauncher{}
	r := newTestRegistry(t, sl, WithObserver(rec))
	rec.hosts = r.Hosts
	register(t, r, testDescriptor("a"))

	h, first := openDecoder(t, r, "o")
	_, second := openDecoder(t, r, "o")
	assert.Equal(t, uint32(1), first.ActorID())
	assert.Equal(t, uint32(3), second.ActorID())

	call(t, r, func() {
		require.Equal(t, 2, h.SessionCount())
		h.CloseActive(false)
		assert.Equal(t, entities.StateUnloading, h.State())
	})
	<-h.Done()

	assert.Equal(t, []entities.PluginProcessState{
		entities.StateLoaded, entities.StateUnloading, entities.StateClosing, entities.StateNotLoaded,
	}, rec.states())
	assert.Equal(t, []int{0}, rec.closingSessions)

	// Newest session first.
	completes := sl.child(0).received(wireformat.TagDecodingComplete)
	require.Len(t, completes, 2)
	assert.Equal(t, uint32(3), completes[0].Actor)
	assert.Equal(t, uint32(1), completes[1].Actor)
	assert.True(t, sl.process(0).killed())
}

func TestHost_CrashDropsSessionsAndRevivesLazily(t *testing.T) {
	rec := &stateRecorder{}
	sl := &scriptedLauncher{}
	var (
		mu      sync.Mutex
		crashes []error
	)
	r := newTestRegistry(t, sl, WithObserver(rec), WithCrashHandler(func(desc *entities.PluginDescriptor, err error) {
		mu.Lock()
		crashes = append(crashes, err)
		mu.Unlock()
	}))
	register(t, r, testDescriptor("a"))

	h, dec := openDecoder(t, r, "o")
	cb := &recordingDecoder{}
	call(t, r, func() {
		require.NoError(t, dec.InitDecode(entities.VideoCodecSettings{Codec: entities.VideoCodecH264, Width: 16, Height: 16}, nil, 1, cb))
	})

	sl.child(0).crash()
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("host did not finish after crash")
	}

	assert.Equal(t, 1, cb.terminations())
	mu.Lock()
	require.Len(t, crashes, 1)
	assert.ErrorIs(t, crashes[0], domerrors.ErrPeerClosed)
	mu.Unlock()
	assert.True(t, sl.process(0).killed())
	assert.Equal(t, entities.StateNotLoaded, h.State())
	assert.Contains(t, rec.states(), entities.StateClosing)
	assert.NotContains(t, rec.states(), entities.StateUnloading)

	call(t, r, func() {
		// The dead generation stays in place until someone asks for it.
		assert.Same(t, h, r.Hosts()[0])
		next, ok := r.SelectPlugin("o", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		assert.NotSame(t, h, next)
		assert.Equal(t, uint64(2), next.Generation())
		assert.Equal(t, entities.StateNotLoaded, next.State())
	})
}

func TestHost_ProtocolViolationKillsProcess(t *testing.T) {
	sl := &scriptedLauncher{}
	r := newTestRegistry(t, sl)
	register(t, r, testDescriptor("a"))

	h, _ := openDecoder(t, r, "o")
	// Actor 9 was never constructed.
	sl.child(0).reply(wireformat.TagInputDataExhausted, 9, nil)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("host survived a protocol violation")
	}
	assert.True(t, sl.process(0).killed())
	assert.True(t, h.dieOnUnload)
}

func TestHost_ReturnedSegmentForUnknownActorGoesToPool(t *testing.T) {
	sl := &scriptedLauncher{}
	r := newTestRegistry(t, sl)
	register(t, r, testDescriptor("a"))
	h, _ := openDecoder(t, r, "o")

	call(t, r, func() {
		seg, err := h.Pool().TakeAtLeast(shmem.ClassEncoded, 100)
		require.NoError(t, err)
		env, err := wireformat.NewEnvelope(wireformat.TagReturnShmem, 21, wireformat.ReturnShmemWire{Class: uint8(shmem.ClassEncoded)}, seg)
		require.NoError(t, err)
		h.handleMessage(h.listener, env)
		assert.Equal(t, 1, h.Pool().Len(shmem.ClassEncoded))
		assert.Equal(t, entities.StateLoaded, h.State())
	})
}

func TestHost_LaunchFailureIsPermanent(t *testing.T) {
	sl := &scriptedLauncher{configure: func(c *scriptedChild) {
		c.startErr = entities.NewErrorDetail("load", "no such library")
	}}
	r := newTestRegistry(t, sl)
	register(t, r, testDescriptor("a"))

	call(t, r, func() {
		h, ok := r.SelectPlugin("o", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		_, err := h.GetDecoder(context.Background())
		require.ErrorIs(t, err, domerrors.ErrLaunchFailed)
		assert.Equal(t, entities.StateNotLoaded, h.State())

		// No second attempt on the same generation.
		err = h.EnsureProcessLoaded(context.Background())
		require.ErrorIs(t, err, domerrors.ErrLaunchFailed)
		assert.Equal(t, 1, sl.launches())

		next, ok := r.SelectPlugin("o", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		assert.Equal(t, uint64(2), next.Generation())
	})
	assert.True(t, sl.process(0).killed())
}

func TestHost_LaunchTimesOut(t *testing.T) {
	sl := &scriptedLauncher{configure: func(c *scriptedChild) { c.hangStart = true }}
	r := newTestRegistry(t, sl, WithLaunchTimeout(50*time.Millisecond))
	register(t, r, testDescriptor("a"))

	call(t, r, func() {
		h, ok := r.SelectPlugin("", entities.APIDecodeVideo, nil)
		require.True(t, ok)
		_, err := h.GetEncoder(context.Background())
		var timeout *domerrors.TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, "launch", timeout.Operation)
	})
}

func TestHost_EnsureProcessLoadedRefusedWhileUnloading(t *testing.T) {
	sl := &scriptedLauncher{configure: func(c *scriptedChild) { c.ignoreShutdown = true }}
	r := newTestRegistry(t, sl, WithTeardownTimeout(100*time.Millisecond))
	register(t, r, testDescriptor("a"))
	h, _ := openDecoder(t, r, "o")

	call(t, r, func() {
		h.CloseActive(false)
		err := h.EnsureProcessLoaded(context.Background())
		var stateErr *domerrors.StateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, 1, sl.launches())
	})

	// The plugin never acknowledges BeginShutdown; the teardown timer kills it.
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("teardown timeout did not fire")
	}
	assert.True(t, sl.process(0).killed())
	assert.Len(t, sl.child(0).received(wireformat.TagBeginShutdown), 1)
}

func TestHost_ServesPluginStorage(t *testing.T) {
	sl := &scriptedLauncher{}
	r := newTestRegistry(t, sl)
	register(t, r, testDescriptor("a"))
	h, _ := openDecoder(t, r, "https://example.com")
	c := sl.child(0)

	c.reply(wireformat.TagConstructStorage, wireformat.ControlActor, wireformat.ConstructStorageWire{Actor: 2})
	c.reply(wireformat.TagStorageOpen, 2, wireformat.StorageNameWire{Name: "license"})
	c.replyWithSegment(wireformat.TagStorageWrite, 2, wireformat.StorageWriteWire{Name: "license"}, wireformat.ValueSegment([]byte("k1")))
	c.reply(wireformat.TagStorageRead, 2, wireformat.StorageNameWire{Name: "license"})

	require.Eventually(t, func() bool {
		return len(c.received(wireformat.TagStorageReadComplete)) == 1
	}, waitFor, 5*time.Millisecond)

	var open wireformat.StorageStatusWire
	require.NoError(t, c.received(wireformat.TagStorageOpenComplete)[0].Decode(&open))
	assert.Equal(t, entities.StorageOK, open.Status)
	var read wireformat.StorageReadCompleteWire
	require.NoError(t, c.received(wireformat.TagStorageReadComplete)[0].Decode(&read))
	assert.Equal(t, entities.StorageOK, read.Status)
	assert.Equal(t, []byte("k1"), wireformat.SegmentValue(c.received(wireformat.TagStorageReadComplete)[0].Segment))

	call(t, r, func() {
		assert.Equal(t, 2, h.SessionCount())
		h.CloseActive(false)
	})
	<-h.Done()
	assert.Len(t, c.received(wireformat.TagStorageShutdown), 1)

	// Memory-backed records outlive the generation for the same node.
	node := h.Node()
	svc, err := r.StorageManager().NewService(node, false)
	require.NoError(t, err)
	require.NoError(t, svc.Open("license"))
	got, err := svc.Read("license")
	require.NoError(t, err)
	assert.Equal(t, []byte("k1"), got)
}

func TestHost_StorageFromOddActorIsProtocolViolation(t *testing.T) {
	sl := &scriptedLauncher{}
	r := newTestRegistry(t, sl)
	register(t, r, testDescriptor("a"))
	h, _ := openDecoder(t, r, "o")

	sl.child(0).reply(wireformat.TagConstructStorage, wireformat.ControlActor, wireformat.ConstructStorageWire{Actor: 5})
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("host accepted a storage actor with a host-side id")
	}
}
