package launcher

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/codecs/rawvideo"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/infrastructure/transport"
	"github.com/reglet-dev/mediahost/wireformat"
)

// helperEnv turns the test binary into a plugin process.
const helperEnv = "MEDIAHOST_LAUNCHER_TEST_CHILD"

const waitFor = 5 * time.Second

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		ch := transport.NewStream(transport.NewStdioConn(os.Stdin, os.Stdout))
		rt := child.NewRuntime(ch, child.WithLoader(child.NewLoader(child.WithStatic(rawvideo.Name, rawvideo.New))))
		if err := rt.Run(context.Background()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	got    []*wireformat.Envelope
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) OnMessage(env *wireformat.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
}

func (r *recorder) OnChannelClosed(err error) { r.closed <- err }

func (r *recorder) await(t *testing.T, tag wireformat.Tag) *wireformat.Envelope {
	t.Helper()
	var found *wireformat.Envelope
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, env := range r.got {
			if env.Tag == tag {
				found = env
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "waiting for %s", tag)
	return found
}

func send(t *testing.T, p ports.Process, tag wireformat.Tag, v any) {
	t.Helper()
	env, err := wireformat.NewEnvelope(tag, wireformat.ControlActor, v, nil)
	require.NoError(t, err)
	require.NoError(t, p.Channel().Send(env))
}

// startAndStop runs the control handshake a host performs over a process's
// whole life.
func startAndStop(t *testing.T, p ports.Process) *recorder {
	t.Helper()
	rec := newRecorder()
	require.NoError(t, p.Channel().Start(rec))

	send(t, p, wireformat.TagStartPlugin, wireformat.StartPluginWire{Directory: "/plugins/gmp-rawvideo", Name: rawvideo.Name})
	var res wireformat.StartPluginResultWire
	require.NoError(t, rec.await(t, wireformat.TagStartPluginResult).Decode(&res))
	assert.Nil(t, res.Error)

	send(t, p, wireformat.TagBeginShutdown, nil)
	rec.await(t, wireformat.TagShutdownComplete)
	require.NoError(t, p.Channel().Close())
	return rec
}

func awaitExit(t *testing.T, p ports.Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatalf("process %s did not exit", p.ID())
	}
}

func TestInProc_RunsChildRuntime(t *testing.T) {
	l := NewInProc(
		WithInProcLogger(zaptest.NewLogger(t)),
		WithChildOptions(child.WithLoader(child.NewLoader(child.WithStatic(rawvideo.Name, rawvideo.New)))),
	)
	p, err := l.Launch(context.Background(), ports.LaunchRequest{Name: rawvideo.Name, Directory: "/plugins/gmp-rawvideo"})
	require.NoError(t, err)
	assert.Contains(t, p.ID(), "inproc-rawvideo-")

	startAndStop(t, p)
	awaitExit(t, p)
	require.NoError(t, p.Kill())
}

func TestInProc_KillEndsRuntime(t *testing.T) {
	l := NewInProc()
	p, err := l.Launch(context.Background(), ports.LaunchRequest{Name: "anything"})
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, p.Channel().Start(rec))

	require.NoError(t, p.Kill())
	awaitExit(t, p)
	select {
	case err := <-rec.closed:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("host end not closed after kill")
	}
}

func TestInProc_LaunchHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewInProc().Launch(ctx, ports.LaunchRequest{Name: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubprocess_RunsChildOverStdio(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a process")
	}
	l := NewSubprocess(
		WithBinary(os.Args[0]),
		WithEnv(helperEnv+"=1"),
		WithSubprocessLogger(zaptest.NewLogger(t)),
	)
	p, err := l.Launch(context.Background(), ports.LaunchRequest{Name: rawvideo.Name, Directory: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Kill() })

	startAndStop(t, p)
	awaitExit(t, p)
}

func TestSubprocess_MissingBinary(t *testing.T) {
	l := NewSubprocess(WithBinary("/nonexistent/mediahost"))
	_, err := l.Launch(context.Background(), ports.LaunchRequest{Name: "x", Directory: t.TempDir()})
	assert.Error(t, err)
}
