package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/infrastructure/transport"
)

// ChildCommand is the subcommand the re-executed binary serves the child
// runtime under.
const ChildCommand = "child"

// Subprocess launches `<binary> child` and talks to it over stdin/stdout.
// The child inherits stderr for its logs.
type Subprocess struct {
	logger        *zap.Logger
	binary        string
	args          []string
	env           []string
	transportOpts []transport.Option
}

var _ ports.Launcher = (*Subprocess)(nil)

// SubprocessOption configures a Subprocess launcher.
type SubprocessOption func(*Subprocess)

// WithBinary sets the executable. It defaults to the running binary.
func WithBinary(path string) SubprocessOption {
	return func(s *Subprocess) {
		s.binary = path
	}
}

// WithArgs appends arguments after the child subcommand.
func WithArgs(args ...string) SubprocessOption {
	return func(s *Subprocess) {
		s.args = append(s.args, args...)
	}
}

// WithEnv appends environment entries for the child.
func WithEnv(env ...string) SubprocessOption {
	return func(s *Subprocess) {
		s.env = append(s.env, env...)
	}
}

// WithTransportOptions configures the stream transport.
func WithTransportOptions(opts ...transport.Option) SubprocessOption {
	return func(s *Subprocess) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// WithSubprocessLogger sets the logger.
func WithSubprocessLogger(logger *zap.Logger) SubprocessOption {
	return func(s *Subprocess) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubprocess creates a Subprocess launcher.
func NewSubprocess(opts ...SubprocessOption) *Subprocess {
	s := &Subprocess{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch implements ports.Launcher. ctx bounds only the start of the
// process, not its lifetime.
func (s *Subprocess) Launch(ctx context.Context, req ports.LaunchRequest) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binary := s.binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		binary = exe
	}

	cmd := exec.Command(binary, append([]string{ChildCommand}, s.args...)...)
	cmd.Dir = req.Directory
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stderr = os.Stderr
	// Plain os.Pipes so cmd.Wait never closes the ends the stream reads.
	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	startErr := cmd.Start()
	_ = childIn.Close()
	_ = childOut.Close()
	if startErr != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", binary, startErr)
	}

	id := req.Name + "-" + strconv.Itoa(cmd.Process.Pid)
	logger := s.logger.With(zap.String("process", id))
	opts := append([]transport.Option{transport.WithName(id), transport.WithLogger(logger)}, s.transportOpts...)
	p := &subprocess{
		id:      id,
		cmd:     cmd,
		channel: transport.NewStream(transport.NewStdioConn(stdout, stdin), opts...),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			logger.Info("plugin process exited", zap.Error(err))
		}
	}()
	return p, nil
}

type subprocess struct {
	cmd     *exec.Cmd
	channel *transport.Stream
	done    chan struct{}
	id      string
}

func (p *subprocess) ID() string             { return p.id }
func (p *subprocess) Channel() ports.Channel { return p.channel }
func (p *subprocess) Done() <-chan struct{}  { return p.done }

func (p *subprocess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}
