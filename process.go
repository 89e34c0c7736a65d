package nsfw

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Spawner starts a boundary and returns the caller's end of its stream.
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (io.ReadWriteCloser, error)
}

// InProcessSpawner runs the boundary on its own goroutine behind a
// synchronous in-memory pipe. Only encoded frames cross the pipe.
type InProcessSpawner struct {
	Options []BoundaryOption
	Logger  logrus.FieldLogger
}

func (s InProcessSpawner) Spawn(_ context.Context, cfg Config) (io.ReadWriteCloser, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := s.Options
	if s.Logger != nil {
		opts = append([]BoundaryOption{WithBoundaryLogger(s.Logger)}, opts...)
	}
	b, err := NewBoundary(cfg, opts...)
	if err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	go func() {
		// the boundary lives as long as its connection
		if err := b.Serve(context.Background(), NewConn(server, codec)); err != nil {
			b.logger.Errorf("Boundary stopped: %v", err)
		}
	}()
	return client, nil
}

// processStopTimeout is how long a child gets to exit after stdin closes.
const processStopTimeout = 2 * time.Second

// ProcessSpawner runs the boundary in a child process that calls ServeStdio.
// The caller's Config is forwarded in EnvWorkerConfig and takes precedence
// over whatever configuration the child builds for itself.
type ProcessSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Logger logrus.FieldLogger
}

func (s ProcessSpawner) Spawn(_ context.Context, cfg Config) (io.ReadWriteCloser, error) {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		path = exe
	}

	forwarded, err := encodeWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerConfig+"="+forwarded)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	logger = logger.WithField("pid", cmd.Process.Pid)
	logger.Debug("Worker process spawned")

	p := &processConn{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{}), logger: logger}
	go p.logStderr(stderr)
	go p.wait()
	return p, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan struct{}
	logger logrus.FieldLogger
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin so the child exits, and kills it if it lingers.
func (p *processConn) Close() error {
	err := p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(processStopTimeout):
		p.logger.Warn("Worker process did not exit, killing it")
		p.cmd.Process.Kill()
		<-p.exited
	}
	return err
}

func (p *processConn) wait() {
	defer close(p.exited)
	if err := p.cmd.Wait(); err != nil {
		p.logger.Debugf("Worker process exited: %v", err)
	}
}

// logStderr forwards the child's log lines.
func (p *processConn) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "level=error"), strings.Contains(line, "level=fatal"):
			p.logger.WithField("worker_log", line).Error("worker")
		case strings.Contains(line, "level=warning"):
			p.logger.WithField("worker_log", line).Warn("worker")
		default:
			p.logger.WithField("worker_log", line).Debug("worker")
		}
	}
}

type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (s stdioConn) Read(b []byte) (int, error)  { return s.in.Read(b) }
func (s stdioConn) Write(b []byte) (int, error) { return s.out.Write(b) }
func (s stdioConn) Close() error {
	s.in.Close()
	return s.out.Close()
}

// ServeStdio runs a boundary over stdin/stdout. It is the entry point of a
// child started by ProcessSpawner; logs must go to stderr. When the parent
// forwarded its configuration, that replaces cfg.
func ServeStdio(ctx context.Context, cfg Config, opts ...BoundaryOption) error {
	cfg, err := workerConfig(cfg)
	if err != nil {
		return err
	}
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return err
	}
	b, err := NewBoundary(cfg, opts...)
	if err != nil {
		return err
	}
	return b.Serve(ctx, NewConn(stdioConn{in: os.Stdin, out: os.Stdout}, codec))
}
