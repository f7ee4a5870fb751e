// Package procfilter runs an external tsreadex-compatible binary per filter
// handle, feeding it through stdin and collecting stdout.
package procfilter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/tsbridge/internal/filter"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxInput    = 8 << 20
	DefaultMaxOutput   = 8 << 20
	DefaultKillTimeout = 3 * time.Second

	readChunkSize   = 64 << 10
	maxStderrLines  = 50
	stdinArg        = "-"
	stderrLineLimit = 64 << 10
)

// ErrProcessExited is returned when pushing to an instance whose process has
// already terminated.
var ErrProcessExited = errors.New("filter process exited")

// ErrInputFull is returned when a push would queue more than MaxInput bytes
// the process has not yet consumed.
var ErrInputFull = errors.New("filter input queue full")

// Config configures the process engine.
type Config struct {
	// BinaryPath is the tsreadex executable, looked up in PATH when bare.
	BinaryPath string
	// MaxInput caps the bytes queued for stdin. Pushes beyond it fail.
	MaxInput int
	// MaxOutput caps the bytes queued from stdout before the reader stops
	// draining the process.
	MaxOutput int
	// KillTimeout is how long Close waits for a clean exit after closing
	// stdin.
	KillTimeout time.Duration
	Logger      *slog.Logger
}

// Engine implements filter.Filter with one child process per handle.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	table  *filter.Table[*process]
}

var _ filter.Filter = (*Engine)(nil)

// New creates a process filter engine.
func New(cfg Config) *Engine {
	if cfg.MaxInput <= 0 {
		cfg.MaxInput = DefaultMaxInput
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("engine", "process")),
		table:  filter.NewTable[*process](),
	}
}

// OpenFilter validates args, starts the binary reading stdin and returns
// its handle.
func (e *Engine) OpenFilter(args []string) (filter.Handle, error) {
	opts, err := filter.ParseOptions(args)
	if err != nil {
		return filter.InvalidHandle, fmt.Errorf("%w: %w", filter.ErrOpenFailed, err)
	}

	argv := append([]string(nil), args...)
	switch opts.Input {
	case "":
		argv = append(argv, stdinArg)
	case stdinArg:
	default:
		return filter.InvalidHandle, fmt.Errorf("%w: input %q not supported, data is pushed", filter.ErrOpenFailed, opts.Input)
	}

	p, err := e.start(argv)
	if err != nil {
		return filter.InvalidHandle, fmt.Errorf("%w: %w", filter.ErrOpenFailed, err)
	}

	h := e.table.Add(p)
	p.logger = p.logger.With(slog.Any("handle", h))
	p.run()
	p.logger.Debug("filter process started",
		slog.String("binary", e.cfg.BinaryPath),
		slog.Any("args", argv),
		slog.Int("pid", p.cmd.Process.Pid),
	)
	return h, nil
}

// PushDataBuffer queues data for the process stdin without waiting.
func (e *Engine) PushDataBuffer(h filter.Handle, data []byte) error {
	p, ok := e.table.Get(h)
	if !ok {
		return filter.ErrInvalidHandle
	}
	return p.push(data)
}

// PopDataBuffer copies queued stdout bytes into out without waiting.
func (e *Engine) PopDataBuffer(h filter.Handle, out []byte) (int, error) {
	p, ok := e.table.Get(h)
	if !ok {
		return 0, filter.ErrInvalidHandle
	}
	return p.pop(out)
}

// CloseFilter closes stdin, waits up to KillTimeout for the process to exit,
// kills it otherwise and waits for every pipe goroutine.
func (e *Engine) CloseFilter(h filter.Handle) error {
	p, ok := e.table.Remove(h)
	if !ok {
		return filter.ErrInvalidHandle
	}
	return p.close(e.cfg.KillTimeout)
}

// Live returns the number of running instances.
func (e *Engine) Live() int {
	return e.table.Len()
}

type process struct {
	cmd       *exec.Cmd
	logger    *slog.Logger
	maxInput  int
	maxOutput int
	g         errgroup.Group
	done      chan struct{}

	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	mu      sync.Mutex
	cond    *sync.Cond
	in      [][]byte
	inBytes int // queued plus the chunk being written
	out     []byte
	closing bool
	exited  bool
	killed  bool
	waitErr error
	pushErr error

	stderrMu    sync.Mutex
	stderrLines []string
}

func (e *Engine) start(argv []string) (*process, error) {
	cmd := exec.Command(e.cfg.BinaryPath, argv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.cfg.BinaryPath, err)
	}

	p := &process{
		cmd:       cmd,
		logger:    e.logger,
		maxInput:  e.cfg.MaxInput,
		maxOutput: e.cfg.MaxOutput,
		done:      make(chan struct{}),
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// run starts the pipe goroutines.
func (p *process) run() {
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	p.g.Go(func() error {
		p.writeStdin(p.stdin)
		return nil
	})
	p.g.Go(func() error {
		defer close(stdoutDone)
		p.readStdout(p.stdout)
		return nil
	})
	p.g.Go(func() error {
		defer close(stderrDone)
		p.captureStderr(p.stderr)
		return nil
	})
	p.g.Go(func() error {
		// Wait must not run before the pipe readers have finished.
		<-stdoutDone
		<-stderrDone
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exited = true
		p.waitErr = err
		p.cond.Broadcast()
		p.mu.Unlock()

		close(p.done)
		return nil
	})
}

func (p *process) writeStdin(stdin io.WriteCloser) {
	defer stdin.Close()

	for {
		p.mu.Lock()
		for len(p.in) == 0 && !p.closing && !p.exited {
			p.cond.Wait()
		}
		if p.closing || p.exited {
			p.in = nil
			p.inBytes = 0
			p.mu.Unlock()
			return
		}
		chunk := p.in[0]
		p.in = p.in[1:]
		p.mu.Unlock()

		_, err := stdin.Write(chunk)

		p.mu.Lock()
		if err != nil {
			p.pushErr = fmt.Errorf("writing filter input: %w", err)
			p.in = nil
			p.inBytes = 0
			p.mu.Unlock()
			return
		}
		p.inBytes -= len(chunk)
		p.mu.Unlock()
	}
}

func (p *process) readStdout(stdout io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			p.mu.Lock()
			for len(p.out) >= p.maxOutput && !p.closing {
				p.cond.Wait()
			}
			if !p.closing {
				p.out = append(p.out, buf[:n]...)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *process) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), stderrLineLimit)

	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("filter stderr", slog.String("line", line))

		p.stderrMu.Lock()
		if len(p.stderrLines) >= maxStderrLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrLines = append(p.stderrLines, line)
		p.stderrMu.Unlock()
	}
	// drain whatever the scanner refused so the process never blocks on us
	_, _ = io.Copy(io.Discard, stderr)
}

func (p *process) push(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pushErr != nil {
		return p.pushErr
	}
	if p.exited {
		return p.exitError()
	}
	if len(data) == 0 {
		return nil
	}
	if p.inBytes+len(data) > p.maxInput {
		return fmt.Errorf("%w: %d bytes pending, limit %d", ErrInputFull, p.inBytes, p.maxInput)
	}
	p.inBytes += len(data)
	p.in = append(p.in, append([]byte(nil), data...))
	p.cond.Broadcast()
	return nil
}

func (p *process) pop(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := copy(out, p.out)
	if n > 0 {
		p.out = p.out[n:]
		if len(p.out) == 0 {
			p.out = nil
		}
		p.cond.Broadcast()
		return n, nil
	}
	if p.exited && p.waitErr != nil {
		return 0, p.exitError()
	}
	return 0, nil
}

// exitError must be called with mu held.
func (p *process) exitError() error {
	if p.waitErr == nil {
		return ErrProcessExited
	}
	if last := p.lastStderr(); last != "" {
		return fmt.Errorf("%w: %w: %s", ErrProcessExited, p.waitErr, last)
	}
	return fmt.Errorf("%w: %w", ErrProcessExited, p.waitErr)
}

func (p *process) lastStderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	if len(p.stderrLines) == 0 {
		return ""
	}
	return strings.TrimSpace(p.stderrLines[len(p.stderrLines)-1])
}

func (p *process) close(killTimeout time.Duration) error {
	p.mu.Lock()
	p.closing = true
	p.out = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	timer := time.NewTimer(killTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("filter process did not exit, killing",
			slog.Duration("timeout", killTimeout),
		)
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("failed to kill filter process", slog.String("error", err.Error()))
		}
		<-p.done
	}

	_ = p.g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug("filter process stopped",
		slog.Bool("killed", p.killed),
		slog.Any("exit", p.waitErr),
	)
	if p.killed || p.waitErr == nil {
		return nil
	}
	return p.exitError()
}
