package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Default limits for captured process output.
const (
	DefaultStderrLines    = 100
	DefaultMaxStdoutBytes = 1 << 20
)

// ExitError reports a process that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Result is the outcome of one process run.
type Result struct {
	ExitCode int
	Stdout   []byte
	// Stderr holds the last lines written to stderr.
	Stderr   string
	Duration time.Duration
	// Usage is sampled while the process runs. It is nil for very short
	// runs or when sampling is not supported.
	Usage *ProcessUsage
}

// Runner executes commands synchronously.
type Runner interface {
	// Run blocks until the process exits or ctx is done. A non-zero exit
	// returns both the Result and an *ExitError. Cancellation kills the
	// process and returns ctx.Err().
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	StderrLines    int
	MaxStdoutBytes int64
	// SampleInterval controls resource sampling. Zero disables it.
	SampleInterval time.Duration
	Logger         *slog.Logger
}

// NewExecRunner returns an ExecRunner with default limits.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		StderrLines:    DefaultStderrLines,
		MaxStdoutBytes: DefaultMaxStdoutBytes,
		SampleInterval: time.Second,
		Logger:         logger,
	}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c *Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.WaitDelay = 5 * time.Second

	maxStdout := r.MaxStdoutBytes
	if maxStdout <= 0 {
		maxStdout = DefaultMaxStdoutBytes
	}
	stdout := &cappedBuffer{limit: maxStdout}
	cmd.Stdout = stdout

	tail := newLineRing(r.StderrLines)
	cmd.Stderr = tail

	r.Logger.DebugContext(ctx, "starting process", slog.String("command", c.String()))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}

	var monitor *processMonitor
	if r.SampleInterval > 0 {
		monitor = startProcessMonitor(cmd.Process.Pid, r.SampleInterval)
	}

	waitErr := cmd.Wait()

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   tail.String(),
		Duration: time.Since(start),
	}
	if monitor != nil {
		res.Usage = monitor.stop()
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, &ExitError{Code: exitErr.ExitCode()}
	}
	if waitErr != nil {
		return res, fmt.Errorf("waiting for %s: %w", c.Binary, waitErr)
	}
	return res, nil
}

// lineRing is an io.Writer that keeps the last n complete lines written.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial []byte
}

func newLineRing(n int) *lineRing {
	if n <= 0 {
		n = DefaultStderrLines
	}
	return &lineRing{max: n, lines: make([]string, 0, n)}
}

const maxPartialLine = 64 * 1024

func (l *lineRing) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := p
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		l.partial = append(l.partial, data[:i]...)
		if len(l.partial) > 0 {
			l.push(string(l.partial))
		}
		l.partial = l.partial[:0]
		data = data[i+1:]
	}
	if room := maxPartialLine - len(l.partial); room > 0 {
		if len(data) > room {
			data = data[:room]
		}
		l.partial = append(l.partial, data...)
	}
	return len(p), nil
}

func (l *lineRing) push(line string) {
	if len(l.lines) >= l.max {
		l.lines = l.lines[1:]
	}
	l.lines = append(l.lines, line)
}

// String returns the retained lines, including an unterminated last line.
func (l *lineRing) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := l.lines
	if len(l.partial) > 0 {
		lines = append(lines[:len(lines):len(lines)], string(l.partial))
	}
	return strings.Join(lines, "\n")
}

// cappedBuffer discards writes beyond limit while reporting them as written.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if room > 0 {
		if int64(len(p)) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}
