// Package orchestrator runs external orchestration commands with a deadline
// and wraps the docker compose CLI.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("command timed out")
	ErrFailed  = errors.New("command failed")
	ErrStart   = errors.New("command could not be started")
)

// DefaultTimeout bounds commands that do not set their own timeout.
const DefaultTimeout = 5 * time.Minute

// maxStream caps streaming commands such as log following.
const maxStream = time.Hour

// waitDelay bounds how long Wait blocks on the child's I/O after it was killed.
const waitDelay = 5 * time.Second

// Command is one external process invocation. Args[0] is the program; no shell
// is involved.
type Command struct {
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
}

// Result holds a finished process's exit status and captured output.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports a zero exit status.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Err classifies the result: nil on success, otherwise an error wrapping
// ErrFailed that carries stderr (or stdout when stderr is empty).
func (r Result) Err() error {
	if r.Success() {
		return nil
	}
	diag := strings.TrimSpace(r.Stderr)
	if diag == "" {
		diag = strings.TrimSpace(r.Stdout)
	}
	if diag == "" {
		return fmt.Errorf("%w: exit status %d", ErrFailed, r.ExitCode)
	}
	return fmt.Errorf("%w: exit status %d: %s", ErrFailed, r.ExitCode, diag)
}

// Runner executes commands.
type Runner interface {
	// Run waits for the command to finish. A non-zero exit is reported in the
	// Result with a nil error; the error is reserved for timeouts, cancellation
	// and start failures.
	Run(ctx context.Context, cmd Command) (Result, error)

	// Stream starts the command and returns its merged stdout/stderr. Closing
	// the reader stops the process.
	Stream(ctx context.Context, cmd Command) (io.ReadCloser, error)
}

// Elevation prefixes every command with a privilege-elevation program such as
// "sudo -S". Password, when set, is fed on stdin and never appears in argv.
type Elevation struct {
	Command  []string
	Password string
}

// ExecRunner runs commands as local child processes.
type ExecRunner struct {
	elevation Elevation
	timeout   time.Duration
	logger    *slog.Logger
}

// NewExecRunner creates an ExecRunner. timeout <= 0 selects DefaultTimeout.
func NewExecRunner(elevation Elevation, timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{elevation: elevation, timeout: timeout, logger: logger}
}

func (r *ExecRunner) argv(args []string) []string {
	argv := make([]string, 0, len(r.elevation.Command)+len(args))
	argv = append(argv, r.elevation.Command...)
	return append(argv, args...)
}

func (r *ExecRunner) build(ctx context.Context, cmd Command) (*exec.Cmd, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrStart)
	}
	argv := r.argv(cmd.Args)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.WaitDelay = waitDelay
	if r.elevation.Password != "" {
		c.Stdin = strings.NewReader(r.elevation.Password + "\n")
	}
	return c, nil
}

// Run executes cmd and waits for it, killing it when the deadline passes.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := r.build(ctx, cmd)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	runErr := c.Run()
	res := Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.ExitCode = -1
			r.logger.Warn("command timed out", "args", strings.Join(cmd.Args, " "), "timeout", timeout)
			return res, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, strings.Join(cmd.Args, " "))
		case errors.Is(ctx.Err(), context.Canceled):
			res.ExitCode = -1
			return res, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Debug("command exited non-zero",
				"args", strings.Join(cmd.Args, " "),
				"exit_code", res.ExitCode,
				"duration", res.Duration,
			)
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %s: %v", ErrStart, cmd.Args[0], runErr)
	}

	r.logger.Debug("command finished", "args", strings.Join(cmd.Args, " "), "duration", res.Duration)
	return res, nil
}

// Stream starts cmd and returns a reader over its merged output. The process
// is stopped when the reader is closed, ctx is done, or maxStream elapses.
func (r *ExecRunner) Stream(ctx context.Context, cmd Command) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, maxStream)

	c, err := r.build(ctx, cmd)
	if err != nil {
		cancel()
		return nil, err
	}
	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	if err := c.Start(); err != nil {
		cancel()
		pw.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrStart, cmd.Args[0], err)
	}

	done := make(chan struct{})
	go func() {
		err := c.Wait()
		pw.CloseWithError(err)
		close(done)
	}()

	return &streamReader{PipeReader: pr, cancel: cancel, done: done}, nil
}

type streamReader struct {
	*io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *streamReader) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.PipeReader.Close()
		<-s.done
	})
	return nil
}
