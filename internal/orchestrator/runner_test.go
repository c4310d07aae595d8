package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestRunner(elev Elevation) *ExecRunner {
	return NewExecRunner(elev, 10*time.Second, slog.Default())
}

func TestRunSuccess(t *testing.T) {
	r := newTestRunner(Elevation{})
	res, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo hello"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success() || res.Err() != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner(Elevation{})
	res, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo boom >&2; exit 3"}})
	if err != nil {
		t.Fatalf("non-zero exit must not be a run error, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	failure := res.Err()
	if !errors.Is(failure, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", failure)
	}
	if !strings.Contains(failure.Error(), "boom") {
		t.Errorf("diagnostics missing stderr: %v", failure)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(Elevation{})
	start := time.Now()
	_, err := r.Run(context.Background(), Command{
		Args:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, ErrFailed) {
		t.Error("timeout must be distinguishable from failure")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("child was not killed promptly: %s", elapsed)
	}
}

func TestRunStartFailure(t *testing.T) {
	r := newTestRunner(Elevation{})
	_, err := r.Run(context.Background(), Command{Args: []string{"/nonexistent/dad-test-binary"}})
	if !errors.Is(err, ErrStart) {
		t.Fatalf("expected ErrStart, got %v", err)
	}

	_, err = r.Run(context.Background(), Command{})
	if !errors.Is(err, ErrStart) {
		t.Fatalf("empty command: expected ErrStart, got %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	r := newTestRunner(Elevation{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, Command{Args: []string{"sleep", "10"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunEnvAndDir(t *testing.T) {
	r := newTestRunner(Elevation{})
	dir := t.TempDir()
	res, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", `echo "$DAD_TEST_VALUE"; pwd`},
		Dir:  dir,
		Env:  []string{"DAD_TEST_VALUE=42"},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "42" {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
	if !strings.HasSuffix(lines[1], dir) {
		t.Errorf("working dir = %q, want %q", lines[1], dir)
	}
}

func TestElevationPasswordOnStdinOnly(t *testing.T) {
	const secret = "s3cret-pw"
	// Stand-in for "sudo -S": reads the password from stdin, then runs the command.
	elev := Elevation{
		Command:  []string{"sh", "-c", `read pw; echo "auth:$pw"; exec "$@"`, "elevate"},
		Password: secret,
	}
	r := newTestRunner(elev)

	res, err := r.Run(context.Background(), Command{Args: []string{"echo", "inner"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stdout, "auth:"+secret) {
		t.Errorf("password was not delivered on stdin: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "inner") {
		t.Errorf("wrapped command did not run: %q", res.Stdout)
	}

	for _, arg := range r.argv([]string{"echo", "inner"}) {
		if strings.Contains(arg, secret) {
			t.Fatalf("password leaked into argv: %q", arg)
		}
	}
}

func TestStreamReadsUntilExit(t *testing.T) {
	r := newTestRunner(Elevation{})
	rc, err := r.Stream(context.Background(), Command{Args: []string{"sh", "-c", "echo one; echo two >&2"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "one") || !strings.Contains(out, "two") {
		t.Errorf("merged output = %q", out)
	}
}

func TestStreamCloseStopsProcess(t *testing.T) {
	r := newTestRunner(Elevation{})
	rc, err := r.Stream(context.Background(), Command{Args: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	done := make(chan struct{})
	go func() {
		rc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not stop the process")
	}
}
