package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// fakeRunner records commands and answers with canned results.
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	result   Result
	err      error
	stream   string
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.result, f.err
}

func (f *fakeRunner) Stream(ctx context.Context, cmd Command) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return io.NopCloser(strings.NewReader(f.stream)), f.err
}

func (f *fakeRunner) last() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[len(f.commands)-1]
}

func TestComposeUpArgs(t *testing.T) {
	fr := &fakeRunner{}
	c := NewCompose(fr, nil, slog.Default())
	dir := "/data/environments/env-1"

	if err := c.Up(context.Background(), "env-1", dir); err != nil {
		t.Fatalf("up: %v", err)
	}
	want := []string{
		"docker", "compose",
		"--project-name", "env-1",
		"--project-directory", dir,
		"--file", filepath.Join(dir, "docker-compose.yml"),
		"up", "-d", "--remove-orphans",
	}
	got := fr.last()
	if !reflect.DeepEqual(got.Args, want) {
		t.Errorf("args = %q\nwant %q", got.Args, want)
	}
	if got.Dir != dir {
		t.Errorf("dir = %q, want %q", got.Dir, dir)
	}
}

func TestComposeCustomBinaryAndDown(t *testing.T) {
	fr := &fakeRunner{}
	c := NewCompose(fr, []string{"docker-compose"}, slog.Default())

	if err := c.Down(context.Background(), "env-2", "/tmp/env-2"); err != nil {
		t.Fatalf("down: %v", err)
	}
	args := fr.last().Args
	if args[0] != "docker-compose" {
		t.Errorf("binary = %q", args[0])
	}
	tail := args[len(args)-3:]
	if !reflect.DeepEqual(tail, []string{"down", "--volumes", "--remove-orphans"}) {
		t.Errorf("down args = %q", tail)
	}
}

func TestComposeFailureCarriesDiagnostics(t *testing.T) {
	fr := &fakeRunner{result: Result{ExitCode: 1, Stderr: "pull access denied for mysql:0.0\n"}}
	c := NewCompose(fr, nil, slog.Default())

	err := c.Up(context.Background(), "env-3", "/tmp/env-3")
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "pull access denied") {
		t.Errorf("missing stderr in %v", err)
	}
}

func TestComposeTimeoutPropagates(t *testing.T) {
	fr := &fakeRunner{err: ErrTimeout}
	c := NewCompose(fr, nil, slog.Default())

	err := c.Up(context.Background(), "env-4", "/tmp/env-4")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestComposeLogs(t *testing.T) {
	fr := &fakeRunner{result: Result{Stdout: "source-1  | ready\n"}}
	c := NewCompose(fr, nil, slog.Default())

	out, err := c.Logs(context.Background(), "env-5", "/tmp/env-5", 50)
	if err != nil {
		t.Fatal(err)
	}
	if out != "source-1  | ready\n" {
		t.Errorf("logs = %q", out)
	}
	args := fr.last().Args
	if !reflect.DeepEqual(args[len(args)-4:], []string{"logs", "--no-color", "--tail", "50"}) {
		t.Errorf("logs args = %q", args)
	}

	fr.stream = "line\n"
	rc, err := c.LogsFollow(context.Background(), "env-5", "/tmp/env-5", 10)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "line\n" {
		t.Errorf("follow output = %q", data)
	}
	if !contains(fr.last().Args, "--follow") {
		t.Errorf("follow args = %q", fr.last().Args)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

const psArray = `[
 {"Name":"env_replica","Service":"replica","State":"running","Publishers":[{"URL":"0.0.0.0","TargetPort":3306,"PublishedPort":3307,"Protocol":"tcp"},{"URL":"::","TargetPort":3306,"PublishedPort":3307,"Protocol":"tcp"}]},
 {"Name":"env_source","Service":"source","State":"running","Publishers":[{"URL":"0.0.0.0","TargetPort":3306,"PublishedPort":3306,"Protocol":"tcp"}]}
]`

const psLines = `{"Name":"env_replica","Service":"replica","State":"exited","Publishers":[]}
{"Name":"env_source","Service":"source","State":"running","Publishers":[{"URL":"0.0.0.0","TargetPort":3306,"PublishedPort":0,"Protocol":"tcp"}]}
`

func TestParsePSShapes(t *testing.T) {
	list, err := parsePS(psArray)
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	if len(list) != 2 || list[0].Service != "replica" {
		t.Fatalf("array parse = %+v", list)
	}

	list, err = parsePS(psLines)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(list) != 2 || list[0].State != "exited" {
		t.Fatalf("lines parse = %+v", list)
	}

	list, err = parsePS("  \n")
	if err != nil || len(list) != 0 {
		t.Fatalf("empty output: %+v, %v", list, err)
	}

	if _, err := parsePS("{broken"); err == nil {
		t.Error("expected decode error")
	}
}

func TestInspectBuildsEndpoints(t *testing.T) {
	fr := &fakeRunner{result: Result{Stdout: psArray}}
	c := NewCompose(fr, nil, slog.Default())

	eps, err := c.Inspect(context.Background(), "env", "/tmp/env")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %+v", eps)
	}
	if eps[0].Role != "source" || eps[1].Role != "replica" {
		t.Errorf("source must come first: %+v", eps)
	}
	if len(eps[1].Ports) != 1 || eps[1].Ports[0].HostPort != "3307" {
		t.Errorf("replica ports not deduplicated: %+v", eps[1].Ports)
	}

	fr.result = Result{Stdout: psLines}
	eps, _ = c.Inspect(context.Background(), "env", "/tmp/env")
	if len(eps[0].Ports) != 0 {
		t.Errorf("unpublished ports should be skipped: %+v", eps[0].Ports)
	}
}
