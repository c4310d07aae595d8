package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/web-casa/dad/internal/compose"
	"github.com/web-casa/dad/internal/model"
)

// Compose drives the docker compose CLI for one project per environment.
type Compose struct {
	runner Runner
	bin    []string // e.g. ["docker", "compose"]
	logger *slog.Logger
}

// NewCompose creates a Compose wrapper. An empty bin selects "docker compose".
func NewCompose(runner Runner, bin []string, logger *slog.Logger) *Compose {
	if len(bin) == 0 {
		bin = []string{"docker", "compose"}
	}
	return &Compose{runner: runner, bin: bin, logger: logger}
}

func (c *Compose) command(project, dir string, sub ...string) Command {
	args := make([]string, 0, len(c.bin)+8+len(sub))
	args = append(args, c.bin...)
	args = append(args,
		"--project-name", project,
		"--project-directory", dir,
		"--file", filepath.Join(dir, compose.ComposeFile),
	)
	args = append(args, sub...)
	return Command{Args: args, Dir: dir}
}

func (c *Compose) run(ctx context.Context, project, dir string, sub ...string) (Result, error) {
	res, err := c.runner.Run(ctx, c.command(project, dir, sub...))
	if err != nil {
		return res, fmt.Errorf("compose %s: %w", sub[0], err)
	}
	if err := res.Err(); err != nil {
		c.logger.Error("docker compose failed",
			"project", project,
			"args", strings.Join(sub, " "),
			"exit_code", res.ExitCode,
			"stderr", strings.TrimSpace(res.Stderr),
		)
		return res, fmt.Errorf("compose %s: %w", sub[0], err)
	}
	return res, nil
}

// Up starts the project detached.
func (c *Compose) Up(ctx context.Context, project, dir string) error {
	_, err := c.run(ctx, project, dir, "up", "-d", "--remove-orphans")
	return err
}

// Down stops the project and removes its containers, volumes and networks.
func (c *Compose) Down(ctx context.Context, project, dir string) error {
	_, err := c.run(ctx, project, dir, "down", "--volumes", "--remove-orphans")
	return err
}

// Logs returns the last tail lines of every service's output.
func (c *Compose) Logs(ctx context.Context, project, dir string, tail int) (string, error) {
	res, err := c.run(ctx, project, dir, "logs", "--no-color", "--tail", strconv.Itoa(tail))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// LogsFollow streams the project's logs until the reader is closed.
func (c *Compose) LogsFollow(ctx context.Context, project, dir string, tail int) (io.ReadCloser, error) {
	return c.runner.Stream(ctx, c.command(project, dir, "logs", "--no-color", "--follow", "--tail", strconv.Itoa(tail)))
}

// ContainerState is one entry of `docker compose ps --format json`.
type ContainerState struct {
	Name       string      `json:"Name"`
	Service    string      `json:"Service"`
	State      string      `json:"State"`
	Publishers []Publisher `json:"Publishers"`
}

// Publisher is a published port as reported by compose.
type Publisher struct {
	URL           string `json:"URL"`
	TargetPort    int    `json:"TargetPort"`
	PublishedPort int    `json:"PublishedPort"`
	Protocol      string `json:"Protocol"`
}

// PS lists the project's containers, including stopped ones.
func (c *Compose) PS(ctx context.Context, project, dir string) ([]ContainerState, error) {
	res, err := c.run(ctx, project, dir, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parsePS(res.Stdout)
}

// parsePS accepts both output shapes compose has used: a single JSON array
// (older v2 releases) and one JSON object per line.
func parsePS(out string) ([]ContainerState, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	if strings.HasPrefix(out, "[") {
		var list []ContainerState
		if err := json.Unmarshal([]byte(out), &list); err != nil {
			return nil, fmt.Errorf("decode compose ps: %w", err)
		}
		return list, nil
	}

	var list []ContainerState
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var cs ContainerState
		if err := json.Unmarshal([]byte(line), &cs); err != nil {
			return nil, fmt.Errorf("decode compose ps line: %w", err)
		}
		list = append(list, cs)
	}
	return list, sc.Err()
}

// Inspect reports the project's containers as endpoints.
func (c *Compose) Inspect(ctx context.Context, project, dir string) ([]model.Endpoint, error) {
	states, err := c.PS(ctx, project, dir)
	if err != nil {
		return nil, err
	}
	endpoints := make([]model.Endpoint, 0, len(states))
	for _, s := range states {
		ports := make([]model.PortBinding, 0, len(s.Publishers))
		for _, p := range s.Publishers {
			if p.PublishedPort == 0 {
				continue
			}
			ports = append(ports, model.PortBinding{
				HostPort:      strconv.Itoa(p.PublishedPort),
				ContainerPort: strconv.Itoa(p.TargetPort),
				Protocol:      p.Protocol,
			})
		}
		endpoints = append(endpoints, model.Endpoint{
			Container: s.Name,
			Role:      s.Service,
			State:     s.State,
			Ports:     dedupePorts(ports),
		})
	}
	compose.SortEndpoints(endpoints)
	return endpoints, nil
}

// dedupePorts drops the duplicate entries compose reports for IPv4 and IPv6
// listeners of the same binding.
func dedupePorts(ports []model.PortBinding) []model.PortBinding {
	seen := make(map[model.PortBinding]bool, len(ports))
	out := ports[:0]
	for _, p := range ports {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
