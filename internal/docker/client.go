// Package docker reads container state of compose projects straight from the
// Docker Engine API.
package docker

import (
	"context"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/web-casa/dad/internal/compose"
	"github.com/web-casa/dad/internal/model"
)

// Labels set by docker compose on every container it creates.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// Client wraps the Docker Engine API client.
type Client struct {
	cli *client.Client
}

// NewClient creates a Client connected to the Docker daemon.
// socketPath defaults to /var/run/docker.sock if empty.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// Inspect lists every container of the compose project, stopped ones included.
// dir is unused; it keeps the signature shared with the compose CLI inspector.
func (c *Client) Inspect(ctx context.Context, project, dir string) ([]model.Endpoint, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
	})
	if err != nil {
		return nil, err
	}
	return toEndpoints(containers), nil
}

func toEndpoints(containers []types.Container) []model.Endpoint {
	endpoints := make([]model.Endpoint, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}

		ports := make([]model.PortBinding, 0, len(ctr.Ports))
		seen := make(map[model.PortBinding]bool)
		for _, p := range ctr.Ports {
			if p.PublicPort == 0 {
				continue
			}
			pb := model.PortBinding{
				HostPort:      strconv.Itoa(int(p.PublicPort)),
				ContainerPort: strconv.Itoa(int(p.PrivatePort)),
				Protocol:      p.Type,
			}
			// IPv4 and IPv6 listeners show up as separate entries.
			if seen[pb] {
				continue
			}
			seen[pb] = true
			ports = append(ports, pb)
		}

		endpoints = append(endpoints, model.Endpoint{
			Container: name,
			Role:      ctr.Labels[LabelService],
			State:     ctr.State,
			Ports:     ports,
		})
	}
	compose.SortEndpoints(endpoints)
	return endpoints
}
