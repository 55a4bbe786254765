// Package docker runs pool workers inside Docker containers instead of as
// plain child processes.
//
// Each worker gets its own long-lived container with stdin kept open. The
// pool talks to it over the attached stdio stream exactly as it would to a
// local process, so nothing above worker.Launcher knows the difference.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/sakif/coderunner/internal/executor/worker"
)

// Client owns the connection to the Docker daemon and hands out one
// Launcher per worker image.
type Client struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

// New connects to the daemon and makes sure every image is pulled.
func New(ctx context.Context, cfg Config, images []string, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	c := &Client{cli: cli, config: cfg, logger: logger}
	for _, img := range images {
		if err := c.pull(ctx, img); err != nil {
			cli.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) pull(ctx context.Context, ref string) error {
	if c.config.PullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.PullTimeout)
		defer cancel()
	}

	c.logger.Info("ensuring docker image is available", slog.String("image", ref))
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	c.logger.Info("docker image is ready", slog.String("image", ref))
	return nil
}

// Launcher returns a worker.Launcher that starts containers from img.
func (c *Client) Launcher(img string) *Launcher {
	return &Launcher{
		cli:    c.cli,
		image:  img,
		config: c.config,
		logger: c.logger.With(slog.String("image", img)),
	}
}

// Close releases the daemon connection. Containers are owned by their
// workers and removed when those exit.
func (c *Client) Close() error {
	return c.cli.Close()
}

var _ worker.Launcher = (*Launcher)(nil)
