package driver

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// BrowserConfig defines the headless browser container the driver uses for
// pages the plain HTTP client cannot render.
type BrowserConfig struct {
	Image string // e.g. "chromedp/headless-shell:latest"
	Name  string
}

// BrowserManager owns the lifecycle of the headless browser container: one
// container per driver session, started on authenticate and removed on
// session close. Its logs are captured by the run log manager.
type BrowserManager struct {
	logger *zap.Logger
	docker *client.Client
	config BrowserConfig

	mu          sync.Mutex
	containerID string
}

// NewBrowserManager creates a new browser manager.
func NewBrowserManager(config BrowserConfig, logger *zap.Logger) (*BrowserManager, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &BrowserManager{
		logger: logger.Named("browser-manager"),
		docker: docker,
		config: config,
	}, nil
}

// EnsureStarted creates and starts the browser container if it is not
// already running. Safe to call repeatedly.
func (bm *BrowserManager) EnsureStarted(ctx context.Context) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.containerID != "" {
		return nil
	}

	created, err := bm.docker.ContainerCreate(ctx,
		&container.Config{Image: bm.config.Image},
		&container.HostConfig{
			NetworkMode: "host",
			AutoRemove:  true,
		},
		nil, nil, bm.config.Name)
	if err != nil {
		return fmt.Errorf("failed to create browser container: %w", err)
	}

	if err := bm.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start browser container: %w", err)
	}

	bm.containerID = created.ID
	bm.logger.Info("Started browser container",
		zap.String("container_id", created.ID),
		zap.String("image", bm.config.Image))

	return nil
}

// ContainerID returns the running container id, or "" when stopped.
func (bm *BrowserManager) ContainerID() string {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.containerID
}

// Stop stops the browser container. No-op when nothing is running.
func (bm *BrowserManager) Stop(ctx context.Context) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.containerID == "" {
		return nil
	}

	if err := bm.docker.ContainerStop(ctx, bm.containerID, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop browser container: %w", err)
	}

	bm.logger.Info("Stopped browser container",
		zap.String("container_id", bm.containerID))
	bm.containerID = ""

	return nil
}

// Logs streams the container's stdout/stderr. The caller owns the reader.
func (bm *BrowserManager) Logs(ctx context.Context) (io.ReadCloser, error) {
	bm.mu.Lock()
	id := bm.containerID
	bm.mu.Unlock()

	if id == "" {
		return nil, fmt.Errorf("browser container is not running")
	}

	return bm.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}
