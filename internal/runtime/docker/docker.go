// Package docker implements runtime.Runtime on the Docker Engine API.
// Workers run directly on the host daemon with bind-mounted job directories.
package docker

import (
	"context"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/runtime"
	"eemt-orchestrator/pkg/backoff"
	"eemt-orchestrator/pkg/circuitbreaker"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const cpuPeriod = 100000

// dockerAPI is the subset of the Engine client used here.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Runtime runs worker containers on a Docker daemon.
type Runtime struct {
	client       dockerAPI
	pullImage    bool
	pullAttempts int
	pullBackoff  backoff.Config
	stopTimeout  time.Duration
	launches     *circuitbreaker.Breaker
}

// New connects to the daemon described by the DOCKER_* environment.
func New(cfg Config) (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRuntime(dockerClient, cfg), nil
}

func newRuntime(api dockerAPI, cfg Config) *Runtime {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.PullAttempts <= 0 {
		cfg.PullAttempts = 3
	}
	return &Runtime{
		client:       api,
		pullImage:    cfg.PullImage,
		pullAttempts: cfg.PullAttempts,
		pullBackoff:  backoff.Config{Initial: time.Second, Max: 10 * time.Second},
		stopTimeout:  cfg.StopTimeout,
		launches: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			IsFailure: isDaemonFailure,
		}),
	}
}

// isDaemonFailure reports whether a launch error says something about the
// daemon rather than about the caller giving up.
func isDaemonFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Launch creates and starts the container. A container that was created but
// failed to start is removed before returning. After repeated daemon
// failures launches are rejected without contacting the daemon until the
// breaker's cooldown has passed.
func (r *Runtime) Launch(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	if spec.Image == "" {
		return runtime.Handle{}, apperrors.Launch("docker.validateSpec", errors.New("image is required"))
	}

	var h runtime.Handle
	err := r.launches.Do(func() error {
		var err error
		h, err = r.launch(ctx, spec)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return runtime.Handle{}, apperrors.Launch("docker.launch", err)
	}
	return h, err
}

func (r *Runtime) launch(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return runtime.Handle{}, apperrors.Launch("docker.pullImage", err)
	}

	containerConfig, hostConfig := buildConfig(spec)
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return runtime.Handle{}, apperrors.Launch("docker.createContainer", err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("Container create warning", "containerId", resp.ID, "warning", w)
	}

	h := runtime.Handle{ID: resp.ID, Name: spec.Name}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
		defer cancel()
		if rmErr := r.Remove(cleanupCtx, h); rmErr != nil {
			slog.Warn("Failed to remove container after start failure", "containerId", resp.ID, "error", rmErr)
		}
		return runtime.Handle{}, apperrors.Launch("docker.startContainer", err)
	}
	return h, nil
}

func buildConfig(spec runtime.Spec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	maps.Copy(labels, spec.Labels)
	labels[runtime.LabelManagedBy] = runtime.ManagedBy

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	resources := container.Resources{Memory: spec.MemoryBytes}
	if spec.CPUs > 0 {
		resources.CPUPeriod = cpuPeriod
		resources.CPUQuota = int64(spec.CPUs) * cpuPeriod
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        env,
		WorkingDir: spec.WorkingDir,
		Labels:     labels,
	}
	hostConfig := &container.HostConfig{
		Mounts:    mounts,
		Resources: resources,
	}
	return containerConfig, hostConfig
}

// ensureImage checks the image is present locally, pulling it when enabled.
func (r *Runtime) ensureImage(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", imageName, err)
	}
	if !r.pullImage {
		return fmt.Errorf("worker image %s not found", imageName)
	}

	var pullErr error
	for attempt := 1; attempt <= r.pullAttempts; attempt++ {
		if pullErr = r.pull(ctx, imageName); pullErr == nil {
			return nil
		}
		slog.Warn("Image pull failed", "image", imageName, "attempt", attempt, "error", pullErr)
		if attempt == r.pullAttempts {
			break
		}
		if err := r.pullBackoff.Wait(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("pull image %s: %w", imageName, pullErr)
}

func (r *Runtime) pull(ctx context.Context, imageName string) error {
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// StreamLogs follows the container's output. The engine multiplexes stdout
// and stderr into one framed stream; both are merged back into plain lines.
func (r *Runtime) StreamLogs(ctx context.Context, h runtime.Handle) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		logs, err := r.client.ContainerLogs(ctx, h.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			yield("", fmt.Errorf("container logs: %w", err))
			return
		}
		defer logs.Close()

		pr, pw := io.Pipe()
		defer pr.Close()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, logs)
			pw.CloseWithError(err)
		}()

		for line, err := range runtime.Lines(pr) {
			if err != nil {
				if ctx.Err() == nil {
					yield("", fmt.Errorf("read container logs: %w", err))
				}
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// Wait blocks until the container is no longer running.
func (r *Runtime) Wait(ctx context.Context, h runtime.Handle) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("wait for container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// Stop sends SIGTERM and kills the container after the stop timeout.
func (r *Runtime) Stop(ctx context.Context, h runtime.Handle) error {
	if h.ID == "" {
		return nil
	}
	timeout := int(r.stopTimeout.Seconds())
	err := r.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", h, err)
	}
	return nil
}

// Remove force-removes the container.
func (r *Runtime) Remove(ctx context.Context, h runtime.Handle) error {
	if h.ID == "" {
		return nil
	}
	err := r.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", h, err)
	}
	return nil
}

// Ping checks that the daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

var _ runtime.Runtime = (*Runtime)(nil)
