// Package docker runs each worker as an auto-removing container on the local
// Docker Engine, with a named volume for the workspace.
package docker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"appforge/pkg/config"
	"appforge/pkg/deploy/workerstate"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

const (
	backendName = "docker"

	labelRequestID = "appforge.request_id"
	labelManaged   = "appforge.managed"
)

// engineAPI is the subset of the Docker Engine client used by the provider.
type engineAPI interface {
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

type containerState struct {
	requestID   string
	idle        *time.Timer
	cancelWait  context.CancelFunc
	done        chan struct{}
	terminating bool
}

// DockerProvider implements interfaces.WorkerLifecycle on the Docker Engine API.
type DockerProvider struct {
	cfg     config.DockerConfig
	api     engineAPI
	tracker *workerstate.Tracker

	mu         sync.Mutex
	containers map[string]*containerState
}

var _ interfaces.WorkerLifecycle = (*DockerProvider)(nil)

// NewDockerProvider creates the Local-Container-Runtime backend from DOCKER_HOST et al.
func NewDockerProvider(cfg *config.Config) (*DockerProvider, error) {
	if cfg.Docker.Image == "" {
		return nil, &orcherr.ConfigurationError{Reason: "docker backend requires a worker image", Missing: []string{"docker.image"}}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerProvider(cfg.Docker, cli), nil
}

func newDockerProvider(cfg config.DockerConfig, api engineAPI) *DockerProvider {
	return &DockerProvider{
		cfg:        cfg,
		api:        api,
		tracker:    workerstate.New(backendName),
		containers: make(map[string]*containerState),
	}
}

// Name returns the backend name.
func (p *DockerProvider) Name() string { return backendName }

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(requestID string) string {
	return "appforge-worker-" + unsafeName.ReplaceAllString(requestID, "-")
}

func (p *DockerProvider) volumeName(requestID string) string {
	return p.cfg.VolumePrefix + "-" + unsafeName.ReplaceAllString(requestID, "-")
}

// Spawn creates the workspace volume and starts the worker container.
func (p *DockerProvider) Spawn(ctx context.Context, spawnCfg *interfaces.WorkerSpawnConfig) (interfaces.WorkerHandle, error) {
	image := spawnCfg.Image
	if image == "" {
		image = p.cfg.Image
	}
	labels := map[string]string{
		labelRequestID: spawnCfg.RequestID,
		labelManaged:   "true",
	}

	vol, err := p.api.VolumeCreate(ctx, volume.CreateOptions{Name: p.volumeName(spawnCfg.RequestID), Labels: labels})
	if err != nil {
		return interfaces.WorkerHandle{}, classifyError(fmt.Errorf("create volume: %w", err))
	}

	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: vol.Name,
			Target: p.cfg.WorkspacePath,
		}},
	}
	if p.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	name := containerName(spawnCfg.RequestID)
	created, err := p.api.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Env:    spawnCfg.EnvList(),
		Labels: labels,
	}, hostCfg, nil, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			// a container from an earlier attempt still holds the name
			if rmErr := p.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); rmErr != nil {
				logger.WarnCtx(ctx, "failed to remove stale container %s: %v", name, rmErr)
			}
			return interfaces.WorkerHandle{}, orcherr.NewCapacityError(backendName, fmt.Errorf("container name %s in use: %w", name, err))
		}
		return interfaces.WorkerHandle{}, classifyError(fmt.Errorf("create container: %w", err))
	}

	id := created.ID
	handle := p.tracker.Add(id)
	p.tracker.Starting(id)

	// wait must be registered before start, auto-remove can race it otherwise
	waitCtx, cancelWait := context.WithCancel(context.Background())
	waitCh, errCh := p.api.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := p.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		cancelWait()
		p.tracker.Failed(id, err.Error())
		if rmErr := p.api.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); rmErr != nil && !cerrdefs.IsNotFound(rmErr) {
			logger.WarnCtx(ctx, "failed to remove container %s after start failure: %v", id, rmErr)
		}
		return interfaces.WorkerHandle{}, classifyError(fmt.Errorf("start container: %w", err))
	}
	p.tracker.Running(id)

	st := &containerState{
		requestID:  spawnCfg.RequestID,
		cancelWait: cancelWait,
		done:       make(chan struct{}),
	}
	st.idle = time.AfterFunc(config.Seconds(p.cfg.IdleTimeout), func() { p.killIdle(id) })

	p.mu.Lock()
	p.containers[id] = st
	p.mu.Unlock()

	logCtx := logger.WithRequestID(context.Background(), spawnCfg.RequestID)
	logger.InfoCtx(logCtx, "worker container started, id: %s, name: %s, image: %s", shortID(id), name, image)

	go p.watch(logCtx, id, st, waitCh, errCh)
	return handle, nil
}

func (p *DockerProvider) watch(ctx context.Context, id string, st *containerState, waitCh <-chan container.WaitResponse, errCh <-chan error) {
	defer close(st.done)
	defer st.cancelWait()
	defer st.idle.Stop()

	var (
		code   int
		reason string
		lost   bool
	)
	select {
	case res := <-waitCh:
		code = int(res.StatusCode)
		if res.Error != nil {
			reason = res.Error.Message
		}
	case err := <-errCh:
		lost = true
		reason = err.Error()
	}

	p.mu.Lock()
	terminating := st.terminating
	delete(p.containers, id)
	p.mu.Unlock()

	switch {
	case terminating:
		p.tracker.Stopped(id, "terminated")
	case lost:
		p.tracker.Failed(id, reason)
	default:
		p.tracker.Exited(id, code, reason)
	}
	logger.InfoCtx(ctx, "worker container finished, id: %s, code: %d, terminated: %v", shortID(id), code, terminating)
}

// killIdle force-kills a container that outlived the idle timeout.
func (p *DockerProvider) killIdle(id string) {
	p.mu.Lock()
	st, ok := p.containers[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	ctx := logger.WithRequestID(context.Background(), st.requestID)
	logger.WarnCtx(ctx, "worker container %s exceeded idle timeout %ds, killing", shortID(id), p.cfg.IdleTimeout)
	if err := p.api.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) {
		logger.ErrorCtx(ctx, "failed to kill idle container %s: %v", shortID(id), err)
	}
}

// Terminate stops the container; auto-remove deletes it afterwards.
func (p *DockerProvider) Terminate(ctx context.Context, handle interfaces.WorkerHandle) error {
	p.mu.Lock()
	st, tracked := p.containers[handle.ID]
	if tracked {
		st.terminating = true
	}
	p.mu.Unlock()

	timeout := p.cfg.StopTimeout
	err := p.api.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to stop container %s: %w", shortID(handle.ID), err)
		}
		if !tracked && !p.tracker.Has(handle.ID) {
			return orcherr.ErrNotFound
		}
	}

	if !tracked {
		p.tracker.Stopped(handle.ID, "terminated")
		return nil
	}

	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the tracked status, falling back to the engine for containers
// started by an earlier orchestrator process.
func (p *DockerProvider) Status(ctx context.Context, handle interfaces.WorkerHandle) (*interfaces.WorkerStatus, error) {
	st, err := p.tracker.Status(handle.ID)
	if err == nil {
		return st, nil
	}

	info, err := p.api.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, orcherr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", shortID(handle.ID), err)
	}
	return statusFromInspect(handle, info), nil
}

func statusFromInspect(handle interfaces.WorkerHandle, info container.InspectResponse) *interfaces.WorkerStatus {
	ws := &interfaces.WorkerStatus{Handle: handle, State: interfaces.WorkerPending}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ws
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		ws.CreatedAt = created
	}

	state := info.State
	switch {
	case state.Running || state.Paused || state.Restarting:
		ws.State = interfaces.WorkerRunning
	case strings.EqualFold(string(state.Status), "created"):
		ws.State = interfaces.WorkerStarting
	default:
		code := state.ExitCode
		ws.ExitCode = &code
		ws.Reason = state.Error
		ws.State = interfaces.WorkerStopped
		if code != 0 || state.OOMKilled {
			ws.State = interfaces.WorkerFailed
		}
	}
	return ws
}

// Events streams container lifecycle transitions.
func (p *DockerProvider) Events(ctx context.Context, handle interfaces.WorkerHandle) (<-chan interfaces.LifecycleEvent, error) {
	return p.tracker.Subscribe(ctx, handle.ID)
}

// classifyError separates retryable engine capacity failures from bad configuration.
func classifyError(err error) error {
	if cerrdefs.IsNotFound(err) || cerrdefs.IsInvalidArgument(err) || cerrdefs.IsPermissionDenied(err) {
		return orcherr.NewSpawnConfigError(backendName, err)
	}
	// engine unreachable, resource exhaustion and the rest are retried
	return orcherr.NewCapacityError(backendName, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
