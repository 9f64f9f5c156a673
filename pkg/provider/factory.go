package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"appforge/pkg/config"
	"appforge/pkg/deploy/docker"
	"appforge/pkg/deploy/ecs"
	"appforge/pkg/deploy/k8s"
	"appforge/pkg/deploy/process"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

// LifecycleFactory builds a worker backend from loaded configuration.
type LifecycleFactory func(ctx context.Context, cfg *config.Config) (interfaces.WorkerLifecycle, error)

var lifecycleFactories = map[string]LifecycleFactory{}

// RegisterWorkerLifecycle registers new worker backend factory
func RegisterWorkerLifecycle(name string, factory LifecycleFactory) {
	if name == "" || factory == nil {
		return
	}
	lifecycleFactories[strings.ToLower(name)] = factory
}

func init() {
	RegisterWorkerLifecycle(config.BackendProcess, func(_ context.Context, cfg *config.Config) (interfaces.WorkerLifecycle, error) {
		return process.NewProcessProvider(cfg)
	})
	RegisterWorkerLifecycle(config.BackendDocker, func(_ context.Context, cfg *config.Config) (interfaces.WorkerLifecycle, error) {
		return docker.NewDockerProvider(cfg)
	})
	RegisterWorkerLifecycle(config.BackendCluster, newClusterLifecycle)
}

// newClusterLifecycle picks the cluster scheduler implementation.
func newClusterLifecycle(ctx context.Context, cfg *config.Config) (interfaces.WorkerLifecycle, error) {
	switch cfg.Cluster.Scheduler {
	case config.SchedulerKubernetes:
		return k8s.NewPodProvider(cfg)
	case config.SchedulerECS, "":
		return ecs.NewECSProvider(ctx, cfg)
	default:
		return nil, orcherr.NewConfigurationError("unsupported cluster scheduler: %s", cfg.Cluster.Scheduler)
	}
}

// Selector builds the single worker backend of this process. The first call
// decides; later calls return the same instance or error.
type Selector struct {
	cfg       *config.Config
	factories map[string]LifecycleFactory

	once     sync.Once
	name     string
	instance interfaces.WorkerLifecycle
	err      error
}

// NewSelector creates a selector over fully loaded configuration.
func NewSelector(cfg *config.Config) *Selector {
	return &Selector{cfg: cfg, factories: lifecycleFactories}
}

// Backend returns the memoized worker backend.
func (s *Selector) Backend(ctx context.Context) (interfaces.WorkerLifecycle, error) {
	s.once.Do(func() {
		s.instance, s.err = s.build(ctx)
	})
	return s.instance, s.err
}

// Name returns the selected backend name once Backend has been called.
func (s *Selector) Name() string {
	return s.name
}

func (s *Selector) build(ctx context.Context) (interfaces.WorkerLifecycle, error) {
	name, err := SelectBackend(FlagsFromConfig(s.cfg))
	if err != nil {
		return nil, err
	}
	s.name = name

	if err := s.cfg.ValidateBackend(name); err != nil {
		return nil, err
	}

	factory, ok := s.factories[name]
	if !ok {
		return nil, orcherr.NewConfigurationError("no worker backend registered for %q", name)
	}

	backend, err := factory(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s worker backend: %w", name, err)
	}
	logger.InfoCtx(ctx, "worker backend selected: %s", name)
	return backend, nil
}
