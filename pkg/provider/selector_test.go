package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"appforge/pkg/config"
	"appforge/pkg/interfaces"
	"appforge/pkg/orcherr"
)

func TestMain(m *testing.M) {
	// klog starts its flush daemon when client-go is linked in
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

func TestSelectBackend(t *testing.T) {
	tests := []struct {
		name    string
		flags   Flags
		want    string
		wantErr bool
	}{
		{name: "no flags defaults to docker", flags: Flags{}, want: "docker"},
		{name: "inside worker", flags: Flags{InsideWorker: true}, want: "process"},
		{name: "force process", flags: Flags{ForceProcess: true}, want: "process"},
		{name: "force cluster", flags: Flags{ForceCluster: true}, want: "cluster"},
		{name: "process beats cluster", flags: Flags{ForceProcess: true, ForceCluster: true}, want: "process"},
		{name: "inside worker beats cluster", flags: Flags{InsideWorker: true, ForceCluster: true}, want: "process"},
		{name: "explicit backend", flags: Flags{Backend: "cluster"}, want: "cluster"},
		{name: "explicit agrees with force", flags: Flags{ForceCluster: true, Backend: "cluster"}, want: "cluster"},
		{name: "explicit contradicts force", flags: Flags{ForceProcess: true, Backend: "docker"}, wantErr: true},
		{name: "unknown backend", flags: Flags{Backend: "lambda"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectBackend(tt.flags)
			if tt.wantErr {
				var cfgErr *orcherr.ConfigurationError
				assert.True(t, errors.As(err, &cfgErr), "want ConfigurationError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type stubLifecycle struct{ name string }

func (s *stubLifecycle) Name() string { return s.name }
func (s *stubLifecycle) Spawn(context.Context, *interfaces.WorkerSpawnConfig) (interfaces.WorkerHandle, error) {
	return interfaces.WorkerHandle{}, nil
}
func (s *stubLifecycle) Terminate(context.Context, interfaces.WorkerHandle) error { return nil }
func (s *stubLifecycle) Status(context.Context, interfaces.WorkerHandle) (*interfaces.WorkerStatus, error) {
	return nil, nil
}
func (s *stubLifecycle) Events(context.Context, interfaces.WorkerHandle) (<-chan interfaces.LifecycleEvent, error) {
	return nil, nil
}

func TestSelectorMemoizes(t *testing.T) {
	var builds int32
	cfg := &config.Config{
		Server:       config.ServerConfig{CallbackURL: "ws://localhost:8080"},
		Orchestrator: config.OrchestratorConfig{ForceProcess: true},
		Process:      config.ProcessConfig{Executable: "/bin/worker"},
	}
	s := NewSelector(cfg)
	s.factories = map[string]LifecycleFactory{
		"process": func(context.Context, *config.Config) (interfaces.WorkerLifecycle, error) {
			atomic.AddInt32(&builds, 1)
			return &stubLifecycle{name: "process"}, nil
		},
	}

	var wg sync.WaitGroup
	results := make([]interfaces.WorkerLifecycle, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := s.Backend(context.Background())
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, "process", s.Name())

	// later flag changes have no effect
	cfg.Orchestrator.ForceProcess = false
	b, err := s.Backend(context.Background())
	require.NoError(t, err)
	assert.Same(t, results[0], b)
}

func TestSelectorMissingSettings(t *testing.T) {
	cfg := &config.Config{Orchestrator: config.OrchestratorConfig{ForceCluster: true}, Cluster: config.ClusterConfig{Scheduler: "ecs"}}
	s := NewSelector(cfg)

	_, err := s.Backend(context.Background())
	var cfgErr *orcherr.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Missing, "cluster.ecs.region")
	assert.Contains(t, cfgErr.Missing, "server.callback_url")

	// the error is memoized too
	_, err2 := s.Backend(context.Background())
	assert.Equal(t, err, err2)
}
