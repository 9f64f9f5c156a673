package docker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/config"
	"appforge/pkg/interfaces"
	"appforge/pkg/orcherr"
)

// mockEngine is a mock Docker Engine for testing
type mockEngine struct {
	mu sync.Mutex

	createErr error
	startErr  error

	created  []*container.Config
	hostCfgs []*container.HostConfig
	names    []string
	stopped  []string
	killed   []string
	removed  []string
	waits    map[string]chan container.WaitResponse
	inspects map[string]container.InspectResponse
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		waits:    make(map[string]chan container.WaitResponse),
		inspects: make(map[string]container.InspectResponse),
	}
}

func (m *mockEngine) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	return volume.Volume{Name: options.Name}, nil
}

func (m *mockEngine) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.created = append(m.created, cfg)
	m.hostCfgs = append(m.hostCfgs, hostCfg)
	m.names = append(m.names, name)
	id := "c0ffee" + name
	m.waits[id] = make(chan container.WaitResponse, 1)
	return container.CreateResponse{ID: id}, nil
}

func (m *mockEngine) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	return m.startErr
}

func (m *mockEngine) exit(id string, code int64) {
	m.mu.Lock()
	ch := m.waits[id]
	m.mu.Unlock()
	ch <- container.WaitResponse{StatusCode: code}
}

func (m *mockEngine) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	m.mu.Lock()
	ch, ok := m.waits[id]
	m.stopped = append(m.stopped, id)
	m.mu.Unlock()
	if !ok {
		return cerrdefs.ErrNotFound
	}
	select {
	case ch <- container.WaitResponse{StatusCode: 143}:
	default:
	}
	return nil
}

func (m *mockEngine) ContainerKill(ctx context.Context, id, signal string) error {
	m.mu.Lock()
	m.killed = append(m.killed, id)
	ch := m.waits[id]
	m.mu.Unlock()
	select {
	case ch <- container.WaitResponse{StatusCode: 137}:
	default:
	}
	return nil
}

func (m *mockEngine) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockEngine) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits[id], make(chan error)
}

func (m *mockEngine) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.inspects[id]
	if !ok {
		return container.InspectResponse{}, cerrdefs.ErrNotFound
	}
	return info, nil
}

func testConfig() config.DockerConfig {
	return config.DockerConfig{
		Image:         "appforge/worker:1",
		VolumePrefix:  "ws",
		WorkspacePath: "/workspace",
		IdleTimeout:   3600,
		StopTimeout:   1,
	}
}

func lastEvent(t *testing.T, ch <-chan interfaces.LifecycleEvent) interfaces.LifecycleEvent {
	t.Helper()
	var last interfaces.LifecycleEvent
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return last
			}
			last = ev
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func TestSpawnInjectsConfiguration(t *testing.T) {
	engine := newMockEngine()
	p := newDockerProvider(testConfig(), engine)

	h, err := p.Spawn(context.Background(), &interfaces.WorkerSpawnConfig{
		RequestID: "42",
		Env:       map[string]string{"APPFORGE_REQUEST_ID": "42", "BACKING_ACCESS_KEY": "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "docker", h.Backend)

	require.Len(t, engine.created, 1)
	assert.Equal(t, "appforge/worker:1", engine.created[0].Image)
	assert.Equal(t, []string{"APPFORGE_REQUEST_ID=42", "BACKING_ACCESS_KEY=k"}, engine.created[0].Env)
	assert.Equal(t, "42", engine.created[0].Labels[labelRequestID])
	assert.Equal(t, "appforge-worker-42", engine.names[0])

	hc := engine.hostCfgs[0]
	assert.True(t, hc.AutoRemove)
	require.Len(t, hc.Mounts, 1)
	assert.Equal(t, "ws-42", hc.Mounts[0].Source)
	assert.Equal(t, "/workspace", hc.Mounts[0].Target)

	st, err := p.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, interfaces.WorkerRunning, st.State)

	ch, err := p.Events(context.Background(), h)
	require.NoError(t, err)
	engine.exit(h.ID, 0)
	assert.Equal(t, interfaces.EventExited, lastEvent(t, ch).Type)
}

func TestSpawnErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		startErr  error
		wantKind  orcherr.SpawnErrorKind
	}{
		{name: "image missing", createErr: cerrdefs.ErrNotFound, wantKind: orcherr.SpawnConfiguration},
		{name: "invalid config", createErr: cerrdefs.ErrInvalidArgument, wantKind: orcherr.SpawnConfiguration},
		{name: "name conflict", createErr: cerrdefs.ErrConflict, wantKind: orcherr.SpawnCapacity},
		{name: "engine unavailable", createErr: cerrdefs.ErrUnavailable, wantKind: orcherr.SpawnCapacity},
		{name: "start failure", startErr: errors.New("no space left on device"), wantKind: orcherr.SpawnCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.createErr = tt.createErr
			engine.startErr = tt.startErr
			p := newDockerProvider(testConfig(), engine)

			_, err := p.Spawn(context.Background(), &interfaces.WorkerSpawnConfig{RequestID: "7"})
			var spawnErr *orcherr.SpawnError
			require.True(t, errors.As(err, &spawnErr))
			assert.Equal(t, tt.wantKind, spawnErr.Kind)
		})
	}
}

func TestTerminate(t *testing.T) {
	engine := newMockEngine()
	p := newDockerProvider(testConfig(), engine)

	h, err := p.Spawn(context.Background(), &interfaces.WorkerSpawnConfig{RequestID: "9"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Terminate(ctx, h))

	st, err := p.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, interfaces.WorkerStopped, st.State)

	// second call: engine reports not found, tracker still knows the handle
	delete(engine.waits, h.ID)
	require.NoError(t, p.Terminate(ctx, h))

	err = p.Terminate(ctx, interfaces.WorkerHandle{Backend: "docker", ID: "unknown"})
	assert.ErrorIs(t, err, orcherr.ErrNotFound)
}

func TestIdleTimeoutKills(t *testing.T) {
	engine := newMockEngine()
	p := newDockerProvider(testConfig(), engine)

	h, err := p.Spawn(context.Background(), &interfaces.WorkerSpawnConfig{RequestID: "idle"})
	require.NoError(t, err)

	ch, err := p.Events(context.Background(), h)
	require.NoError(t, err)

	p.killIdle(h.ID)
	ev := lastEvent(t, ch)
	assert.Equal(t, interfaces.EventCrashed, ev.Type)
	assert.Equal(t, 137, ev.ExitCode)
	assert.Equal(t, []string{h.ID}, engine.killed)
}

func TestStatusFromInspect(t *testing.T) {
	engine := newMockEngine()
	p := newDockerProvider(testConfig(), engine)

	engine.inspects["orphan"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Running: false, ExitCode: 1},
		},
	}

	st, err := p.Status(context.Background(), interfaces.WorkerHandle{Backend: "docker", ID: "orphan"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.WorkerFailed, st.State)

	_, err = p.Status(context.Background(), interfaces.WorkerHandle{Backend: "docker", ID: "gone"})
	assert.ErrorIs(t, err, orcherr.ErrNotFound)
}
