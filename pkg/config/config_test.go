package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/orcherr"
)

const sampleYAML = `
server:
  port: 9090
  callback_url: ws://orchestrator:9090
orchestrator:
  backend: docker
docker:
  image: appforge/worker:latest
cluster:
  ecs:
    region: us-east-1
    cluster: gen
session:
  spawn_timeout: 45
credential_pool:
  exhaustion_policy: WAIT
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "docker", cfg.Orchestrator.Backend)
	assert.Equal(t, 45, cfg.Session.SpawnTimeout)
	assert.Equal(t, 5, cfg.Session.TerminateTimeout)
	assert.Equal(t, "wait", cfg.CredentialPool.ExhaustionPolicy)
	assert.Equal(t, "ecs", cfg.Cluster.Scheduler)
	assert.Equal(t, "/workspace", cfg.Docker.WorkspacePath)
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	env := map[string]string{
		"APPFORGE_IN_WORKER":     "true",
		"APPFORGE_FORCE_CLUSTER": "1",
		"APPFORGE_FORCE_PROCESS": "not-a-bool",
		"APPFORGE_ORCHESTRATOR":  " Cluster ",
		"WORKER_EXECUTABLE":      "/usr/local/bin/worker",
	}
	applyEnv(cfg, func(k string) string { return env[k] })

	assert.True(t, cfg.Orchestrator.InsideWorker)
	assert.True(t, cfg.Orchestrator.ForceCluster)
	assert.False(t, cfg.Orchestrator.ForceProcess, "unparsable value leaves the file setting")
	assert.Equal(t, "cluster", cfg.Orchestrator.Backend)
	assert.Equal(t, "/usr/local/bin/worker", cfg.Process.Executable)
	assert.Equal(t, "appforge/worker:latest", cfg.Docker.Image)
}

func TestValidateBackend(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		backend     string
		wantMissing []string
		wantErr     bool
	}{
		{
			name:    "docker ok",
			backend: BackendDocker,
		},
		{
			name:        "process without executable",
			backend:     BackendProcess,
			wantMissing: []string{"process.executable (WORKER_EXECUTABLE)"},
			wantErr:     true,
		},
		{
			name:    "ecs lists every missing key",
			backend: BackendCluster,
			wantMissing: []string{
				"cluster.ecs.task_definition",
				"cluster.ecs.subnets",
				"cluster.ecs.security_group",
			},
			wantErr: true,
		},
		{
			name:    "kubernetes falls back to docker image",
			backend: BackendCluster,
			mutate:  func(c *Config) { c.Cluster.Scheduler = SchedulerKubernetes },
		},
		{
			name:    "malformed docker image",
			backend: BackendDocker,
			mutate:  func(c *Config) { c.Docker.Image = "Registry/UPPER:tag" },
			wantErr: true,
		},
		{
			name:    "malformed kubernetes image",
			backend: BackendCluster,
			mutate: func(c *Config) {
				c.Cluster.Scheduler = SchedulerKubernetes
				c.Cluster.Kubernetes.Image = "worker:tag with space"
			},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			backend: "lambda",
			wantErr: true,
		},
		{
			name:        "missing callback url",
			backend:     BackendDocker,
			mutate:      func(c *Config) { c.Server.CallbackURL = "" },
			wantMissing: []string{"server.callback_url"},
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleYAML))
			require.NoError(t, err)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err = cfg.ValidateBackend(tt.backend)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cfgErr *orcherr.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantMissing, cfgErr.Missing)
		})
	}
}

func TestExampleConfig(t *testing.T) {
	data, err := os.ReadFile("../../config/config.example.yaml")
	require.NoError(t, err)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "reject", cfg.CredentialPool.ExhaustionPolicy)
	assert.Equal(t, 30, cfg.Session.EventRetentionDays)
	for _, backend := range []string{BackendProcess, BackendDocker, BackendCluster} {
		assert.NoError(t, cfg.ValidateBackend(backend), backend)
	}
	cfg.Cluster.Scheduler = SchedulerKubernetes
	assert.NoError(t, cfg.ValidateBackend(BackendCluster))
}
