package config

import (
	"github.com/distribution/reference"

	"appforge/pkg/orcherr"
)

// Backend names accepted by orchestrator.backend / APPFORGE_ORCHESTRATOR.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
	BackendCluster = "cluster"
)

// Cluster scheduler names.
const (
	SchedulerECS        = "ecs"
	SchedulerKubernetes = "kubernetes"
)

// ValidateBackend checks that every setting the selected backend needs is present.
// All missing keys are reported together.
func (c *Config) ValidateBackend(backend string) error {
	var missing []string
	switch backend {
	case BackendProcess:
		if c.Process.Executable == "" {
			missing = append(missing, "process.executable (WORKER_EXECUTABLE)")
		}
	case BackendDocker:
		if c.Docker.Image == "" {
			missing = append(missing, "docker.image (WORKER_IMAGE)")
		} else if err := validImage(c.Docker.Image); err != nil {
			return err
		}
	case BackendCluster:
		switch c.Cluster.Scheduler {
		case SchedulerECS:
			ecs := c.Cluster.ECS
			if ecs.Region == "" {
				missing = append(missing, "cluster.ecs.region")
			}
			if ecs.Cluster == "" {
				missing = append(missing, "cluster.ecs.cluster")
			}
			if ecs.TaskDefinition == "" {
				missing = append(missing, "cluster.ecs.task_definition")
			}
			if len(ecs.Subnets) == 0 {
				missing = append(missing, "cluster.ecs.subnets")
			}
			if ecs.SecurityGroup == "" {
				missing = append(missing, "cluster.ecs.security_group")
			}
		case SchedulerKubernetes:
			image := c.Cluster.Kubernetes.Image
			if image == "" {
				image = c.Docker.Image
			}
			if image == "" && c.Cluster.Kubernetes.PodTemplate == "" {
				missing = append(missing, "cluster.kubernetes.image (or WORKER_IMAGE)")
			} else if image != "" {
				if err := validImage(image); err != nil {
					return err
				}
			}
		default:
			return orcherr.NewConfigurationError("unknown cluster scheduler %q", c.Cluster.Scheduler)
		}
	default:
		return orcherr.NewConfigurationError("unknown orchestrator backend %q", backend)
	}

	if c.Server.CallbackURL == "" {
		missing = append(missing, "server.callback_url")
	}

	if len(missing) > 0 {
		return &orcherr.ConfigurationError{
			Reason:  "missing required settings for " + backend + " backend",
			Missing: missing,
		}
	}
	return nil
}

// validImage rejects malformed image references before any worker is spawned
func validImage(ref string) error {
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return orcherr.NewConfigurationError("invalid worker image %q: %v", ref, err)
	}
	return nil
}
