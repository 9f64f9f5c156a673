// Package ecs runs workers as ECS/Fargate tasks on a managed cluster.
package ecs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"appforge/pkg/config"
	"appforge/pkg/deploy/workerstate"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

const (
	backendName = "cluster"

	statusRunning = "RUNNING"
	statusStopped = "STOPPED"
)

// taskAPI is the subset of the ECS client used by the provider.
type taskAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

type taskState struct {
	requestID   string
	terminating bool
}

// ECSProvider implements interfaces.WorkerLifecycle with ECS RunTask.
type ECSProvider struct {
	cfg          config.ECSConfig
	api          taskAPI
	tracker      *workerstate.Tracker
	pollInterval time.Duration
	startTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*taskState
}

var _ interfaces.WorkerLifecycle = (*ECSProvider)(nil)

// NewECSProvider creates the Remote-Cluster-Task backend on ECS.
func NewECSProvider(ctx context.Context, cfg *config.Config) (*ECSProvider, error) {
	client, err := createECSClient(ctx, cfg.Cluster.ECS)
	if err != nil {
		return nil, err
	}
	return newECSProvider(cfg.Cluster.ECS, client,
		config.Seconds(cfg.Cluster.PollInterval),
		config.Seconds(cfg.Session.SpawnTimeout)), nil
}

// createECSClient creates an AWS ECS client
func createECSClient(ctx context.Context, ecsCfg config.ECSConfig) (*ecs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if ecsCfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(ecsCfg.Region))
	}
	// Static credentials when configured, otherwise the default chain (env, profile, task role)
	if ecsCfg.AccessKeyID != "" && ecsCfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ecsCfg.AccessKeyID, ecsCfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ecs.NewFromConfig(awsCfg), nil
}

func newECSProvider(cfg config.ECSConfig, api taskAPI, pollInterval, startTimeout time.Duration) *ECSProvider {
	return &ECSProvider{
		cfg:          cfg,
		api:          api,
		tracker:      workerstate.New(backendName),
		pollInterval: pollInterval,
		startTimeout: startTimeout,
		tasks:        make(map[string]*taskState),
	}
}

// Name returns the backend name.
func (p *ECSProvider) Name() string { return backendName }

// Spawn submits a Fargate task with the worker environment as container overrides.
func (p *ECSProvider) Spawn(ctx context.Context, spawnCfg *interfaces.WorkerSpawnConfig) (interfaces.WorkerHandle, error) {
	env := make([]types.KeyValuePair, 0, len(spawnCfg.Env))
	for _, kv := range spawnCfg.EnvList() {
		name, value, _ := strings.Cut(kv, "=")
		env = append(env, types.KeyValuePair{Name: aws.String(name), Value: aws.String(value)})
	}

	assignPublicIP := types.AssignPublicIpDisabled
	if p.cfg.AssignPublicIP {
		assignPublicIP = types.AssignPublicIpEnabled
	}

	out, err := p.api.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(p.cfg.Cluster),
		TaskDefinition: aws.String(p.cfg.TaskDefinition),
		LaunchType:     types.LaunchTypeFargate,
		Count:          aws.Int32(1),
		StartedBy:      aws.String(startedBy(spawnCfg.RequestID)),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        p.cfg.Subnets,
				SecurityGroups: []string{p.cfg.SecurityGroup},
				AssignPublicIp: assignPublicIP,
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{{
				Name:        aws.String(p.cfg.ContainerName),
				Environment: env,
			}},
		},
		Tags: []types.Tag{{Key: aws.String("appforge.request_id"), Value: aws.String(spawnCfg.RequestID)}},
	})
	if err != nil {
		return interfaces.WorkerHandle{}, classifyAPIError(err)
	}
	if len(out.Tasks) == 0 {
		if len(out.Failures) > 0 {
			return interfaces.WorkerHandle{}, classifyFailure(out.Failures[0])
		}
		return interfaces.WorkerHandle{}, orcherr.NewCapacityError(backendName, errors.New("RunTask returned no task"))
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	handle := p.tracker.Add(arn)
	p.tracker.Starting(arn)

	p.mu.Lock()
	p.tasks[arn] = &taskState{requestID: spawnCfg.RequestID}
	p.mu.Unlock()

	logCtx := logger.WithRequestID(context.Background(), spawnCfg.RequestID)
	logger.InfoCtx(logCtx, "worker task submitted, arn: %s, cluster: %s", arn, p.cfg.Cluster)

	go p.poll(logCtx, arn)
	return handle, nil
}

// ECS caps startedBy at 36 characters.
func startedBy(requestID string) string {
	s := "appforge-" + requestID
	if len(s) > 36 {
		s = s[:36]
	}
	return s
}

// poll follows the task until it stops. A task that does not reach RUNNING
// within the start timeout is stopped and marked failed.
func (p *ECSProvider) poll(ctx context.Context, arn string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(p.startTimeout)

	for range ticker.C {
		task, missing, err := p.describe(ctx, arn)
		if err != nil {
			logger.WarnCtx(ctx, "failed to describe task %s: %v", arn, err)
			continue
		}
		if missing {
			p.finish(arn, nil, "task missing from cluster")
			return
		}

		switch aws.ToString(task.LastStatus) {
		case statusRunning:
			p.tracker.Running(arn)
		case statusStopped:
			code, reason := exitOf(task, p.cfg.ContainerName)
			p.finish(arn, code, reason)
			logger.InfoCtx(ctx, "worker task stopped, arn: %s, reason: %s", arn, reason)
			return
		default:
			st, _ := p.tracker.Status(arn)
			if st != nil && st.State == interfaces.WorkerStarting && time.Now().After(deadline) {
				logger.WarnCtx(ctx, "worker task %s not running after %s, stopping", arn, p.startTimeout)
				p.markTerminating(arn)
				if _, err := p.api.StopTask(ctx, &ecs.StopTaskInput{
					Cluster: aws.String(p.cfg.Cluster),
					Task:    aws.String(arn),
					Reason:  aws.String("start timeout"),
				}); err != nil {
					logger.ErrorCtx(ctx, "failed to stop stuck task %s: %v", arn, err)
				}
				p.tracker.Failed(arn, fmt.Sprintf("task did not reach RUNNING within %s", p.startTimeout))
				p.forgetTask(arn)
				return
			}
		}
	}
}

func (p *ECSProvider) describe(ctx context.Context, arn string) (*types.Task, bool, error) {
	out, err := p.api.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(p.cfg.Cluster),
		Tasks:   []string{arn},
	})
	if err != nil {
		return nil, false, err
	}
	if len(out.Tasks) == 0 {
		return nil, true, nil
	}
	return &out.Tasks[0], false, nil
}

func exitOf(task *types.Task, containerName string) (*int, string) {
	reason := aws.ToString(task.StoppedReason)
	for _, c := range task.Containers {
		if containerName != "" && aws.ToString(c.Name) != containerName {
			continue
		}
		if c.Reason != nil && reason == "" {
			reason = aws.ToString(c.Reason)
		}
		if c.ExitCode != nil {
			code := int(*c.ExitCode)
			return &code, reason
		}
	}
	return nil, reason
}

func (p *ECSProvider) finish(arn string, code *int, reason string) {
	p.mu.Lock()
	st := p.tasks[arn]
	delete(p.tasks, arn)
	p.mu.Unlock()

	switch {
	case st != nil && st.terminating:
		p.tracker.Stopped(arn, "terminated")
	case code != nil:
		p.tracker.Exited(arn, *code, reason)
	default:
		p.tracker.Failed(arn, reason)
	}
}

func (p *ECSProvider) markTerminating(arn string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tasks[arn]
	if ok {
		st.terminating = true
	}
	return ok
}

func (p *ECSProvider) forgetTask(arn string) {
	p.mu.Lock()
	delete(p.tasks, arn)
	p.mu.Unlock()
}

// Terminate stops the task. The poller records the final state.
func (p *ECSProvider) Terminate(ctx context.Context, handle interfaces.WorkerHandle) error {
	tracked := p.markTerminating(handle.ID)

	_, err := p.api.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(p.cfg.Cluster),
		Task:    aws.String(handle.ID),
		Reason:  aws.String("terminated by orchestrator"),
	})
	if err != nil {
		if isTaskNotFound(err) {
			if tracked || p.tracker.Has(handle.ID) {
				return nil
			}
			return orcherr.ErrNotFound
		}
		return fmt.Errorf("failed to stop task %s: %w", handle.ID, err)
	}
	return nil
}

// Status returns the tracked status, or asks ECS for tasks this process did not start.
func (p *ECSProvider) Status(ctx context.Context, handle interfaces.WorkerHandle) (*interfaces.WorkerStatus, error) {
	if st, err := p.tracker.Status(handle.ID); err == nil {
		return st, nil
	}

	task, missing, err := p.describe(ctx, handle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to describe task %s: %w", handle.ID, err)
	}
	if missing {
		return nil, orcherr.ErrNotFound
	}

	ws := &interfaces.WorkerStatus{Handle: handle, State: interfaces.WorkerStarting}
	if task.CreatedAt != nil {
		ws.CreatedAt = *task.CreatedAt
	}
	switch aws.ToString(task.LastStatus) {
	case statusRunning:
		ws.State = interfaces.WorkerRunning
	case statusStopped:
		code, reason := exitOf(task, p.cfg.ContainerName)
		ws.ExitCode = code
		ws.Reason = reason
		ws.State = interfaces.WorkerFailed
		if code != nil && *code == 0 {
			ws.State = interfaces.WorkerStopped
		}
	}
	return ws, nil
}

// Events streams task lifecycle transitions.
func (p *ECSProvider) Events(ctx context.Context, handle interfaces.WorkerHandle) (<-chan interfaces.LifecycleEvent, error) {
	return p.tracker.Subscribe(ctx, handle.ID)
}

// classifyAPIError maps ECS API error codes onto spawn error kinds.
func classifyAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ClientException", "InvalidParameterException", "AccessDeniedException",
			"ClusterNotFoundException", "PlatformUnknownException", "UnsupportedFeatureException":
			return orcherr.NewSpawnConfigError(backendName, err)
		}
	}
	// throttling, server errors and transport failures are retried
	return orcherr.NewCapacityError(backendName, err)
}

// classifyFailure maps a RunTask placement failure onto a spawn error kind.
func classifyFailure(f types.Failure) error {
	reason := aws.ToString(f.Reason)
	err := fmt.Errorf("RunTask failure: %s %s", reason, aws.ToString(f.Detail))
	upper := strings.ToUpper(reason)
	if strings.HasPrefix(upper, "RESOURCE") || strings.HasPrefix(upper, "AGENT") || strings.Contains(upper, "CAPACITY") {
		return orcherr.NewCapacityError(backendName, err)
	}
	return orcherr.NewSpawnConfigError(backendName, err)
}

func isTaskNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidParameterException" &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found")
}
