// Package process runs workers as plain child processes of the orchestrator.
// It is used when the orchestrator is already sandboxed or container
// isolation is unavailable.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"appforge/pkg/config"
	"appforge/pkg/deploy/workerstate"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

const backendName = "process"

type proc struct {
	cmd         *exec.Cmd
	done        chan struct{}
	terminating bool
}

// ProcessProvider implements interfaces.WorkerLifecycle with os/exec.
type ProcessProvider struct {
	cfg       config.ProcessConfig
	stopGrace time.Duration
	tracker   *workerstate.Tracker

	mu    sync.Mutex
	procs map[string]*proc
}

var _ interfaces.WorkerLifecycle = (*ProcessProvider)(nil)

// NewProcessProvider creates the Local-Process backend.
func NewProcessProvider(cfg *config.Config) (*ProcessProvider, error) {
	if cfg.Process.Executable == "" {
		return nil, &orcherr.ConfigurationError{Reason: "process backend requires an executable", Missing: []string{"process.executable"}}
	}
	return &ProcessProvider{
		cfg:       cfg.Process,
		stopGrace: config.Seconds(cfg.Process.StopGrace),
		tracker:   workerstate.New(backendName),
		procs:     make(map[string]*proc),
	}, nil
}

// Name returns the backend name.
func (p *ProcessProvider) Name() string { return backendName }

// Spawn starts the worker executable with the injected environment.
func (p *ProcessProvider) Spawn(ctx context.Context, spawnCfg *interfaces.WorkerSpawnConfig) (interfaces.WorkerHandle, error) {
	executable := spawnCfg.Executable
	if executable == "" {
		executable = p.cfg.Executable
	}

	cmd := exec.Command(executable, p.cfg.Args...)
	cmd.Env = append(os.Environ(), spawnCfg.EnvList()...)
	cmd.Dir = p.cfg.WorkDir
	// bounds Wait when a grandchild keeps the output pipes open
	cmd.WaitDelay = p.stopGrace

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return interfaces.WorkerHandle{}, classifyStartError(err)
	}

	id := strconv.Itoa(cmd.Process.Pid)
	handle := p.tracker.Add(id)
	p.tracker.Running(id)

	pr := &proc{cmd: cmd, done: make(chan struct{})}
	p.mu.Lock()
	p.procs[id] = pr
	p.mu.Unlock()

	logCtx := logger.WithRequestID(context.Background(), spawnCfg.RequestID)
	logger.InfoCtx(ctx, "worker process started, pid: %s, executable: %s", id, executable)

	go p.pipe(logCtx, "stdout", stdoutR)
	go p.pipe(logCtx, "stderr", stderrR)
	go p.wait(logCtx, id, pr, stdoutW, stderrW)

	return handle, nil
}

// pipe forwards worker output lines into the orchestrator log.
func (p *ProcessProvider) pipe(ctx context.Context, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.DebugCtx(ctx, "worker %s: %s", stream, scanner.Text())
	}
	// keep draining so the writer side never blocks
	_, _ = io.Copy(io.Discard, r)
}

func (p *ProcessProvider) wait(ctx context.Context, id string, pr *proc, outputs ...io.Closer) {
	err := pr.cmd.Wait()
	for _, c := range outputs {
		_ = c.Close()
	}

	p.mu.Lock()
	terminating := pr.terminating
	delete(p.procs, id)
	p.mu.Unlock()

	code := 0
	if pr.cmd.ProcessState != nil {
		code = pr.cmd.ProcessState.ExitCode()
	}

	switch {
	case terminating:
		p.tracker.Stopped(id, "terminated")
	case err != nil && code == -1:
		p.tracker.Failed(id, err.Error())
	default:
		p.tracker.Exited(id, code, "")
	}
	logger.InfoCtx(ctx, "worker process exited, pid: %s, code: %d, terminated: %v", id, code, terminating)
	close(pr.done)
}

// Terminate sends SIGTERM and kills the process after the stop grace period.
func (p *ProcessProvider) Terminate(ctx context.Context, handle interfaces.WorkerHandle) error {
	p.mu.Lock()
	pr, ok := p.procs[handle.ID]
	if ok {
		pr.terminating = true
	}
	p.mu.Unlock()

	if !ok {
		if p.tracker.Has(handle.ID) {
			return nil
		}
		return orcherr.ErrNotFound
	}

	if err := pr.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.WarnCtx(ctx, "failed to signal worker process %s: %v", handle.ID, err)
	}

	grace := time.NewTimer(p.stopGrace)
	defer grace.Stop()

	select {
	case <-pr.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if err := pr.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker process %s: %w", handle.ID, err)
	}

	select {
	case <-pr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the tracked process status.
func (p *ProcessProvider) Status(ctx context.Context, handle interfaces.WorkerHandle) (*interfaces.WorkerStatus, error) {
	return p.tracker.Status(handle.ID)
}

// Events streams process lifecycle transitions.
func (p *ProcessProvider) Events(ctx context.Context, handle interfaces.WorkerHandle) (<-chan interfaces.LifecycleEvent, error) {
	return p.tracker.Subscribe(ctx, handle.ID)
}

func classifyStartError(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return orcherr.NewSpawnConfigError(backendName, err)
	}
	return orcherr.NewCapacityError(backendName, err)
}
