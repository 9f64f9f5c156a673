package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"appforge/internal/jobs"
	"appforge/internal/service/credential"
	"appforge/internal/service/session"
	"appforge/pkg/config"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/metrics"
	"appforge/pkg/provider"
	"appforge/pkg/queue/asynq"
	"appforge/pkg/status"
	mysqlstore "appforge/pkg/store/mysql"
	redisstore "appforge/pkg/store/redis"
)

// Application manages the lifecycle of the entire application
type Application struct {
	opts Options

	// Infrastructure components
	config      *config.Config
	mysqlRepo   *mysqlstore.Repository
	redisClient *redisstore.RedisClient
	eventLog    *redisstore.EventLog
	metrics     *metrics.Recorder

	// Worker backend
	selector *provider.Selector
	backend  interfaces.WorkerLifecycle

	// Service layer
	sanitizer *status.StatusSanitizer
	pool      *credential.Pool
	queueMgr  *asynq.Manager
	sessions  *session.Manager

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication(opts Options) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Metrics", app.initMetrics},
		{"MySQL", app.initMySQL},
		{"Redis", app.initRedis},
		{"Worker Backend", app.initBackend},
		{"Side-effect Queue", app.initQueue},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	if err := app.queueMgr.Start(); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}

	app.sessions.Start()

	// 1. Start background tasks; the reconciler also recovers sessions left by a previous run
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager")
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 2. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully, backend: %s", app.selector.Name())
	return nil
}

// Shutdown gracefully shuts down the application. Sessions are halted, not
// finalized: their persisted state lets the next run recover them.
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Cancel all background tasks
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 2. Stop HTTP server (stop accepting new requests)
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 3. Halt sessions; this closes the hijacked websocket connections
	logger.InfoCtx(app.ctx, "Halting %d sessions...", app.sessions.Count())
	if err := app.sessions.Shutdown(shutdownCtx); err != nil {
		logger.WarnCtx(app.ctx, "Session shutdown incomplete: %v", err)
	}

	// 4. Wait for all background tasks to complete
	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 5. Drain in-flight side effects
	app.queueMgr.Stop()

	// 6. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	_ = logger.Sync()

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}

// registerCloser registers c for cleanup when it implements io.Closer
func (app *Application) registerCloser(name string, c interface{}) {
	closer, ok := c.(io.Closer)
	if !ok {
		return
	}
	app.registerCleanup(func() {
		if err := closer.Close(); err != nil {
			logger.WarnCtx(app.ctx, "Failed to close %s: %v", name, err)
			return
		}
		logger.InfoCtx(app.ctx, "%s has been closed", name)
	})
}
