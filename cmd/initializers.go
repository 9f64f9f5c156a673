package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"appforge/app/handler"
	"appforge/app/router"
	"appforge/internal/jobs"
	"appforge/internal/service/credential"
	"appforge/internal/service/session"
	"appforge/pkg/billing"
	"appforge/pkg/config"
	"appforge/pkg/logger"
	"appforge/pkg/metrics"
	"appforge/pkg/notification"
	"appforge/pkg/provider"
	"appforge/pkg/queue/asynq"
	"appforge/pkg/status"
	mysqlstore "appforge/pkg/store/mysql"
	redisstore "appforge/pkg/store/redis"
)

const retentionLockKey = "appforge:retention-lock"

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.InitFrom(app.opts.Config); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(app.config.Logger); err != nil {
		return err
	}
	app.registerCleanup(func() {
		_ = logger.Sync()
	})
	return nil
}

// initMetrics creates the root tally scope
func (app *Application) initMetrics() error {
	scope, closer := metrics.NewRootScope(app.config.Metrics)
	app.metrics = metrics.NewRecorder(scope)
	app.registerCloser("Metrics scope", closer)
	return nil
}

// initMySQL initializes MySQL and migrates the orchestrator tables
func (app *Application) initMySQL() error {
	c := app.config.MySQL
	repo, err := mysqlstore.NewRepository(mysqlstore.DSN(c.User, c.Password, c.Host, c.Port, c.Database))
	if err != nil {
		return err
	}
	app.mysqlRepo = repo
	app.registerCloser("MySQL connection", repo)

	ctx, cancel := context.WithTimeout(app.ctx, time.Minute)
	defer cancel()
	if err := repo.GetDatastore().Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// initRedis initializes Redis, which backs the durable session log, the
// reconciler lock and the side-effect queue
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.eventLog = redisstore.NewEventLog(client, config.Seconds(app.config.Redis.LogTTL))
	app.registerCloser("Redis connection", client)
	return nil
}

// initBackend selects and builds the worker backend of this process
func (app *Application) initBackend() error {
	app.selector = provider.NewSelector(app.config)
	backend, err := app.selector.Backend(app.ctx)
	if err != nil {
		return err
	}
	app.backend = backend
	app.registerCloser("Worker backend", backend)
	return nil
}

// initQueue creates the asynq manager with the mail and billing collaborators
func (app *Application) initQueue() error {
	mgr, err := asynq.NewManager(app.config)
	if err != nil {
		return err
	}
	mgr.RegisterHandlers(
		notification.NewMailerClient(app.config.Notification),
		billing.NewClient(app.config.Billing),
	)
	app.queueMgr = mgr
	app.registerCloser("Queue client", mgr)
	return nil
}

// initServices initializes the credential pool and the session manager
func (app *Application) initServices() error {
	app.sanitizer = status.NewStatusSanitizer()

	// A typed nil provisioner would defeat the pool's nil check
	var provisioner credential.Provisioner
	if p := credential.NewHTTPProvisioner(app.config.CredentialPool); p != nil {
		provisioner = p
	}
	app.pool = credential.NewPool(app.mysqlRepo.CredentialPool, app.config.CredentialPool, app.metrics, provisioner)

	app.sessions = session.NewManager(session.Options{
		Backend:              app.backend,
		Requests:             app.mysqlRepo.Request,
		Audit:                app.mysqlRepo.SessionEvent,
		Log:                  app.eventLog,
		Pool:                 app.pool,
		Dispatcher:           app.queueMgr,
		Sanitizer:            app.sanitizer,
		Metrics:              app.metrics,
		Timings:              session.TimingsFromConfig(app.config.Session),
		CallbackURL:          app.config.Server.CallbackURL,
		WorkerSecret:         app.config.Server.WorkerSecret,
		CreditsPerRun:        app.config.Billing.CreditsPerRun,
		DefaultMaxIterations: app.config.Session.DefaultMaxIterations,
	})
	return nil
}

// initJobs registers the reconciler and the audit retention job
func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)

	interval := config.Seconds(app.config.Session.ReconcileInterval)
	redisClient := app.redisClient.GetClient()

	app.jobsManager.Register(jobs.NewReconciler(
		interval,
		2*interval,
		app.mysqlRepo.Request,
		app.mysqlRepo.CredentialPool,
		app.pool,
		app.sessions,
		redisstore.NewRedisDistributedLock(redisClient, redisstore.ReconcilerLockKey),
	))
	app.jobsManager.Register(jobs.NewEventRetention(
		app.config.Session.EventRetentionDays,
		app.mysqlRepo.SessionEvent,
		redisstore.NewRedisDistributedLock(redisClient, retentionLockKey),
	))
	return nil
}

// initHTTPServer initializes the gin engine and the HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	sessionHandler := handler.NewSessionHandler(app.sessions, app.pool, app.selector.Name())
	wsHandler := handler.NewWSHandler(app.sessions)
	scrub := func(body string) string {
		return app.sanitizer.SanitizeSensitiveInfo(body)
	}
	router.NewRouter(sessionHandler, wsHandler, app.config.Server.APIKey, scrub).Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
