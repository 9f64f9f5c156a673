package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"appforge/pkg/logger"
)

// Options are the command line flags of the orchestrator
type Options struct {
	Config          string `short:"c" long:"config" env:"CONFIG_PATH" description:"path to config.yaml" default:"config/config.yaml"`
	ShutdownTimeout int    `long:"shutdown-timeout" description:"graceful shutdown timeout in seconds" default:"30"`
}

func main() {
	var opts Options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	app := NewApplication(opts)

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(context.Background(), "Application initialization failed: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Application startup failed: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Received exit signal: %v", sig)

	if err := app.Shutdown(time.Duration(opts.ShutdownTimeout) * time.Second); err != nil {
		logger.ErrorCtx(app.ctx, "Application shutdown failed: %v", err)
		os.Exit(1)
	}

	logger.InfoCtx(app.ctx, "Application safely exited")
}
