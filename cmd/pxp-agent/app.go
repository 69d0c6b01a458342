package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pxp-agent/pxp-agent/pkg/config"
	"github.com/pxp-agent/pxp-agent/pkg/connection"
	"github.com/pxp-agent/pxp-agent/pkg/jobs"
	"github.com/pxp-agent/pxp-agent/pkg/observability"
	"github.com/pxp-agent/pxp-agent/pkg/processor"
	"github.com/pxp-agent/pxp-agent/pkg/registry"
	"github.com/pxp-agent/pxp-agent/pkg/reply"
	"github.com/pxp-agent/pxp-agent/pkg/spool"
)

// run is the main entry point after CLI parsing. It wires the seven
// spec.md §2 components together and blocks until an interrupt or
// terminate signal is received or the connection supervisor exits,
// then drains in-flight jobs before exiting.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("pxp-agent started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp, err := spool.New(cfg.SpoolDir)
	if err != nil {
		zap.L().Error("failed to initialize spool", zap.Error(err))
		return 1
	}

	reg := registry.New(ctx, cfg.PluginsDir, time.Duration(cfg.ActionTimeoutSeconds)*time.Second, logger)
	tracker := jobs.NewTracker(logger)

	agentURI := "cth://" + cfg.AppName + "/agent"

	// The Supervisor is constructed before its Dispatcher exists, since
	// the Processor needs a reply.Sender that in turn needs the
	// Supervisor as its Transport. SetDispatcher closes the loop once
	// the Processor is built.
	sup, err := connection.New(connection.Options{
		BrokerURL:            cfg.BrokerURL,
		AgentURI:             agentURI,
		CACertPath:           cfg.TLS.CACrt,
		ClientCertPath:       cfg.TLS.ClientCrt,
		ClientKeyPath:        cfg.TLS.ClientKey,
		HeartbeatPeriod:      time.Duration(cfg.HeartbeatPeriodSeconds) * time.Second,
		ReconnectBackoff:     time.Duration(cfg.ReconnectBackoffSeconds) * time.Second,
		MsgTimeout:           time.Duration(cfg.MsgTimeoutSeconds) * time.Second,
		RequireLoginAck:      cfg.RequireLoginAck,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil, logger)
	if err != nil {
		zap.L().Error("failed to initialize connection supervisor", zap.Error(err))
		return 1
	}

	sender := reply.New(sup, agentURI)
	proc := processor.New(reg, sp, tracker, sender, time.Duration(cfg.MsgTimeoutSeconds)*time.Second, logger)
	sup.SetDispatcher(proc)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-done:
		// Run only ever returns non-nil for a fatal_error (broker-url
		// unusable, or reconnect attempts exhausted); ctx cancellation
		// always yields a nil return, so any error here is fatal.
		if err != nil {
			zap.L().Error("connection supervisor exited", zap.Error(err))
			exitCode = 1
		}
	}

	zap.L().Info("shutting down, draining in-flight jobs")
	tracker.Shutdown()
	zap.L().Info("shutdown complete")
	return exitCode
}
