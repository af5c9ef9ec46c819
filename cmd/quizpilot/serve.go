package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/quizpilot/internal/audit"
	"github.com/fentz26/quizpilot/internal/controlplane"
	"github.com/fentz26/quizpilot/internal/events"
	"github.com/fentz26/quizpilot/internal/pipeline"
	"github.com/fentz26/quizpilot/internal/scheduler"
	"github.com/fentz26/quizpilot/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	dbPath     string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Start the quizpilot daemon",
	Long:    `Starts the daemon which accepts tasks on POST /receive_request and runs attempt chains in the background.`,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if cfg.SecretKey == "" {
		logger.Warn("SECRET_KEY is not set; every request will be rejected")
	}
	if cfg.LLM.Token == "" {
		logger.Warn("AIPIPE_TOKEN is not set; generation requests will likely fail")
	}

	logger.Info("starting quizpilot daemon", zap.String("version", controlplane.Version), zap.String("db", cfg.DBPath))

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	// Initialize components
	var pub events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			s.Close()
			return err
		}
		pub = np
		logger.Info("publishing chain events", zap.String("nats", cfg.Events.NATSURL), zap.String("subject", cfg.Events.Subject))
	}
	defer pub.Close()

	client, closeCache, err := buildLLM(cfg, logger)
	if err != nil {
		s.Close()
		return err
	}
	defer closeCache()

	sb, err := buildSandbox(cfg, logger)
	if err != nil {
		s.Close()
		return err
	}
	logger.Info("sandbox ready", zap.String("strategy", sb.Name()), zap.Duration("timeout", cfg.Sandbox.Timeout))

	// Create service, runner and scheduler
	service := controlplane.NewService(s, audit.NewWriter(s), pub, cfg.SecretKey, logger)
	runner := pipeline.NewRunner(pipelineConfig(cfg, logger), client, buildRepairer(cfg), sb, service, logger)
	sched := scheduler.New(runner, service, &scheduler.Config{
		GlobalMax: cfg.Scheduler.GlobalMax,
		QueueSize: cfg.Scheduler.QueueSize,
	}, logger)
	service.AttachQueue(sched)

	if n, err := service.RecoverStale(context.Background()); err != nil {
		logger.Warn("failed to recover stale chains", zap.Error(err))
	} else if n > 0 {
		logger.Info("marked stale chains as interrupted", zap.Int64("count", n))
	}

	server := controlplane.NewServer(service, sched.GetStats, cfg.Listen, logger)

	sched.Start()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			sched.Stop()
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("stopping scheduler")
	sched.Stop()

	logger.Info("closing database connection")
	if err := s.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
