package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tracehub/tracehub/internal/core"
	"github.com/tracehub/tracehub/internal/events"
	"github.com/tracehub/tracehub/internal/infrastructure/config"
	"github.com/tracehub/tracehub/internal/infrastructure/logging"
	"github.com/tracehub/tracehub/internal/infrastructure/monitoring"
	"github.com/tracehub/tracehub/internal/runner"
	"github.com/tracehub/tracehub/internal/server"
)

func main() {
	port := flag.String("port", "", "Admin API port (overrides PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing tracehub",
		zap.String("port", cfg.Server.Port),
		zap.Int("arena_page_size", cfg.Buffers.ArenaPageSize),
		zap.Int("trace_page_size", cfg.Buffers.TracePageSize),
	)

	metrics := monitoring.NewMetrics()
	hub := events.NewHub(logger)
	tasks := runner.NewSerial()

	svc := core.New(core.Options{
		Logger:         logger,
		Metrics:        metrics,
		Events:         hub,
		Runner:         tasks,
		ArenaPageSize:  cfg.Buffers.ArenaPageSize,
		ChunksPerPage:  cfg.Buffers.ChunksPerPage,
		BufferPageSize: cfg.Buffers.TracePageSize,
		MaxBuffers:     cfg.Buffers.MaxBuffers,
		DefaultShmSize: cfg.Buffers.DefaultShmSize,
	})

	srv := server.NewServer(cfg, svc, hub, metrics, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
		tasks.Stop()
	case err := <-errChan:
		logger.Fatal("Server error", zap.Error(err))
	}
}
