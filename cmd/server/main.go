package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FreePeak/mcp-sse-transport/internal/domain"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/config"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/logging"
	"github.com/FreePeak/mcp-sse-transport/internal/infrastructure/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger, err := logging.New(logging.DefaultConfig())
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	srv := server.NewSSEServer(cfg,
		server.WithLogger(logger),
		server.WithServerInfo(domain.ServerInfo{
			Name:    "mcp-sse-transport",
			Version: "0.1.0",
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting SSE server", logging.Fields{
			"addr":            cfg.ListenAddr,
			"sseEndpoint":     cfg.SSEEndpoint,
			"messageEndpoint": cfg.MessageEndpoint,
		})
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", logging.Fields{"signal": sig.String()})
	case err := <-errCh:
		logger.Error("server stopped", logging.Fields{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", logging.Fields{"error": err.Error()})
	}
}
