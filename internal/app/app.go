// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixzhu97/whatschat-sub000/realtimeservice"
)

// Run executes the main application lifecycle. It starts the realtime
// service, listens for OS signals, and performs a graceful shutdown.
func Run(
	ctx context.Context,
	logger *slog.Logger,
	service *realtimeservice.Wrapper,
) {
	var wg sync.WaitGroup
	wg.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info("Starting Realtime Service...")
		err := service.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Realtime Service failed", "err", err)
			cancel()
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down Realtime Service...")
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Realtime Service shutdown failed.", "err", err)
	}

	wg.Wait()
	logger.Info("All services shut down gracefully.")
}
