package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dagshard/handlers"
	"dagshard/logger"
	"dagshard/routers"
	"dagshard/service"
)

var (
	startIntake bool
	servePort   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shard pipelines behind the HTTP control surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&startIntake, "start", true, "enable transaction intake at boot")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	logger.Logger.Info("Starting dagshard server...",
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("shards", len(cfg.Shards)))

	svc, err := service.New(service.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	defer svc.Close()
	svc.Run()
	if startIntake {
		if err := svc.Start(); err != nil {
			return err
		}
	}

	h := handlers.NewHandler(svc)
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}
	logger.Logger.Info("Shutdown signal received, exiting...")
	if err := svc.Stop(); err != nil {
		logger.Logger.Warn("Failed to stop intake", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
