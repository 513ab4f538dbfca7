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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	container "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Container"
)

var rootCmd = &cobra.Command{
	Use:   "envmon-api",
	Short: "Environmental sensor ingest and live dashboard API",
	Long: `envmon-api ingests temperature, humidity and pressure readings from field
devices, keeps a rolling history per device and streams new readings to
connected dashboards.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server (default)",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep against the configured backend and exit",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Initialize dependency injection container
	ctr, err := container.NewApiContainer()
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer ctr.Shutdown(context.Background())

	logger := ctr.GetLogger()
	logger.Info("Starting API Service")

	initCtx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()
	if err := ctr.Initialize(initCtx); err != nil {
		return err
	}

	config := ctr.GetConfig()
	if config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	ctr.GetSweeper().Start(sweepCtx)

	// Get port from configuration
	port := config.Server.Port

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newRouter(ctr),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting on port " + port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("API service running... press Ctrl+C to stop")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
	case err := <-serverErr:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("Shutting down...")

	// Live connections are hijacked and not tracked by Shutdown; closing the
	// hub ends their write loops
	ctr.GetSweeper().Stop()
	ctr.GetHub().Close()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Server forced to shutdown")
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctr, err := container.NewApiContainer()
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer ctr.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	if err := ctr.Initialize(ctx); err != nil {
		return err
	}

	// loading already applies retention once, so report both passes
	result, _ := ctr.GetSweeper().RunOnce(ctx)
	stats := ctr.GetStore().Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "swept %d devices: %d readings purged, %d emptied, %d failures; %d readings retained\n",
		result.Devices, result.Purged+stats.PurgedOnOpen, result.Emptied, len(result.Failures), stats.Readings)

	if len(result.Failures) > 0 {
		return fmt.Errorf("%d device records could not be written", len(result.Failures))
	}
	return nil
}
