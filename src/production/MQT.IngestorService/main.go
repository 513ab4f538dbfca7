package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	container "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Container"
)

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewIngestorContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize container: %v\n", err)
		os.Exit(1)
	}
	defer ctr.Shutdown(context.Background())

	logger := ctr.GetLogger()
	logger.Info("Starting MQTT Ingestor Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing := ctr.GetIngestor()
	if err := ing.Start(ctx); err != nil {
		logger.FatalWithError(err, "Failed to start MQTT ingestor")
	}

	srv := &http.Server{
		Addr:         ":" + ctr.GetConfig().Server.Port,
		Handler:      healthHandler(ctr),
		ReadTimeout:  ctr.GetConfig().Server.ReadTimeout,
		WriteTimeout: ctr.GetConfig().Server.WriteTimeout,
		IdleTimeout:  ctr.GetConfig().Server.IdleTimeout,
	}
	go func() {
		logger.Info("Health server starting on port " + ctr.GetConfig().Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithError(err, "Health server stopped")
		}
	}()

	logger.Info("MQTT ingestor running... press Ctrl+C to stop")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// drains the queue before disconnecting
	ing.Stop()
}

// healthHandler reports MQTT and API Service reachability
func healthHandler(ctr *container.IngestorContainer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ing := ctr.GetIngestor()
		apiClient := ctr.GetAPIClient()

		mqttStatus := "disconnected"
		if ing.IsConnected() {
			mqttStatus = "connected"
		}

		apiStatus := "disconnected"
		if err := apiClient.Health(ctx); err == nil {
			apiStatus = "connected"
		}

		status := "healthy"
		code := http.StatusOK
		if mqttStatus != "connected" || apiStatus != "connected" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services": map[string]string{
				"mqtt":        mqttStatus,
				"api_service": apiStatus,
			},
			"queue_depth":     ing.QueueDepth(),
			"stats":           ing.Stats(),
			"circuit_breaker": apiClient.GetCircuitBreakerStatus(),
		})
	})
	return mux
}
