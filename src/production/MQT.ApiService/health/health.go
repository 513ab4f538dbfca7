package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Pinger is anything whose reachability can be checked
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	storage Pinger
	backend string
	version string
}

// NewHealthChecker creates a new health checker for the configured backend
func NewHealthChecker(storage Pinger, backend string) *HealthChecker {
	return &HealthChecker{storage: storage, backend: backend, version: "1.0.0"}
}

// CheckStorageHealth pings the persistence backend
func (h *HealthChecker) CheckStorageHealth(ctx context.Context) error {
	if h.storage == nil {
		return nil
	}
	if err := h.storage.Ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", h.backend, err)
	}
	return nil
}

// GetHealthStatus returns the current health status
func (h *HealthChecker) GetHealthStatus(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
	}

	storage := map[string]interface{}{
		"backend": h.backend,
		"status":  "ok",
	}
	if err := h.CheckStorageHealth(ctx); err != nil {
		storage["status"] = "error"
		storage["error"] = err.Error()
	}
	status["checks"] = map[string]interface{}{"storage": storage}

	if storage["status"] == "ok" {
		status["status"] = "ok"
	} else {
		status["status"] = "degraded"
	}
	return status
}

// ConnectPostgresWithTimeout creates a PostgreSQL connection with a timeout context
func ConnectPostgresWithTimeout(cfg *config.Config, timeout time.Duration) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open PostgreSQL connection: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping PostgreSQL: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(cfg.Storage.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Storage.Database.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// ConnectMongoWithTimeout connects to MongoDB and verifies the connection
func ConnectMongoWithTimeout(cfg *config.Config, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Storage.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping MongoDB: %w", err)
	}

	return client, nil
}
