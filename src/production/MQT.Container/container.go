package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.ApiService/health"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.ApiService/implementation/ingest"
	broadcast "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Broadcast"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.IngestorService/client"
	mqtingestor "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.IngestorService/ingestor"
	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	implementation "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
	store "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Store"
	sweeper "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Sweeper"
)

// Container manages dependencies and their lifecycle
type Container struct {
	config *config.Config
	logger *logger.Logger

	// Mutex for thread-safe access
	mu sync.Mutex

	// Cleanup functions
	cleanupFuncs []func() error
}

// IngestorContainer manages dependencies for the MQTT Ingestor service
type IngestorContainer struct {
	config    *config.IngestorConfig
	logger    *logger.Logger
	apiClient *client.APIClient
	ingestor  *mqtingestor.Ingestor
}

// ApiContainer manages dependencies for the API service
type ApiContainer struct {
	*Container

	clock clock.Clock

	repository    interfaces.RecordRepository
	repoOpened    bool
	store         *store.Store
	hub           *broadcast.Hub
	sweeper       *sweeper.Sweeper
	ingestService *ingest.IngestService
	healthChecker *health.HealthChecker
	metrics       *prometheus.Registry

	initialized bool
}

// NewIngestorContainer creates a new container for the MQTT Ingestor service
func NewIngestorContainer() (*IngestorContainer, error) {
	// Load ingestor-specific configuration
	cfg, err := config.LoadIngestorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load ingestor configuration: %w", err)
	}

	return NewIngestorContainerWith(cfg, logger.NewLogger(&cfg.Logging)), nil
}

// NewIngestorContainerWith wires the API client and MQTT ingestor from an
// existing configuration
func NewIngestorContainerWith(cfg *config.IngestorConfig, log *logger.Logger) *IngestorContainer {
	apiClient := client.NewAPIClient(cfg.ApiServiceURL)
	return &IngestorContainer{
		config:    cfg,
		logger:    log,
		apiClient: apiClient,
		ingestor:  mqtingestor.New(cfg.MQTT, cfg.QueueSize, apiClient, log),
	}
}

// NewApiContainer creates a new container for the API service
func NewApiContainer() (*ApiContainer, error) {
	// Load API-specific configuration
	cfg, err := config.LoadApiConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load API configuration: %w", err)
	}

	return NewApiContainerWith(cfg, logger.NewLogger(&cfg.Logging), clock.Real()), nil
}

// NewApiContainerWith builds a container from an existing configuration
func NewApiContainerWith(cfg *config.Config, log *logger.Logger, clk clock.Clock) *ApiContainer {
	if clk == nil {
		clk = clock.Real()
	}
	return &ApiContainer{
		Container: &Container{config: cfg, logger: log},
		clock:     clk,
	}
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetConfig returns the ingestor configuration
func (c *IngestorContainer) GetConfig() *config.IngestorConfig {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

// GetLogger returns the logger
func (c *IngestorContainer) GetLogger() *logger.Logger {
	return c.logger
}

// GetAPIClient returns the API Service client
func (c *IngestorContainer) GetAPIClient() *client.APIClient {
	return c.apiClient
}

// GetIngestor returns the MQTT ingestor
func (c *IngestorContainer) GetIngestor() *mqtingestor.Ingestor {
	return c.ingestor
}

// Initialize connects the configured backend, loads the record store and
// wires the hub, sweeper and ingest pipeline. It is safe to call repeatedly.
func (c *ApiContainer) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	repo, err := c.repositoryLocked(ctx)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, store.Options{
		Repository:      repo,
		Clock:           c.clock,
		Logger:          c.logger,
		RetentionWindow: c.config.Retention.Window,
		OnlineThreshold: c.config.Dashboard.OnlineThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	c.store = st

	c.hub = broadcast.NewHub(st, c.config.Live.BufferSize, c.logger)
	c.sweeper = sweeper.New(st, c.clock, c.config.Retention.Window, c.config.Retention.SweepInterval, c.logger)
	c.ingestService = ingest.NewIngestService(st, c.hub, c.logger)
	c.healthChecker = health.NewHealthChecker(st, c.config.Storage.Backend)
	c.metrics = prometheus.NewRegistry()
	c.registerMetrics()

	c.initialized = true
	c.logger.Info(fmt.Sprintf("Record store ready (backend %s)", c.config.Storage.Backend))
	return nil
}

// OpenRepository connects the configured backend without loading the record
// store. The result is nil for the memory backend.
func (c *ApiContainer) OpenRepository(ctx context.Context) (interfaces.RecordRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repositoryLocked(ctx)
}

func (c *ApiContainer) repositoryLocked(ctx context.Context) (interfaces.RecordRepository, error) {
	if c.repoOpened {
		return c.repository, nil
	}
	repo, err := c.openRepository(ctx)
	if err != nil {
		return nil, err
	}
	c.repository = repo
	c.repoOpened = true
	return repo, nil
}

// openRepository builds the record repository for the configured backend.
// The memory backend has no repository.
func (c *ApiContainer) openRepository(ctx context.Context) (interfaces.RecordRepository, error) {
	storage := c.config.Storage

	switch storage.Backend {
	case config.BackendMemory:
		return nil, nil

	case config.BackendFile:
		repo, err := implementation.NewFileRecordRepository(storage.DataDir)
		if err != nil {
			return nil, err
		}
		return repo, nil

	case config.BackendMongo:
		client, err := health.ConnectMongoWithTimeout(c.config, 20*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		coll := client.Database(storage.Mongo.Database).Collection(storage.Mongo.Collection)
		repo := implementation.NewMongoRecordRepository(client, coll)
		c.cleanupFuncs = append(c.cleanupFuncs, repo.Close)
		return repo, nil

	case config.BackendPostgres:
		db, err := health.ConnectPostgresWithTimeout(c.config, 20*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := implementation.NewPostgresRecordRepository(db, storage.Database.Table)
		c.cleanupFuncs = append(c.cleanupFuncs, repo.Close)
		if err := repo.CreateTables(ctx); err != nil {
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
		c.logger.Info("Database initialized successfully")
		return repo, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", storage.Backend)
}

func (c *ApiContainer) registerMetrics() {
	st, hub, sw, svc := c.store, c.hub, c.sweeper, c.ingestService

	gauge := func(name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, value)
	}
	counter := func(name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, value)
	}

	c.metrics.MustRegister(
		gauge("envmon_devices", "Devices known to the record store",
			func() float64 { return float64(st.Stats().Devices) }),
		gauge("envmon_devices_active", "Devices with at least one surviving reading",
			func() float64 { return float64(st.Stats().ActiveDevices) }),
		gauge("envmon_readings", "Readings currently retained",
			func() float64 { return float64(st.Stats().Readings) }),

		counter("envmon_ingest_accepted_total", "Readings accepted",
			func() float64 { return float64(svc.Counters().Accepted) }),
		counter("envmon_ingest_rejected_total", "Payloads rejected by validation",
			func() float64 { return float64(svc.Counters().Rejected) }),

		gauge("envmon_live_viewers", "Connected live viewers",
			func() float64 { return float64(hub.Stats().Viewers) }),
		counter("envmon_live_published_total", "Events published to the live feed",
			func() float64 { return float64(hub.Stats().Published) }),
		counter("envmon_live_dropped_total", "Viewers dropped for falling behind",
			func() float64 { return float64(hub.Stats().Dropped) }),

		counter("envmon_sweeps_total", "Retention sweeps completed",
			func() float64 { return float64(sw.Stats().Passes) }),
		counter("envmon_sweeps_skipped_total", "Sweeps skipped while another was in flight",
			func() float64 { return float64(sw.Stats().Skipped) }),
		counter("envmon_sweep_purged_total", "Readings purged by sweeps",
			func() float64 { return float64(sw.Stats().Purged) }),
	)
}

// GetStore returns the record store
func (c *ApiContainer) GetStore() *store.Store {
	return c.store
}

// GetHub returns the live broadcast hub
func (c *ApiContainer) GetHub() *broadcast.Hub {
	return c.hub
}

// GetSweeper returns the retention sweeper
func (c *ApiContainer) GetSweeper() *sweeper.Sweeper {
	return c.sweeper
}

// GetIngestService returns the ingest pipeline
func (c *ApiContainer) GetIngestService() *ingest.IngestService {
	return c.ingestService
}

// GetHealthChecker returns the health checker
func (c *ApiContainer) GetHealthChecker() *health.HealthChecker {
	return c.healthChecker
}

// GetMetricsRegistry returns the Prometheus registry served on /metrics
func (c *ApiContainer) GetMetricsRegistry() *prometheus.Registry {
	return c.metrics
}

// Shutdown stops background work, disconnects viewers and releases the backend
func (c *ApiContainer) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")

	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	return c.Container.Shutdown(ctx)
}

// Shutdown gracefully shuts down the container and all its dependencies
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	funcs := c.cleanupFuncs
	c.cleanupFuncs = nil
	c.mu.Unlock()

	// Execute cleanup functions in reverse order
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
		}
	}

	c.logger.Info("Container shutdown complete")
	return nil
}

// Shutdown gracefully shuts down the ingestor container
func (c *IngestorContainer) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down ingestor container...")
	if c.ingestor != nil {
		c.ingestor.Stop()
	}
	c.logger.Info("Ingestor container shutdown complete")
	return nil
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
