package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends understood by the API service
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// DefaultRetentionWindow is how long readings survive (14 days)
const DefaultRetentionWindow = 14 * 24 * time.Hour

// Config holds all API service configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Retention configuration
	Retention RetentionConfig `json:"retention"`

	// Live feed configuration
	Live LiveConfig `json:"live"`

	// Dashboard configuration
	Dashboard DashboardConfig `json:"dashboard"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// CORS configuration
	CORS CORSConfig `json:"cors"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// StorageConfig selects and configures the record persistence backend
type StorageConfig struct {
	Backend  string         `json:"backend"`
	DataDir  string         `json:"data_dir"`
	Mongo    MongoConfig    `json:"mongo"`
	Database DatabaseConfig `json:"database"`
}

// MongoConfig holds MongoDB-related configuration
type MongoConfig struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// DatabaseConfig holds PostgreSQL-related configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	Table    string `json:"table"`
	MaxConns int    `json:"max_conns"`
	MinConns int    `json:"min_conns"`
}

// RetentionConfig holds the sliding window and sweep cadence
type RetentionConfig struct {
	Window        time.Duration `json:"window"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// LiveConfig holds websocket live feed configuration
type LiveConfig struct {
	BufferSize   int           `json:"buffer_size"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval"`
}

// DashboardConfig holds settings for the dashboard-facing projections
type DashboardConfig struct {
	StaticDir string `json:"static_dir"`
	// OnlineThreshold enables the derived online/offline status when > 0
	OnlineThreshold time.Duration `json:"online_threshold"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout, stderr, or file path
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// MQTTConfig holds MQTT-related configuration
type MQTTConfig struct {
	BrokerHost  string        `json:"broker_host"`
	BrokerPort  int           `json:"broker_port"`
	BrokerUser  string        `json:"broker_user"`
	BrokerPass  string        `json:"broker_pass"`
	UseTLS      bool          `json:"use_tls"`
	CACertPath  string        `json:"ca_cert_path"`
	Topic       string        `json:"topic"`
	ClientID    string        `json:"client_id"`
	SharedGroup string        `json:"shared_group"`
	KeepAlive   time.Duration `json:"keep_alive"`
	PingTimeout time.Duration `json:"ping_timeout"`
}

// IngestorConfig holds configuration for the MQTT Ingestor service
type IngestorConfig struct {
	Server        ServerConfig  `json:"server"`
	MQTT          MQTTConfig    `json:"mqtt"`
	Logging       LoggingConfig `json:"logging"`
	ApiServiceURL string        `json:"api_service_url"`
	QueueSize     int           `json:"queue_size"`
}

// LoadApiConfig loads configuration for the API service
func LoadApiConfig() (*Config, error) {
	// A missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	env := &envReader{}

	config := &Config{
		Server: ServerConfig{
			Port:         env.str("PORT", "8000"),
			ReadTimeout:  env.duration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: env.duration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  env.duration("IDLE_TIMEOUT", 120*time.Second),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(env.str("STORAGE_BACKEND", BackendFile)),
			DataDir: env.str("DATA_DIR", "data"),
			Mongo: MongoConfig{
				URI:        env.str("MONGODB_URI", ""),
				Database:   env.str("MONGODB_DB", "envmon"),
				Collection: env.str("MONGODB_COLLECTION", "device_records"),
			},
			Database: DatabaseConfig{
				Host:     env.str("POSTGRES_HOST", "localhost"),
				Port:     env.integer("POSTGRES_PORT", 5432),
				User:     env.str("POSTGRES_USER", ""),
				Password: env.str("POSTGRES_PASSWORD", ""),
				DBName:   env.str("POSTGRES_DB", "envmon"),
				SSLMode:  env.str("POSTGRES_SSLMODE", "disable"),
				Table:    env.str("POSTGRES_TABLE", "device_records"),
				MaxConns: env.integer("POSTGRES_MAX_CONNS", 10),
				MinConns: env.integer("POSTGRES_MIN_CONNS", 2),
			},
		},
		Retention: RetentionConfig{
			Window:        env.duration("RETENTION_WINDOW", DefaultRetentionWindow),
			SweepInterval: env.duration("SWEEP_INTERVAL", 24*time.Hour),
		},
		Live: LiveConfig{
			BufferSize:   env.integer("LIVE_BUFFER_SIZE", 32),
			WriteTimeout: env.duration("LIVE_WRITE_TIMEOUT", 10*time.Second),
			PingInterval: env.duration("LIVE_PING_INTERVAL", 30*time.Second),
		},
		Dashboard: DashboardConfig{
			StaticDir:       env.str("STATIC_DIR", "frontend/dist"),
			OnlineThreshold: env.duration("ONLINE_THRESHOLD", 0),
		},
		Logging: loadLogging(env),
		CORS: CORSConfig{
			AllowedOrigins:   env.stringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods:   env.stringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:   env.stringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "X-Request-ID"}),
			ExposedHeaders:   env.stringSlice("CORS_EXPOSED_HEADERS", []string{"Content-Length", "X-Request-ID"}),
			AllowCredentials: env.boolean("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           env.integer("CORS_MAX_AGE", 43200), // 12 hours
		},
	}

	if err := env.err(); err != nil {
		return nil, fmt.Errorf("configuration parsing failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// LoadIngestorConfig loads configuration for the MQTT Ingestor service
func LoadIngestorConfig() (*IngestorConfig, error) {
	_ = godotenv.Load()

	env := &envReader{}

	config := &IngestorConfig{
		Server: ServerConfig{
			Port:         env.str("INGESTOR_PORT", "9003"),
			ReadTimeout:  env.duration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: env.duration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  env.duration("IDLE_TIMEOUT", 120*time.Second),
		},
		MQTT: MQTTConfig{
			BrokerHost:  env.str("BROKER_HOST", "localhost"),
			BrokerPort:  env.integer("BROKER_PORT", 1883),
			BrokerUser:  env.str("BROKER_USER", ""),
			BrokerPass:  env.str("BROKER_PASS", ""),
			UseTLS:      env.boolean("BROKER_TLS", false),
			CACertPath:  env.str("BROKER_CA_FILE", ""),
			Topic:       env.str("MQTT_TOPIC", "sensors/#"),
			ClientID:    env.str("MQTT_CLIENT_ID", "envmon-ingestor"),
			SharedGroup: env.str("MQTT_SHARED_GROUP", ""),
			KeepAlive:   env.duration("MQTT_KEEP_ALIVE", 30*time.Second),
			PingTimeout: env.duration("MQTT_PING_TIMEOUT", 10*time.Second),
		},
		Logging:       loadLogging(env),
		ApiServiceURL: env.str("API_SERVICE_URL", "http://localhost:8000"),
		QueueSize:     env.integer("INGESTOR_QUEUE_SIZE", 4096),
	}

	if err := env.err(); err != nil {
		return nil, fmt.Errorf("configuration parsing failed: %w", err)
	}

	if config.ApiServiceURL == "" {
		return nil, fmt.Errorf("API_SERVICE_URL is required")
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("INGESTOR_QUEUE_SIZE must be positive")
	}

	return config, nil
}

func loadLogging(env *envReader) LoggingConfig {
	return LoggingConfig{
		Level:        env.str("LOG_LEVEL", "info"),
		Format:       env.str("LOG_FORMAT", "text"),
		Output:       env.str("LOG_OUTPUT", "stdout"),
		EnableCaller: env.boolean("LOG_ENABLE_CALLER", false),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the file backend")
		}
	case BackendMongo:
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo backend")
		}
	case BackendPostgres:
		if c.Storage.Database.User == "" {
			return fmt.Errorf("POSTGRES_USER is required for the postgres backend")
		}
		if c.Storage.Database.Password == "" {
			return fmt.Errorf("POSTGRES_PASSWORD is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be positive")
	}
	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Live.BufferSize <= 0 {
		return fmt.Errorf("LIVE_BUFFER_SIZE must be positive")
	}
	if c.Live.WriteTimeout <= 0 {
		return fmt.Errorf("LIVE_WRITE_TIMEOUT must be positive")
	}
	if c.Dashboard.OnlineThreshold < 0 {
		return fmt.Errorf("ONLINE_THRESHOLD must not be negative")
	}
	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	db := c.Storage.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.User, db.Password, db.DBName, db.SSLMode)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *IngestorConfig) GetMQTTBrokerURL() string {
	scheme := "tcp"
	if c.MQTT.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.BrokerHost, c.MQTT.BrokerPort)
}

// envReader reads typed environment variables and collects parse errors
type envReader struct {
	errs []error
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) str(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (e *envReader) integer(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return intValue
}

func (e *envReader) boolean(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	}
	e.errs = append(e.errs, fmt.Errorf("invalid %s: %q (expected true/false or 1/0)", key, value))
	return defaultValue
}

func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return duration
}

func (e *envReader) stringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
