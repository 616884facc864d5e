package config

import (
	"context"
	"time"
)

// Config represents the complete configuration for a Flowplane process.
type Config struct {
	Server       ServerConfig       `koanf:"server"       validate:"required"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"    validate:"required"`
	Temporal     TemporalConfig     `koanf:"temporal"`
	Airflow      AirflowConfig      `koanf:"airflow"`
	Definitions  DefinitionsConfig  `koanf:"definitions"  validate:"required"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator" validate:"required"`
	Reconcile    ReconcileConfig    `koanf:"reconcile"    validate:"required"`
	Monitoring   MonitoringConfig   `koanf:"monitoring"`
	Runtime      RuntimeConfig      `koanf:"runtime"      validate:"required"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host    string        `koanf:"host"    validate:"required"        env:"FLOWPLANE_SERVER_HOST"`
	Port    int           `koanf:"port"    validate:"min=1,max=65535" env:"FLOWPLANE_SERVER_PORT"`
	Timeout time.Duration `koanf:"timeout"                            env:"FLOWPLANE_SERVER_TIMEOUT"`
}

// DatabaseConfig selects the relational store. The memory driver keeps
// everything in process and is meant for development and tests.
type DatabaseConfig struct {
	Driver       string          `koanf:"driver"         validate:"oneof=postgres memory" env:"FLOWPLANE_DB_DRIVER"`
	ConnString   string          `koanf:"conn_string"                                     env:"FLOWPLANE_DB_CONN_STRING"`
	Host         string          `koanf:"host"                                            env:"FLOWPLANE_DB_HOST"`
	Port         string          `koanf:"port"                                            env:"FLOWPLANE_DB_PORT"`
	User         string          `koanf:"user"                                            env:"FLOWPLANE_DB_USER"`
	Password     SensitiveString `koanf:"password"                                        env:"FLOWPLANE_DB_PASSWORD"    sensitive:"true"`
	DBName       string          `koanf:"name"                                            env:"FLOWPLANE_DB_NAME"`
	SSLMode      string          `koanf:"ssl_mode"                                        env:"FLOWPLANE_DB_SSL_MODE"`
	MaxOpenConns int             `koanf:"max_open_conns"                                  env:"FLOWPLANE_DB_MAX_OPEN_CONNS"`
	AutoMigrate  bool            `koanf:"auto_migrate"                                    env:"FLOWPLANE_DB_AUTO_MIGRATE"`
}

// RedisConfig enables the redis-backed workflow name lease. When disabled the
// lease is an in-process lock, which is only correct for a single replica.
type RedisConfig struct {
	Enabled  bool            `koanf:"enabled"  env:"FLOWPLANE_REDIS_ENABLED"`
	Addr     string          `koanf:"addr"     env:"FLOWPLANE_REDIS_ADDR"`
	Password SensitiveString `koanf:"password" env:"FLOWPLANE_REDIS_PASSWORD" sensitive:"true"`
	DB       int             `koanf:"db"       env:"FLOWPLANE_REDIS_DB"`
	Prefix   string          `koanf:"prefix"   env:"FLOWPLANE_REDIS_PREFIX"`
}

// SchedulerConfig selects and tunes the external scheduler gateway.
type SchedulerConfig struct {
	Driver      string        `koanf:"driver"       validate:"oneof=temporal airflow memory" env:"FLOWPLANE_SCHEDULER_DRIVER"`
	CallTimeout time.Duration `koanf:"call_timeout" validate:"gt=0"                         env:"FLOWPLANE_SCHEDULER_CALL_TIMEOUT"`
	UnitPrefix  string        `koanf:"unit_prefix"  validate:"required"                     env:"FLOWPLANE_SCHEDULER_UNIT_PREFIX"`
	Breaker     BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker around scheduler calls.
type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"           env:"FLOWPLANE_SCHEDULER_BREAKER_ENABLED"`
	FailureThreshold uint32        `koanf:"failure_threshold" env:"FLOWPLANE_SCHEDULER_BREAKER_FAILURE_THRESHOLD"`
	OpenTimeout      time.Duration `koanf:"open_timeout"      env:"FLOWPLANE_SCHEDULER_BREAKER_OPEN_TIMEOUT"`
}

// TemporalConfig contains Temporal connection settings.
type TemporalConfig struct {
	HostPort     string `koanf:"host_port"     env:"FLOWPLANE_TEMPORAL_HOST_PORT"`
	Namespace    string `koanf:"namespace"     env:"FLOWPLANE_TEMPORAL_NAMESPACE"`
	TaskQueue    string `koanf:"task_queue"    env:"FLOWPLANE_TEMPORAL_TASK_QUEUE"`
	WorkflowType string `koanf:"workflow_type" env:"FLOWPLANE_TEMPORAL_WORKFLOW_TYPE"`
}

// AirflowConfig contains Airflow REST API settings.
type AirflowConfig struct {
	BaseURL  string          `koanf:"base_url" env:"FLOWPLANE_AIRFLOW_BASE_URL"`
	Username string          `koanf:"username" env:"FLOWPLANE_AIRFLOW_USERNAME"`
	Password SensitiveString `koanf:"password" env:"FLOWPLANE_AIRFLOW_PASSWORD" sensitive:"true"`
}

// DefinitionsConfig selects the definition blob store.
type DefinitionsConfig struct {
	Driver string   `koanf:"driver" validate:"oneof=fs s3 memory" env:"FLOWPLANE_DEFINITIONS_DRIVER"`
	Root   string   `koanf:"root"                                 env:"FLOWPLANE_DEFINITIONS_ROOT"`
	S3     S3Config `koanf:"s3"`
}

// S3Config contains object store settings for the s3 definitions driver.
type S3Config struct {
	Bucket          string          `koanf:"bucket"            env:"FLOWPLANE_S3_BUCKET"`
	Prefix          string          `koanf:"prefix"            env:"FLOWPLANE_S3_PREFIX"`
	Region          string          `koanf:"region"            env:"FLOWPLANE_S3_REGION"`
	Endpoint        string          `koanf:"endpoint"          env:"FLOWPLANE_S3_ENDPOINT"`
	AccessKeyID     string          `koanf:"access_key_id"     env:"FLOWPLANE_S3_ACCESS_KEY_ID"`
	SecretAccessKey SensitiveString `koanf:"secret_access_key" env:"FLOWPLANE_S3_SECRET_ACCESS_KEY" sensitive:"true"`
}

// OrchestratorConfig bounds fan-out and workflow mutation serialization.
type OrchestratorConfig struct {
	BackfillMaxDates    int           `koanf:"backfill_max_dates"   validate:"min=1" env:"FLOWPLANE_BACKFILL_MAX_DATES"`
	BackfillConcurrency int           `koanf:"backfill_concurrency" validate:"min=1" env:"FLOWPLANE_BACKFILL_CONCURRENCY"`
	LeaseTTL            time.Duration `koanf:"lease_ttl"            validate:"gt=0"  env:"FLOWPLANE_LEASE_TTL"`
	LeaseWait           time.Duration `koanf:"lease_wait"                            env:"FLOWPLANE_LEASE_WAIT"`
}

// ReconcileConfig tunes the status reconciler.
type ReconcileConfig struct {
	Interval       time.Duration `koanf:"interval"        validate:"gt=0"  env:"FLOWPLANE_RECONCILE_INTERVAL"`
	Concurrency    int           `koanf:"concurrency"     validate:"min=1" env:"FLOWPLANE_RECONCILE_CONCURRENCY"`
	TimeoutCeiling time.Duration `koanf:"timeout_ceiling" validate:"gt=0"  env:"FLOWPLANE_RECONCILE_TIMEOUT_CEILING"`
}

// MonitoringConfig toggles the Prometheus metrics endpoint.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"FLOWPLANE_MONITORING_ENABLED"`
	Path    string `koanf:"path"    env:"FLOWPLANE_MONITORING_PATH"`
}

// RuntimeConfig contains runtime behavior configuration.
type RuntimeConfig struct {
	Environment string `koanf:"environment" validate:"oneof=development staging production" env:"FLOWPLANE_ENVIRONMENT"`
	LogLevel    string `koanf:"log_level"   validate:"oneof=debug info warn error"          env:"FLOWPLANE_LOG_LEVEL"`
	LogJSON     bool   `koanf:"log_json"                                                    env:"FLOWPLANE_LOG_JSON"`
}

// Service defines the configuration management service interface.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks if the configuration meets all validation requirements.
	Validate(config *Config) error
	// GetSource returns the source type that provided a configuration key.
	GetSource(key string) SourceType
}

// Source defines the interface for configuration sources.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
}

// SourceType identifies the type of configuration source.
type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

// Metadata contains metadata about configuration sources.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// Load loads configuration from defaults and the environment.
func Load(ctx context.Context, sources ...Source) (*Config, error) {
	return NewService().Load(ctx, sources...)
}

// Default returns a Config with default values for development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    5080,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "memory",
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			DBName:       "flowplane",
			SSLMode:      "disable",
			MaxOpenConns: 20,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "flowplane:lease:",
		},
		Scheduler: SchedulerConfig{
			Driver:      "memory",
			CallTimeout: 15 * time.Second,
			UnitPrefix:  "flowplane",
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Temporal: TemporalConfig{
			HostPort:     "localhost:7233",
			Namespace:    "default",
			TaskQueue:    "flowplane-pipelines",
			WorkflowType: "PipelineWorkflow",
		},
		Airflow: AirflowConfig{
			BaseURL: "http://localhost:8080",
		},
		Definitions: DefinitionsConfig{
			Driver: "fs",
			Root:   ".flowplane/definitions",
			S3: S3Config{
				Prefix: "definitions",
				Region: "us-east-1",
			},
		},
		Orchestrator: OrchestratorConfig{
			BackfillMaxDates:    366,
			BackfillConcurrency: 4,
			LeaseTTL:            2 * time.Minute,
			LeaseWait:           2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:       30 * time.Second,
			Concurrency:    8,
			TimeoutCeiling: 6 * time.Hour,
		},
		Monitoring: MonitoringConfig{
			Path: "/metrics",
		},
		Runtime: RuntimeConfig{
			Environment: "development",
			LogLevel:    "info",
		},
	}
}
