package config

import (
	"math"
	"time"
)

// EnvPrefix is the default prefix for environment overrides.
const EnvPrefix = "FLUXOR"

// RuntimeConfig is the configuration of a Fluxor process: the runtime
// itself and the optional verticles and listeners the bootstrapper wires.
type RuntimeConfig struct {
	Runtime   RuntimeSection  `yaml:"runtime" json:"runtime"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	Inspector InspectorConfig `yaml:"inspector" json:"inspector"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Journal   JournalConfig   `yaml:"journal" json:"journal"`

	// App is handed to every verticle deployed through the bootstrapper
	// as its context configuration.
	App map[string]interface{} `yaml:"app,omitempty" json:"app,omitempty"`
}

// RuntimeSection configures the GoCMD runtime.
type RuntimeSection struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Zero selects the runtime default; a negative value disables the deadline.
	StartTimeout Duration `yaml:"start_timeout" json:"start_timeout"`
	StopTimeout  Duration `yaml:"stop_timeout" json:"stop_timeout"`

	// ShutdownTimeout bounds the whole shutdown on SIGINT/SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	WorkerPoolSize     int      `yaml:"worker_pool_size" json:"worker_pool_size"`
	WorkerQueueSize    int      `yaml:"worker_queue_size" json:"worker_queue_size"`
	LoopQueueSize      int      `yaml:"loop_queue_size" json:"loop_queue_size"`
	MaxLoopExecuteTime Duration `yaml:"max_loop_execute_time" json:"max_loop_execute_time"`
}

// MetricsConfig enables the Prometheus deployment metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig enables OpenTelemetry spans for lifecycle phases.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" json:"environment"`
	Exporter       string  `yaml:"exporter" json:"exporter"` // jaeger, zipkin, stdout, none
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate" json:"sample_rate"`
}

// EventsConfig enables publishing deployment events to NATS.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Prefix  string `yaml:"prefix" json:"prefix"`
	Name    string `yaml:"name" json:"name"`
}

// InspectorConfig enables the inspector verticle.
type InspectorConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// HTTPConfig enables the fasthttp verticle.
type HTTPConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Addr         string   `yaml:"addr" json:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DatabaseConfig enables the database verticle.
type DatabaseConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Driver          string   `yaml:"driver" json:"driver"` // postgres, pgx, sqlite3
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// JournalConfig enables the on-disk deployment history.
type JournalConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Dir             string `yaml:"dir" json:"dir"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes" json:"max_segment_bytes"`
	Fsync           bool   `yaml:"fsync" json:"fsync"`
}

// Default returns the configuration used when no file is given.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Runtime: RuntimeSection{
			LogLevel:           "info",
			StartTimeout:       Duration(30 * time.Second),
			StopTimeout:        Duration(30 * time.Second),
			ShutdownTimeout:    Duration(45 * time.Second),
			WorkerPoolSize:     10,
			WorkerQueueSize:    1000,
			LoopQueueSize:      1024,
			MaxLoopExecuteTime: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "fluxor",
		},
		Tracing: TracingConfig{
			ServiceName: "fluxor",
			Exporter:    "none",
			SampleRate:  1.0,
		},
		Events: EventsConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "fluxor",
			Name:   "fluxor",
		},
		Inspector: InspectorConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
			ConnMaxIdleTime: Duration(10 * time.Minute),
		},
		Journal: JournalConfig{
			Dir:             "data/journal",
			MaxSegmentBytes: 16 << 20,
		},
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *RuntimeConfig) Validate() error {
	return Validate(c,
		OneOfValidator("Runtime.LogLevel", "debug", "info", "warn", "warning", "error"),
		RangeValidator("Runtime.ShutdownTimeout", 0, math.MaxInt64),
		RangeValidator("Runtime.WorkerPoolSize", 0, 10000),
		RangeValidator("Runtime.WorkerQueueSize", 0, math.MaxInt32),
		RangeValidator("Runtime.LoopQueueSize", 0, math.MaxInt32),
		When(FieldTrue("Metrics.Enabled"), RequiredFields("Metrics.Namespace")),
		When(FieldTrue("Tracing.Enabled"),
			RequiredFields("Tracing.ServiceName"),
			OneOfValidator("Tracing.Exporter", "jaeger", "zipkin", "stdout", "none"),
			RangeValidator("Tracing.SampleRate", 0, 1),
		),
		When(FieldTrue("Events.Enabled"), RequiredFields("Events.URL", "Events.Prefix")),
		When(FieldTrue("Inspector.Enabled"), RequiredFields("Inspector.Addr")),
		When(FieldTrue("HTTP.Enabled"), RequiredFields("HTTP.Addr")),
		When(FieldTrue("Database.Enabled"),
			RequiredFields("Database.DSN"),
			OneOfValidator("Database.Driver", "postgres", "pgx", "sqlite3"),
			RangeValidator("Database.MaxOpenConns", 1, 10000),
			RangeValidator("Database.MaxIdleConns", 0, 10000),
		),
		When(FieldTrue("Journal.Enabled"),
			RequiredFields("Journal.Dir"),
			RangeValidator("Journal.MaxSegmentBytes", 0, math.MaxInt64),
		),
	)
}

// LoadRuntimeConfig starts from Default, overlays the file at path (when
// not empty) and the environment, then validates the result.
func LoadRuntimeConfig(path string, envPrefix string) (*RuntimeConfig, error) {
	cfg := Default()
	var err error
	if path != "" {
		err = LoadWithEnv(path, envPrefix, cfg)
	} else {
		err = ApplyEnvOverrides(envPrefix, cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
