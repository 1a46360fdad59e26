package config

import (
	"time"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/resilience"
)

// Config is the top-level application configuration loaded from YAML.
type Config struct {
	Service    ServiceConfig           `yaml:"service"`
	Store      StoreConfig             `yaml:"store"`
	Templates  TemplatesConfig         `yaml:"templates"`
	Policies   PoliciesConfig          `yaml:"policies"`
	Requests   RequestsConfig          `yaml:"requests"`
	Selection  SelectionConfig         `yaml:"selection"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Reconciler engine.ReconcilerConfig `yaml:"reconciler"`
	Telemetry  TelemetryConfig         `yaml:"telemetry"`
}

// ServiceConfig identifies the running instance.
type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Environment string `yaml:"environment" validate:"oneof=development staging production"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Backend selects the event store implementation.
	Backend string `yaml:"backend" validate:"oneof=sqlite json badger"`

	// Path is the database file (sqlite, badger) or directory (json).
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns and MaxIdleConns apply to the sqlite backend only.
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TemplatesConfig locates machine templates and spec files.
type TemplatesConfig struct {
	// Path is a template file or a directory scanned recursively.
	Path string `yaml:"path" validate:"required"`

	// SpecDir is the base directory spec file references resolve
	// against. Defaults to the template path's directory.
	SpecDir string `yaml:"spec_dir"`

	// FallbackToBase serves a template's base attributes when spec
	// rendering fails in merge mode.
	FallbackToBase bool `yaml:"fallback_to_base"`

	// Watch reloads templates when their files change.
	Watch bool `yaml:"watch"`
}

// PoliciesConfig locates admission policy files.
type PoliciesConfig struct {
	// Paths are .rego or .json policy files or directories. The
	// built-in policies always load.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when their files change.
	Watch bool `yaml:"watch"`
}

// RequestsConfig tunes request lifecycle handling.
type RequestsConfig struct {
	// Timeout bounds how long a request may stay running before
	// reconciliation forces a terminal status. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`

	// ConflictRetries bounds reload-and-retry cycles on optimistic
	// concurrency conflicts.
	ConflictRetries int `yaml:"conflict_retries" validate:"gte=0"`

	// Retention is how long terminal requests are kept before cleanup
	// purges them.
	Retention time.Duration `yaml:"retention"`
}

// SelectionConfig is the base strategy selection criteria applied to
// every request.
type SelectionConfig struct {
	RequireHealthy  bool          `yaml:"require_healthy"`
	Prefer          []string      `yaml:"prefer"`
	Exclude         []string      `yaml:"exclude"`
	MinSuccessRate  float64       `yaml:"min_success_rate" validate:"gte=0,lte=1"`
	MaxResponseTime time.Duration `yaml:"max_response_time"`
}

// ResilienceConfig tunes the retry and circuit-breaker wrapper around
// backend calls.
type ResilienceConfig struct {
	Retry   resilience.RetryConfig   `yaml:"retry"`
	Breaker resilience.BreakerConfig `yaml:"breaker"`
}

// TelemetryConfig tunes logging, metrics, and tracing.
type TelemetryConfig struct {
	// LogLevel is the minimum level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat selects json or console output.
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	// MetricsEnabled registers the Prometheus collectors.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// TracingEnabled installs the stdout span exporter.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// SamplingRate is the trace sampling rate between 0 and 1.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Criteria converts the selection block into the engine's form.
func (s SelectionConfig) Criteria() engine.SelectionCriteria {
	return engine.SelectionCriteria{
		RequireHealthy:  s.RequireHealthy,
		Prefer:          s.Prefer,
		Exclude:         s.Exclude,
		MinSuccessRate:  s.MinSuccessRate,
		MaxResponseTime: s.MaxResponseTime,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "hostforge",
			Environment: "development",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "hostforge.db",
		},
		Templates: TemplatesConfig{
			Path:           "templates",
			FallbackToBase: true,
		},
		Requests: RequestsConfig{
			Timeout:         30 * time.Minute,
			ConflictRetries: 3,
			Retention:       24 * time.Hour,
		},
		Resilience: ResilienceConfig{
			Retry:   resilience.DefaultRetryConfig(),
			Breaker: resilience.DefaultBreakerConfig(),
		},
		Reconciler: engine.DefaultReconcilerConfig(),
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "console",
			MetricsEnabled: true,
			SamplingRate:   1.0,
		},
	}
}
