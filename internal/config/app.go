// Package config centralises runtime configuration for Custos services.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Custos operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"maxConns"`
	Migrate  bool   `yaml:"migrate"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	MinInterval       time.Duration `yaml:"minInterval"`
	OverlapWindow     time.Duration `yaml:"overlapWindow"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout"`
	SchedulerInterval time.Duration `yaml:"schedulerInterval"`
	SchedulerWorkers  int           `yaml:"schedulerWorkers"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"` // Default: true
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the unified Custos application configuration combining all concerns.
type AppConfig struct {
	Environment Environment
	Database    DatabaseConfig
	Sync        SyncConfig
	Telemetry   TelemetryConfig
	Logging     LoggingConfig
	Providers   map[string]map[string]any
}

// appConfigYAML is the YAML representation that maps to AppConfig.
type appConfigYAML struct {
	Environment string                    `yaml:"environment"`
	Database    databaseYAML              `yaml:"database"`
	Sync        syncYAML                  `yaml:"sync"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Logging     LoggingConfig             `yaml:"logging"`
	Providers   map[string]map[string]any `yaml:"providers"`
}

type databaseYAML struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"maxConns"`
	Migrate  *bool  `yaml:"migrate"`
}

type syncYAML struct {
	MinInterval       string `yaml:"minInterval"`
	OverlapWindow     string `yaml:"overlapWindow"`
	FetchTimeout      string `yaml:"fetchTimeout"`
	SchedulerInterval string `yaml:"schedulerInterval"`
	SchedulerWorkers  int    `yaml:"schedulerWorkers"`
}

// Load loads the unified Custos configuration with precedence: defaults → YAML → env vars.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	yamlErr := cfg.loadYAML(ctx, configPath)
	if yamlErr != nil && !isConfigNotFoundError(yamlErr) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", yamlErr)
	}

	cfg.loadEnv()

	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// isConfigNotFoundError checks if the error is due to config file not found.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return os.IsNotExist(err) || strings.Contains(err.Error(), "open app config")
}

// defaultAppConfig returns the default configuration with sensible defaults.
func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Database: DatabaseConfig{
			DSN:      "",
			MaxConns: 8,
			Migrate:  true,
		},
		Sync: SyncConfig{
			MinInterval:       5 * time.Minute,
			OverlapWindow:     72 * time.Hour,
			FetchTimeout:      30 * time.Second,
			SchedulerInterval: time.Hour,
			SchedulerWorkers:  4,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "custos",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Providers: make(map[string]map[string]any),
	}
}

// loadYAML loads and merges YAML configuration into the AppConfig.
func (c *AppConfig) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("CUSTOS_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var yamlCfg appConfigYAML
	if err := yaml.Unmarshal(bytes, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if yamlCfg.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(yamlCfg.Environment)))
	}

	if dsn := strings.TrimSpace(yamlCfg.Database.DSN); dsn != "" {
		c.Database.DSN = dsn
	}
	if yamlCfg.Database.MaxConns > 0 {
		c.Database.MaxConns = yamlCfg.Database.MaxConns
	}
	if yamlCfg.Database.Migrate != nil {
		c.Database.Migrate = *yamlCfg.Database.Migrate
	}

	mergeDuration := func(dst *time.Duration, raw string) {
		if raw == "" {
			return
		}
		if dur, err := time.ParseDuration(raw); err == nil {
			*dst = dur
		}
	}
	mergeDuration(&c.Sync.MinInterval, yamlCfg.Sync.MinInterval)
	mergeDuration(&c.Sync.OverlapWindow, yamlCfg.Sync.OverlapWindow)
	mergeDuration(&c.Sync.FetchTimeout, yamlCfg.Sync.FetchTimeout)
	mergeDuration(&c.Sync.SchedulerInterval, yamlCfg.Sync.SchedulerInterval)
	if yamlCfg.Sync.SchedulerWorkers > 0 {
		c.Sync.SchedulerWorkers = yamlCfg.Sync.SchedulerWorkers
	}

	if strings.TrimSpace(yamlCfg.Telemetry.ServiceName) != "" || strings.TrimSpace(yamlCfg.Telemetry.OTLPEndpoint) != "" {
		c.Telemetry = yamlCfg.Telemetry
	}
	if level := strings.TrimSpace(yamlCfg.Logging.Level); level != "" {
		c.Logging.Level = level
	}
	for name, settings := range yamlCfg.Providers {
		c.Providers[strings.ToLower(strings.TrimSpace(name))] = settings
	}

	return nil
}

// loadEnv loads environment variable overrides into AppConfig.
func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("CUSTOS_ENV")); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("CUSTOS_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CUSTOS_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("CUSTOS_SYNC_MIN_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Sync.MinInterval = dur
		}
	}
}

// Validate performs comprehensive validation on the unified configuration.
func (c *AppConfig) Validate(ctx context.Context) error {
	_ = ctx

	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn required")
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 8
	}
	if c.Sync.MinInterval < 0 {
		return fmt.Errorf("sync minInterval must be >= 0")
	}
	if c.Sync.OverlapWindow <= 0 {
		return fmt.Errorf("sync overlapWindow must be > 0")
	}
	if c.Sync.FetchTimeout <= 0 {
		return fmt.Errorf("sync fetchTimeout must be > 0")
	}
	if c.Sync.SchedulerInterval <= 0 {
		return fmt.Errorf("sync schedulerInterval must be > 0")
	}
	if c.Sync.SchedulerWorkers <= 0 {
		c.Sync.SchedulerWorkers = 4
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "custos"
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		closeFn    func()
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	for _, fallback := range []string{
		"config/app.yaml",
		"config/app.example.yaml",
	} {
		addCandidate(fallback)
	}

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			closeFn = func() { _ = file.Close() }
			return file, closeFn, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
