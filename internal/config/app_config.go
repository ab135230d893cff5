// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/ordertask/internal/journal"
	"github.com/coachpo/ordertask/internal/order"
	"github.com/coachpo/ordertask/internal/position"
	"github.com/coachpo/ordertask/internal/telemetry"
	"github.com/coachpo/ordertask/lib/logging"
)

// Environment variables recognised by Load.
const (
	EnvConfigPath     = "ORDERTASK_CONFIG"
	EnvEnvironment    = "ORDERTASK_ENV"
	EnvLogLevel       = "ORDERTASK_LOG_LEVEL"
	EnvLogFile        = "ORDERTASK_LOG_FILE"
	EnvJournalDSN     = "ORDERTASK_JOURNAL_DSN"
	EnvRetryAttempts  = "ORDERTASK_RETRY_MAX_ATTEMPTS"
	EnvRetryDelay     = "ORDERTASK_RETRY_DELAY"
	EnvWorkers        = "ORDERTASK_EXECUTOR_WORKERS"
	EnvCallsPerSecond = "ORDERTASK_EXECUTOR_CALLS_PER_SECOND"

	defaultConfigPath = "config/app.yaml"
)

// RetryConfig is the default retry applied to caller-composed operations.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Delay       time.Duration `yaml:"delay"`
}

// VenueConfig tunes the simulated venue.
type VenueConfig struct {
	FillSteps int `yaml:"fillSteps"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment             `yaml:"environment"`
	Logging     logging.Config          `yaml:"logging"`
	Telemetry   telemetry.Config        `yaml:"telemetry"`
	Retry       RetryConfig             `yaml:"retry"`
	Executor    order.ExecutorConfig    `yaml:"executor"`
	Position    position.Config         `yaml:"position"`
	Switcher    position.SwitcherConfig `yaml:"switcher"`
	Venue       VenueConfig             `yaml:"venue"`
	Journal     journal.Config          `yaml:"journal"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Logging:     logging.Config{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 7},
		Telemetry:   telemetry.DefaultConfig(),
		Retry:       RetryConfig{MaxAttempts: 3, Delay: 500 * time.Millisecond},
		Executor:    order.DefaultExecutorConfig(),
		Position:    position.DefaultConfig(),
		Switcher: position.SwitcherConfig{
			Instrument: "EUR/USD",
			Label:      "Switch",
			Amount:     decimal.RequireFromString("0.1"),
		},
		Venue:   VenueConfig{FillSteps: 1},
		Journal: journal.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies ORDERTASK_* overrides and
// validates the result. An empty path falls back to ORDERTASK_CONFIG; a
// missing default file is not an error.
func Load(ctx context.Context, path string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, err
	}
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}
	if err := cfg.loadYAML(path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return AppConfig{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) loadYAML(path string) error {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *AppConfig) loadEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		c.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJournalDSN)); v != "" {
		c.Journal.DSN = v
		c.Journal.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRetryAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryAttempts, err)
		}
		c.Retry.MaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvRetryDelay)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryDelay, err)
		}
		c.Retry.Delay = d
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Executor.Workers = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvCallsPerSecond)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCallsPerSecond, err)
		}
		c.Executor.CallsPerSecond = f
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.Environment = string(c.Environment)
	c.Position.CloseMode = position.CloseMode(normalizeName(string(c.Position.CloseMode)))
	c.Position.CloseScope = position.Scope(normalizeName(string(c.Position.CloseScope)))
	c.Journal.DSN = strings.TrimSpace(c.Journal.DSN)
	if c.Executor.CallsPerSecond > 0 && c.Executor.Burst <= 0 {
		c.Executor.Burst = 1
	}
	if c.Venue.FillSteps <= 0 {
		c.Venue.FillSteps = 1
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry maxAttempts must be >= 0")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must be >= 0")
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor workers must be > 0")
	}
	if c.Executor.Queue < 0 {
		return fmt.Errorf("executor queue must be >= 0")
	}
	if c.Executor.CallsPerSecond < 0 {
		return fmt.Errorf("executor callsPerSecond must be >= 0")
	}
	if strings.TrimSpace(c.Switcher.Instrument) == "" || !c.Switcher.Amount.IsPositive() {
		return fmt.Errorf("switcher requires an instrument and a positive amount")
	}
	if err := c.Position.Validate(); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal dsn required when enabled")
	}
	if c.Journal.MaxConns < 0 || c.Journal.MinConns < 0 {
		return fmt.Errorf("journal connection limits must be >= 0")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
