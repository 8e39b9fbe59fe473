// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"quantgraph/internal/trading/simbroker"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Broker     BrokerConfig     `yaml:"broker"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Version labels exported telemetry; binaries stamp their build version
	Version string `yaml:"version"`
}

// BrokerConfig contains the simulated brokerage parameters
type BrokerConfig struct {
	InitialCapital float64 `yaml:"initial_capital" validate:"gt=0"`
	CommissionRate float64 `yaml:"commission_rate" validate:"min=0,max=0.1"`
	MinCommission  float64 `yaml:"min_commission" validate:"min=0"`
	StampDutyRate  float64 `yaml:"stamp_duty_rate" validate:"min=0,max=0.1"`
	// LotSize rounds planned buys; 1 disables lot rounding
	LotSize int64 `yaml:"lot_size" validate:"min=1"`
	// EnforceBuyLot makes the broker itself reject odd-lot buys
	EnforceBuyLot bool `yaml:"enforce_buy_lot"`
	// MinTradeValue suppresses smaller rebalancing adjustments
	MinTradeValue float64 `yaml:"min_trade_value" validate:"min=0"`
}

// BacktestConfig contains backtest driver settings
type BacktestConfig struct {
	RiskFreeRate       float64 `yaml:"risk_free_rate" validate:"min=0,max=1"`
	TradingDaysPerYear int     `yaml:"trading_days_per_year" validate:"min=1,max=366"`
	Workers            int     `yaml:"workers" validate:"min=1,max=64"`
	QueueSize          int     `yaml:"queue_size" validate:"min=1,max=10000"`
}

// MarketDataConfig selects where snapshots come from
type MarketDataConfig struct {
	Source     string  `yaml:"source" validate:"required,oneof=static synthetic remote"`
	Path       string  `yaml:"path"`
	BaseURL    string  `yaml:"base_url"`
	Token      Secret  `yaml:"token"`
	Timeout    int     `yaml:"timeout_seconds" validate:"min=0,max=300"`
	Seed       int64   `yaml:"seed"`
	Symbols    int     `yaml:"symbols" validate:"min=0,max=5000"`
	Origin     string  `yaml:"origin"`
	Drift      float64 `yaml:"drift"`
	Volatility float64 `yaml:"volatility" validate:"min=0,max=1"`
}

// StorageConfig selects the strategy and run store
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite"`
	Path   string `yaml:"path"`
}

// ServerConfig contains HTTP and WebSocket service settings
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit is requests per second per client IP
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`
	RateBurst int     `yaml:"rate_burst" validate:"min=0"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port" validate:"min=0,max=65535"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Fields missing from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content over DefaultConfig and validates the result
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
					Value:   fe.Value(),
					Message: fmt.Sprintf("must satisfy %s %s", fe.Tag(), fe.Param()),
				})
			}
		} else {
			errs = append(errs, err)
		}
	}

	for _, check := range []func() error{c.validateSystemConfig, c.validateMarketDataConfig, c.validateStorageConfig} {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("configuration validation failed:\n%s", strings.Join(msgs, "\n"))
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateMarketDataConfig() error {
	switch c.MarketData.Source {
	case "static":
		if c.MarketData.Path == "" {
			return ValidationError{
				Field:   "market_data.path",
				Message: "path is required for the static source",
			}
		}
	case "synthetic":
		if c.MarketData.Origin != "" {
			if _, err := time.Parse("2006-01-02", c.MarketData.Origin); err != nil {
				return ValidationError{
					Field:   "market_data.origin",
					Value:   c.MarketData.Origin,
					Message: "must be a YYYY-MM-DD date",
				}
			}
		}
	case "remote":
		if c.MarketData.BaseURL == "" {
			return ValidationError{
				Field:   "market_data.base_url",
				Message: "base_url is required for the remote source",
			}
		}
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return ValidationError{
			Field:   "storage.path",
			Message: "path is required for the sqlite driver",
		}
	}
	return nil
}

// FeeConfig maps the broker section onto the fee model parameters
func (b BrokerConfig) FeeConfig() simbroker.FeeConfig {
	return simbroker.FeeConfig{
		CommissionRate: decimal.NewFromFloat(b.CommissionRate),
		MinCommission:  decimal.NewFromFloat(b.MinCommission),
		StampDutyRate:  decimal.NewFromFloat(b.StampDutyRate),
	}
}

// Capital returns the initial capital as a decimal
func (b BrokerConfig) Capital() decimal.Decimal {
	return decimal.NewFromFloat(b.InitialCapital)
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration that runs on synthetic data with
// an in-memory store
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "quantgraph",
		},
		Broker: BrokerConfig{
			InitialCapital: 1000000,
			CommissionRate: 0.0003,
			MinCommission:  5,
			StampDutyRate:  0.0005,
			LotSize:        100,
		},
		Backtest: BacktestConfig{
			RiskFreeRate:       0.02,
			TradingDaysPerYear: 252,
			Workers:            4,
			QueueSize:          64,
		},
		MarketData: MarketDataConfig{
			Source:     "synthetic",
			Timeout:    10,
			Seed:       42,
			Symbols:    50,
			Origin:     "2023-01-02",
			Volatility: 0.02,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Port:      8080,
			RateLimit: 20,
			RateBurst: 40,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
