// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Match attribution policies. Whether a match's quantity should be
// apportioned across period buckets proportionally or attributed wholly
// to the purchase contract's own period is a business decision; only the
// purchase-period policy is currently supported.
const AttributionPurchasePeriod = "purchase-period"

// Config is the top-level configuration for the reconciliation engine.
type Config struct {
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Engine  Engine  `yaml:"engine"`
}

// Server holds network listener configuration.
type Server struct {
	Port int `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Engine holds reconciliation parameters.
type Engine struct {
	// MaxRetries bounds optimistic-concurrency retries before a
	// conflict surfaces to the caller.
	MaxRetries int `yaml:"max_retries"`

	// EffectivenessThreshold is the default cutoff (percent) for the
	// below-threshold hedge report.
	EffectivenessThreshold float64 `yaml:"effectiveness_threshold"`

	// MatchAttribution selects how match quantities are attributed to
	// period buckets. Only "purchase-period" is supported.
	MatchAttribution string `yaml:"match_attribution"`

	// FloorCapExposure, when true, floors adjustedNetExposure at zero
	// when hedge coverage exceeds the physical net position. Off by
	// default to preserve the unbounded historical behaviour.
	FloorCapExposure bool `yaml:"floor_cap_exposure"`

	// AggregationWorkers is the number of goroutines computing buckets
	// in parallel.
	AggregationWorkers int `yaml:"aggregation_workers"`
}

// Threshold returns the effectiveness threshold as a decimal percent.
func (e Engine) Threshold() decimal.Decimal {
	return decimal.NewFromFloat(e.EffectivenessThreshold)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  Server{Port: 8080},
		Logging: Logging{Level: "info"},
		Engine: Engine{
			MaxRetries:             5,
			EffectivenessThreshold: 80,
			MatchAttribution:       AttributionPurchasePeriod,
			FloorCapExposure:       false,
			AggregationWorkers:     4,
		},
	}
}

// Load reads the YAML configuration file at the given path, parses it
// over the defaults, applies environment overrides, and validates.
// An empty path returns defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be >= 1, got %d", c.Engine.MaxRetries)
	}
	if c.Engine.AggregationWorkers < 1 {
		return fmt.Errorf("engine.aggregation_workers must be >= 1, got %d", c.Engine.AggregationWorkers)
	}
	if c.Engine.MatchAttribution != AttributionPurchasePeriod {
		return fmt.Errorf("engine.match_attribution %q is not supported", c.Engine.MatchAttribution)
	}
	if c.Engine.EffectivenessThreshold < 0 || c.Engine.EffectivenessThreshold > 100 {
		return fmt.Errorf("engine.effectiveness_threshold must be in [0,100], got %v",
			c.Engine.EffectivenessThreshold)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RECON_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRetries = n
		}
	}
	if v := os.Getenv("RECON_EFFECTIVENESS_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.EffectivenessThreshold = t
		}
	}
}
