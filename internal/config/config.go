// Package config loads the Kestrel configuration from the environment and an
// optional detector threshold file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prefix is the environment variable prefix, e.g. KESTREL_SERVER_PORT.
const Prefix = "KESTREL"

// Load builds the configuration in three layers: tier defaults selected by
// KESTREL_TIER, then the YAML analysis file named by KESTREL_ANALYSIS_FILE,
// then individual environment variables.
func Load() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if domain.Tier(os.Getenv(Prefix+"_TIER")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv(Prefix + "_ANALYSIS_FILE"); path != "" {
		if err := LoadAnalysisFile(path, &cfg.Analysis); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if os.Getenv(Prefix+"_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadAnalysisFile overlays detector settings from a YAML file. Keys absent
// from the file keep their current value.
func LoadAnalysisFile(path string, into *domain.AnalysisConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read analysis file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, into); err != nil {
		return fmt.Errorf("failed to parse analysis file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings that would otherwise fail late or silently.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", cfg.Server.Port))
	}
	if !slices.Contains([]string{"sqlite", "postgres"}, cfg.Repository.Driver) {
		errs = append(errs, fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver))
	}
	if cfg.Persist.ChunkSize > 100 {
		errs = append(errs, fmt.Errorf("persist chunk size %d exceeds 100", cfg.Persist.ChunkSize))
	}

	a := cfg.Analysis
	if len(a.SplittingThresholds) == 0 {
		errs = append(errs, errors.New("at least one splitting threshold is required"))
	}
	for _, th := range a.SplittingThresholds {
		if th <= 0 {
			errs = append(errs, fmt.Errorf("splitting threshold must be positive: %g", th))
		}
	}
	if a.TimeWindowDays < 1 {
		errs = append(errs, fmt.Errorf("time window must be at least one day: %d", a.TimeWindowDays))
	}
	if a.MediumRiskGapSize < 1 || a.MediumRiskGapSize > a.HighRiskGapSize {
		errs = append(errs, fmt.Errorf("gap sizes must satisfy 1 <= medium (%d) <= high (%d)", a.MediumRiskGapSize, a.HighRiskGapSize))
	}
	if a.IsolationPercentile <= 0 || a.IsolationPercentile > 100 {
		errs = append(errs, fmt.Errorf("isolation percentile out of range: %g", a.IsolationPercentile))
	}
	if !(a.IsolationLowScore <= a.IsolationMediumScore && a.IsolationMediumScore <= a.IsolationHighScore && a.IsolationHighScore <= 1) {
		errs = append(errs, errors.New("isolation score bands must satisfy low <= medium <= high <= 1"))
	}
	if a.IsolationTrees < 1 || a.IsolationSampleSize < 2 {
		errs = append(errs, errors.New("isolation forest needs at least one tree and a sample size of 2"))
	}
	if a.BusinessHourStart < 0 || a.BusinessHourEnd > 24 || a.BusinessHourStart >= a.BusinessHourEnd {
		errs = append(errs, fmt.Errorf("invalid business hours: %d-%d", a.BusinessHourStart, a.BusinessHourEnd))
	}

	return errors.Join(errs...)
}

// LogLevel maps the configured level name to a slog level. Unknown names
// fall back to info.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
