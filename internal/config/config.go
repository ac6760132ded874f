// Package config defines the application configuration: typed sub-configs
// for every component, defaults, JSON or YAML file loading, and environment
// overrides. Thresholds live here rather than as package constants so a
// deployment can tighten or relax them without a rebuild.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sjtrading/marketdata-ingest/internal/cleaner"
	"github.com/sjtrading/marketdata-ingest/internal/fetcher"
	"github.com/sjtrading/marketdata-ingest/internal/quality"
	"github.com/sjtrading/marketdata-ingest/internal/validator"
)

// AppConfig is the root configuration.
type AppConfig struct {
	AppName   string          `json:"app_name" yaml:"app_name"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Validator ValidatorConfig `json:"validator" yaml:"validator"`
	Cleaner   CleanerConfig   `json:"cleaner" yaml:"cleaner"`
	Quality   QualityConfig   `json:"quality" yaml:"quality"`
	Fetcher   FetcherConfig   `json:"fetcher" yaml:"fetcher"`
	Sources   SourcesConfig   `json:"sources" yaml:"sources"`
	Warehouse WarehouseConfig `json:"warehouse" yaml:"warehouse"`
}

// LoggingConfig controls the slog handler and optional file rotation.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"` // json or text
	Output     string `json:"output" yaml:"output"` // stdout, stderr, or file
	FilePath   string `json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// ValidatorConfig carries the validation thresholds in plain scalar form.
type ValidatorConfig struct {
	MinPrice             float64 `json:"min_price" yaml:"min_price"`
	MaxPrice             float64 `json:"max_price" yaml:"max_price"`
	MaxDailyChange       float64 `json:"max_daily_change" yaml:"max_daily_change"`
	VolumeSpikeMultiple  float64 `json:"volume_spike_multiple" yaml:"volume_spike_multiple"`
	VolumeSpikeMinRows   int     `json:"volume_spike_min_rows" yaml:"volume_spike_min_rows"`
	MissingErrorFraction float64 `json:"missing_error_fraction" yaml:"missing_error_fraction"`
	MaxGapDays           int     `json:"max_gap_days" yaml:"max_gap_days"`
	SessionOpen          string  `json:"session_open" yaml:"session_open"`   // HH:MM
	SessionClose         string  `json:"session_close" yaml:"session_close"` // HH:MM
	CrossTolerance       float64 `json:"cross_tolerance" yaml:"cross_tolerance"`
	VolumeTolerance      float64 `json:"volume_tolerance" yaml:"volume_tolerance"`
	StrictMode           bool    `json:"strict_mode" yaml:"strict_mode"`
}

// CleanerConfig carries the cleaning parameters.
type CleanerConfig struct {
	MinimumPrice       float64 `json:"minimum_price" yaml:"minimum_price"`
	IQRMultiplier      float64 `json:"iqr_multiplier" yaml:"iqr_multiplier"`
	ZScoreThreshold    float64 `json:"zscore_threshold" yaml:"zscore_threshold"`
	LowerQuantile      float64 `json:"lower_quantile" yaml:"lower_quantile"`
	UpperQuantile      float64 `json:"upper_quantile" yaml:"upper_quantile"`
	VolumeMedianWindow int     `json:"volume_median_window" yaml:"volume_median_window"`
	SplineMinPoints    int     `json:"spline_min_points" yaml:"spline_min_points"`
}

// QualityConfig carries the grading boundaries.
type QualityConfig struct {
	PoorErrors   int `json:"poor_errors" yaml:"poor_errors"`
	FairWarnings int `json:"fair_warnings" yaml:"fair_warnings"`
}

// FetcherConfig carries the source-selection settings.
type FetcherConfig struct {
	Strategy        string `json:"strategy" yaml:"strategy"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	ImputeMissing   bool   `json:"impute_missing" yaml:"impute_missing"`
}

// SourceConfig configures one provider adapter.
type SourceConfig struct {
	BaseURL      string  `json:"base_url" yaml:"base_url"`
	RateLimit    float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst    int     `json:"rate_burst" yaml:"rate_burst"`
	SecretPrefix string  `json:"secret_prefix" yaml:"secret_prefix"`
	SymbolSuffix string  `json:"symbol_suffix" yaml:"symbol_suffix"`
}

// SourcesConfig configures both adapters.
type SourcesConfig struct {
	Brokerage SourceConfig `json:"brokerage" yaml:"brokerage"`
	Public    SourceConfig `json:"public" yaml:"public"`
}

// WarehouseConfig selects and configures the sink.
type WarehouseConfig struct {
	Type        string `json:"type" yaml:"type"` // memory, duckdb, or parquet
	Path        string `json:"path" yaml:"path"`
	Destination string `json:"destination" yaml:"destination"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "marketdata-ingest",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Validator: ValidatorConfig{
			MinPrice:             0.01,
			MaxPrice:             100000,
			MaxDailyChange:       0.20,
			VolumeSpikeMultiple:  100,
			VolumeSpikeMinRows:   10,
			MissingErrorFraction: 0.10,
			MaxGapDays:           5,
			SessionOpen:          "09:15",
			SessionClose:         "15:30",
			CrossTolerance:       0.05,
			VolumeTolerance:      0.20,
		},
		Cleaner: CleanerConfig{
			MinimumPrice:       0.01,
			IQRMultiplier:      1.5,
			ZScoreThreshold:    3.0,
			LowerQuantile:      0.01,
			UpperQuantile:      0.99,
			VolumeMedianWindow: 10,
			SplineMinPoints:    4,
		},
		Quality: QualityConfig{PoorErrors: 2, FairWarnings: 5},
		Fetcher: FetcherConfig{
			Strategy:        string(fetcher.BrokeragePreferred),
			CacheTTLSeconds: 300,
			ImputeMissing:   true,
		},
		Sources: SourcesConfig{
			Brokerage: SourceConfig{RateLimit: 3, RateBurst: 3, SecretPrefix: "BROKERAGE"},
			Public:    SourceConfig{RateLimit: 2, RateBurst: 2, SymbolSuffix: ".NS"},
		},
		Warehouse: WarehouseConfig{
			Type:        "memory",
			Destination: "ohlcv_daily",
		},
	}
}

// Load builds the configuration from defaults, an optional JSON or YAML file
// (chosen by extension), and environment overrides, then validates it.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("INGEST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INGEST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("INGEST_STRATEGY"); v != "" {
		cfg.Fetcher.Strategy = v
	}
	if v := os.Getenv("INGEST_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetcher.CacheTTLSeconds = n
		}
	}
	if v := os.Getenv("INGEST_STRICT_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Validator.StrictMode = b
		}
	}
	if v := os.Getenv("INGEST_WAREHOUSE_TYPE"); v != "" {
		cfg.Warehouse.Type = v
	}
	if v := os.Getenv("INGEST_WAREHOUSE_PATH"); v != "" {
		cfg.Warehouse.Path = v
	}
	if v := os.Getenv("INGEST_BROKERAGE_BASE_URL"); v != "" {
		cfg.Sources.Brokerage.BaseURL = v
	}
	if v := os.Getenv("INGEST_PUBLIC_BASE_URL"); v != "" {
		cfg.Sources.Public.BaseURL = v
	}
}

// Validate rejects configurations that no component could run with.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("config: file logging requires file_path")
	}
	if _, err := fetcher.ParseStrategy(c.Fetcher.Strategy); err != nil {
		return err
	}
	if c.Fetcher.CacheTTLSeconds < 0 {
		return fmt.Errorf("config: cache TTL must be non-negative")
	}
	if c.Validator.MinPrice < 0 || c.Validator.MaxPrice <= c.Validator.MinPrice {
		return fmt.Errorf("config: invalid price bounds [%v, %v]", c.Validator.MinPrice, c.Validator.MaxPrice)
	}
	if _, err := parseSessionMinutes(c.Validator.SessionOpen); err != nil {
		return err
	}
	if _, err := parseSessionMinutes(c.Validator.SessionClose); err != nil {
		return err
	}
	if c.Cleaner.LowerQuantile < 0 || c.Cleaner.UpperQuantile > 1 ||
		c.Cleaner.LowerQuantile >= c.Cleaner.UpperQuantile {
		return fmt.Errorf("config: invalid quantile bounds [%v, %v]",
			c.Cleaner.LowerQuantile, c.Cleaner.UpperQuantile)
	}
	switch strings.ToLower(c.Warehouse.Type) {
	case "memory":
	case "duckdb", "parquet":
		if c.Warehouse.Path == "" {
			return fmt.Errorf("config: %s warehouse requires a path", c.Warehouse.Type)
		}
	default:
		return fmt.Errorf("config: unknown warehouse type %q", c.Warehouse.Type)
	}
	return nil
}

func parseSessionMinutes(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("config: invalid session time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("config: invalid session hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("config: invalid session minute in %q", s)
	}
	return h*60 + m, nil
}

// ValidatorSettings converts the scalar form into the validator's typed
// config. Call after Validate; malformed session times fall back to defaults.
func (c *AppConfig) ValidatorSettings() validator.Config {
	out := validator.DefaultConfig()
	out.MinPrice = decimal.NewFromFloat(c.Validator.MinPrice)
	out.MaxPrice = decimal.NewFromFloat(c.Validator.MaxPrice)
	out.MaxDailyChange = decimal.NewFromFloat(c.Validator.MaxDailyChange)
	out.VolumeSpikeMultiple = c.Validator.VolumeSpikeMultiple
	out.VolumeSpikeMinRows = c.Validator.VolumeSpikeMinRows
	out.MissingErrorFraction = c.Validator.MissingErrorFraction
	out.MaxGapDays = c.Validator.MaxGapDays
	if m, err := parseSessionMinutes(c.Validator.SessionOpen); err == nil {
		out.SessionOpen = m
	}
	if m, err := parseSessionMinutes(c.Validator.SessionClose); err == nil {
		out.SessionClose = m
	}
	out.CrossTolerance = c.Validator.CrossTolerance
	out.VolumeTolerance = c.Validator.VolumeTolerance
	out.StrictMode = c.Validator.StrictMode
	return out
}

// CleanerSettings converts the scalar form into the cleaner's typed config.
func (c *AppConfig) CleanerSettings() cleaner.Config {
	return cleaner.Config{
		MinimumPrice:       decimal.NewFromFloat(c.Cleaner.MinimumPrice),
		IQRMultiplier:      c.Cleaner.IQRMultiplier,
		ZScoreThreshold:    c.Cleaner.ZScoreThreshold,
		LowerQuantile:      c.Cleaner.LowerQuantile,
		UpperQuantile:      c.Cleaner.UpperQuantile,
		VolumeMedianWindow: c.Cleaner.VolumeMedianWindow,
		SplineMinPoints:    c.Cleaner.SplineMinPoints,
	}
}

// QualitySettings converts the grading boundaries.
func (c *AppConfig) QualitySettings() quality.Thresholds {
	return quality.Thresholds{
		PoorErrors:   c.Quality.PoorErrors,
		FairWarnings: c.Quality.FairWarnings,
	}
}

// FetcherSettings converts the fetcher configuration.
func (c *AppConfig) FetcherSettings() (fetcher.Config, error) {
	strategy, err := fetcher.ParseStrategy(c.Fetcher.Strategy)
	if err != nil {
		return fetcher.Config{}, err
	}
	return fetcher.Config{
		Strategy:      strategy,
		CacheTTL:      time.Duration(c.Fetcher.CacheTTLSeconds) * time.Second,
		ImputeMissing: c.Fetcher.ImputeMissing,
	}, nil
}
