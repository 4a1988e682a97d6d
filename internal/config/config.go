// Package config provides configuration loading for the signalpipe tools.
// Values are resolved in priority order: environment variables override the
// JSON config file, which overrides built-in defaults. Each tool reads its
// own section; the logging section is shared.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AppConfig is the complete configuration surface across all three tools.
type AppConfig struct {
	Processor ProcessorConfig `json:"processor"`
	Chart     ChartConfig     `json:"chart"`
	Symbols   SymbolsConfig   `json:"symbols"`
	Logging   LoggingConfig   `json:"logging"`
}

// ProcessorConfig configures the backfill+tail pipeline.
type ProcessorConfig struct {
	Store                string `json:"store" env:"PIPE_STORE"`                         // "mongo" or "memory"
	ConnectionString     string `json:"connection_string" env:"PIPE_CONNECTION_STRING"` // store connection string
	Database             string `json:"database" env:"PIPE_DATABASE"`                   // database name
	SourceCollection     string `json:"source_collection" env:"PIPE_SOURCE_COLLECTION"` // collection to copy from
	TargetCollection     string `json:"target_collection" env:"PIPE_TARGET_COLLECTION"` // collection to copy into
	CheckpointCollection string `json:"checkpoint_collection" env:"PIPE_CHECKPOINT_COLLECTION"`
	BatchSize            int    `json:"batch_size" env:"PIPE_BATCH_SIZE"`         // backfill batch size
	NormalizeLive        bool   `json:"normalize_live" env:"PIPE_NORMALIZE_LIVE"` // normalize the live path too
	Checkpoint           bool   `json:"checkpoint" env:"PIPE_CHECKPOINT"`         // persist resume markers
}

// ChartConfig configures the chart tool.
type ChartConfig struct {
	Symbol    string `json:"symbol" env:"CHART_SYMBOL"`
	Exchange  string `json:"exchange" env:"CHART_EXCHANGE"`
	Timeframe string `json:"timeframe" env:"CHART_TIMEFRAME"` // "day", "hour", "minute"
	StartDate string `json:"start_date" env:"CHART_START_DATE"`
	EndDate   string `json:"end_date" env:"CHART_END_DATE"`
	NewsFile  string `json:"news_file" env:"CHART_NEWS_FILE"`
	OutputDir string `json:"output_dir" env:"CHART_OUTPUT_DIR"`
	BarsURL   string `json:"bars_url" env:"CHART_BARS_URL"` // bar-data provider base URL
}

// SymbolsConfig configures the symbol-resolution tool.
type SymbolsConfig struct {
	MarketsURL   string   `json:"markets_url" env:"SYMBOLS_MARKETS_URL"`
	Proxies      []string `json:"proxies" env:"SYMBOLS_PROXIES"` // rotated per request
	Workers      int      `json:"workers" env:"SYMBOLS_WORKERS"`
	MaxRetries   int      `json:"max_retries" env:"SYMBOLS_MAX_RETRIES"`
	PageSize     int      `json:"page_size" env:"SYMBOLS_PAGE_SIZE"`
	DatabasePath string   `json:"database_path" env:"SYMBOLS_DATABASE_PATH"` // DuckDB file
	SymbolsFile  string   `json:"symbols_file" env:"SYMBOLS_FILE"`           // exchange symbol listing CSV
}

// LoggingConfig configures structured logging for every tool.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Default returns the built-in defaults.
func Default() *AppConfig {
	return &AppConfig{
		Processor: ProcessorConfig{
			Store:                "mongo",
			Database:             "galpha",
			SourceCollection:     "signals_v2",
			TargetCollection:     "signals_v2_stats",
			CheckpointCollection: "pipeline_checkpoints",
			BatchSize:            500,
			NormalizeLive:        true,
			Checkpoint:           true,
		},
		Chart: ChartConfig{
			Timeframe: "hour",
			OutputDir: ".",
			BarsURL:   "https://api.exchange.coinbase.com",
		},
		Symbols: SymbolsConfig{
			MarketsURL:   "https://http-api.livecoinwatch.com/markets",
			Workers:      4,
			MaxRetries:   3,
			PageSize:     30,
			DatabasePath: "markets.duckdb",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load resolves the configuration: defaults, then the JSON file at path (a
// missing or empty path skips the file), then environment overrides, then
// validation.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *AppConfig) {
	setString := func(dst *string, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(dst *int, key string) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val == "true" || val == "1"
		}
	}

	setString(&cfg.Processor.Store, "PIPE_STORE")
	setString(&cfg.Processor.ConnectionString, "PIPE_CONNECTION_STRING")
	setString(&cfg.Processor.Database, "PIPE_DATABASE")
	setString(&cfg.Processor.SourceCollection, "PIPE_SOURCE_COLLECTION")
	setString(&cfg.Processor.TargetCollection, "PIPE_TARGET_COLLECTION")
	setString(&cfg.Processor.CheckpointCollection, "PIPE_CHECKPOINT_COLLECTION")
	setInt(&cfg.Processor.BatchSize, "PIPE_BATCH_SIZE")
	setBool(&cfg.Processor.NormalizeLive, "PIPE_NORMALIZE_LIVE")
	setBool(&cfg.Processor.Checkpoint, "PIPE_CHECKPOINT")

	setString(&cfg.Chart.Symbol, "CHART_SYMBOL")
	setString(&cfg.Chart.Exchange, "CHART_EXCHANGE")
	setString(&cfg.Chart.Timeframe, "CHART_TIMEFRAME")
	setString(&cfg.Chart.StartDate, "CHART_START_DATE")
	setString(&cfg.Chart.EndDate, "CHART_END_DATE")
	setString(&cfg.Chart.NewsFile, "CHART_NEWS_FILE")
	setString(&cfg.Chart.OutputDir, "CHART_OUTPUT_DIR")
	setString(&cfg.Chart.BarsURL, "CHART_BARS_URL")

	setString(&cfg.Symbols.MarketsURL, "SYMBOLS_MARKETS_URL")
	if val := os.Getenv("SYMBOLS_PROXIES"); val != "" {
		cfg.Symbols.Proxies = strings.Split(val, ",")
	}
	setInt(&cfg.Symbols.Workers, "SYMBOLS_WORKERS")
	setInt(&cfg.Symbols.MaxRetries, "SYMBOLS_MAX_RETRIES")
	setInt(&cfg.Symbols.PageSize, "SYMBOLS_PAGE_SIZE")
	setString(&cfg.Symbols.DatabasePath, "SYMBOLS_DATABASE_PATH")
	setString(&cfg.Symbols.SymbolsFile, "SYMBOLS_FILE")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")
	setString(&cfg.Logging.FilePath, "LOG_FILE_PATH")
	setInt(&cfg.Logging.MaxSize, "LOG_MAX_SIZE")
	setInt(&cfg.Logging.MaxBackups, "LOG_MAX_BACKUPS")
	setInt(&cfg.Logging.MaxAge, "LOG_MAX_AGE")
	setBool(&cfg.Logging.Compress, "LOG_COMPRESS")
}

// Validate checks the configuration for consistency and required fields.
func (c *AppConfig) Validate() error {
	var problems []string

	switch c.Processor.Store {
	case "mongo":
		if c.Processor.ConnectionString == "" {
			problems = append(problems, "processor.connection_string is required for the mongo store")
		}
	case "memory":
		// No connection settings needed.
	default:
		problems = append(problems, fmt.Sprintf("processor.store must be mongo or memory, got %q", c.Processor.Store))
	}
	if c.Processor.Database == "" {
		problems = append(problems, "processor.database is required")
	}
	if c.Processor.SourceCollection == "" {
		problems = append(problems, "processor.source_collection is required")
	}
	if c.Processor.TargetCollection == "" {
		problems = append(problems, "processor.target_collection is required")
	}
	if c.Processor.SourceCollection != "" && c.Processor.SourceCollection == c.Processor.TargetCollection {
		problems = append(problems, "processor.source_collection and target_collection must differ")
	}
	if c.Processor.BatchSize <= 0 {
		problems = append(problems, "processor.batch_size must be greater than 0")
	}

	switch c.Chart.Timeframe {
	case "day", "hour", "minute":
	default:
		problems = append(problems, fmt.Sprintf("chart.timeframe must be day, hour or minute, got %q", c.Chart.Timeframe))
	}

	if c.Symbols.Workers <= 0 {
		problems = append(problems, "symbols.workers must be greater than 0")
	}
	if c.Symbols.PageSize <= 0 {
		problems = append(problems, "symbols.page_size must be greater than 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		problems = append(problems, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		problems = append(problems, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		problems = append(problems, "logging.file_path is required when logging.output is file")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}
