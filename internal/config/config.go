// Package config loads pipeline settings from defaults, an optional YAML
// file and GHOST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"ghost_energy/internal/features"
	"ghost_energy/internal/impact"
	"ghost_energy/internal/predictor"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: GHOST_RESIDUAL__K sets residual.k.
const EnvPrefix = "GHOST_"

type Config struct {
	LogLevel  string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=json console"`

	Data     DataConfig     `koanf:"data"`
	Baseline BaselineConfig `koanf:"baseline"`
	Residual ResidualConfig `koanf:"residual"`
	Outlier  OutlierConfig  `koanf:"outlier"`
	Fusion   FusionConfig   `koanf:"fusion"`
	Events   EventsConfig   `koanf:"events"`
	Impact   impact.Config  `koanf:"impact"`
	Server   ServerConfig   `koanf:"server"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Explain  ExplainConfig  `koanf:"explain"`
}

type DataConfig struct {
	Input     string `koanf:"input"`
	OutputDir string `koanf:"output_dir" validate:"required"`
	DBPath    string `koanf:"db_path" validate:"required"`
	// RetainRuns keeps only the newest runs in the database after each
	// publish. Zero keeps every run.
	RetainRuns int `koanf:"retain_runs" validate:"gte=0"`
}

type BaselineConfig struct {
	// EvalStart splits training rows (before) from evaluation rows (at or
	// after). Accepts RFC3339 or YYYY-MM-DD; empty trains on everything.
	EvalStart string                `koanf:"eval_start"`
	ModelPath string                `koanf:"model_path"`
	Seed      uint64                `koanf:"seed"`
	Features  features.Options      `koanf:"features"`
	Train     predictor.TrainConfig `koanf:"train"`
}

type ResidualConfig struct {
	K         float64 `koanf:"k" validate:"gt=0"`
	Partition string  `koanf:"partition" validate:"oneof=sector site"`
}

type OutlierConfig struct {
	Contamination float64 `koanf:"contamination" validate:"gt=0,lt=0.5"`
	Trees         int     `koanf:"trees" validate:"gte=1"`
	SampleSize    int     `koanf:"sample_size" validate:"gte=2"`
	Seed          uint64  `koanf:"seed"`
	// ModelDir holds per-site forests written by train. Sites without a
	// saved forest are fitted on the run's own rows.
	ModelDir string `koanf:"model_dir"`
}

type FusionConfig struct {
	Policy string `koanf:"policy" validate:"oneof=and or n-of-m"`
	N      int    `koanf:"n" validate:"gte=0,lte=2"`
}

type EventsConfig struct {
	GapTolerance time.Duration `koanf:"gap_tolerance" validate:"gt=0"`
	TopN         int           `koanf:"top_n" validate:"gte=1"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

type RedisConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr" validate:"required_if=Enabled true"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db" validate:"gte=0"`
	TTL      time.Duration `koanf:"ttl"`
}

type KafkaConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Brokers      []string `koanf:"brokers" validate:"required_if=Enabled true"`
	EventsTopic  string   `koanf:"events_topic" validate:"required"`
	ExplainTopic string   `koanf:"explain_topic" validate:"required"`
}

type ExplainConfig struct {
	TopN          int     `koanf:"top_n" validate:"gte=0"`
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gt=0"`
	Burst         int     `koanf:"burst" validate:"gte=1"`
	Language      string  `koanf:"language"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Data: DataConfig{
			OutputDir: "results",
			DBPath:    "results/ghost_energy.db",
		},
		Baseline: BaselineConfig{
			Seed:  42,
			Train: predictor.DefaultTrainConfig(),
		},
		Residual: ResidualConfig{K: 2.5, Partition: "sector"},
		Outlier: OutlierConfig{
			Contamination: 0.02,
			Trees:         100,
			SampleSize:    256,
			Seed:          42,
		},
		Fusion: FusionConfig{Policy: "and"},
		Events: EventsConfig{GapTolerance: 3 * time.Hour, TopN: 5},
		Impact: impact.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Redis: RedisConfig{Addr: "localhost:6379", TTL: 5 * time.Minute},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			EventsTopic:  "ghost-energy.events",
			ExplainTopic: "ghost-energy.explain-requests",
		},
		Explain: ExplainConfig{TopN: 5, RatePerSecond: 1, Burst: 1, Language: "Spanish (Colombia)"},
	}
}

// Load merges defaults, the YAML file at path (skipped when empty) and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Baseline.EvalStartTime(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Fusion.Policy == "n-of-m" && c.Fusion.N < 1 {
		return errors.New("invalid config: fusion.n must be at least 1 for n-of-m")
	}
	return nil
}

// EvalStartTime parses EvalStart. The zero time means no split.
func (b BaselineConfig) EvalStartTime() (time.Time, error) {
	if b.EvalStart == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, b.EvalStart); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("baseline.eval_start %q: want RFC3339 or YYYY-MM-DD", b.EvalStart)
}
