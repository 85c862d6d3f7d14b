package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/lazypower/engram/internal/engine"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "ENGRAM_"

// Config holds all engram configuration. Values start from Default and are
// overridden by ENGRAM_* environment variables.
type Config struct {
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	Scoring   ScoringConfig   `envPrefix:"SCORING_"`
	Retrieval RetrievalConfig `envPrefix:"RETRIEVAL_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

type ServerConfig struct {
	Bind string `env:"BIND"`
	Port int    `env:"PORT"`
}

type DatabaseConfig struct {
	Path string `env:"PATH"`
}

type ScoringConfig struct {
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"`
	SweepIdleDays     int64         `env:"SWEEP_IDLE_DAYS"`
	SweepConcurrency  int           `env:"SWEEP_CONCURRENCY"`
	TemporalRefresh   time.Duration `env:"TEMPORAL_REFRESH"`
	MinLinkConfidence float64       `env:"MIN_LINK_CONFIDENCE"`
}

type RetrievalConfig struct {
	ExpansionDepth   int           `env:"EXPANSION_DEPTH"`
	ExpansionTimeout time.Duration `env:"EXPANSION_TIMEOUT"`
	SimilarityFloor  float64       `env:"SIMILARITY_FLOOR"`
	MaxResults       int           `env:"MAX_RESULTS"`
	TypeWeight       float64       `env:"TYPE_WEIGHT"`
	ConfidenceWeight float64       `env:"CONFIDENCE_WEIGHT"`
	ImportanceWeight float64       `env:"IMPORTANCE_WEIGHT"`
}

type LogConfig struct {
	Debug bool `env:"DEBUG"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	opts := engine.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Scoring: ScoringConfig{
			SweepInterval:     opts.SweepInterval,
			SweepIdleDays:     opts.SweepIdleDays,
			SweepConcurrency:  opts.SweepConcurrency,
			TemporalRefresh:   opts.TemporalRefresh,
			MinLinkConfidence: opts.MinLinkConfidence,
		},
		Retrieval: RetrievalConfig{
			ExpansionDepth:   opts.ExpansionDepth,
			ExpansionTimeout: opts.ExpansionTimeout,
			SimilarityFloor:  opts.SimilarityFloor,
			MaxResults:       opts.MaxResults,
			TypeWeight:       opts.Weights.Type,
			ConfidenceWeight: opts.Weights.Confidence,
			ImportanceWeight: opts.Weights.Importance,
		},
	}
}

// Load reads envFile into the process environment if it exists, then
// applies ENGRAM_* overrides to the defaults. Variables already set in the
// environment win over the file. An empty envFile means ".env".
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Scoring.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive"))
	}
	if c.Scoring.SweepIdleDays < 0 {
		errs = append(errs, fmt.Errorf("sweep idle days must not be negative"))
	}
	if c.Scoring.MinLinkConfidence < 0 || c.Scoring.MinLinkConfidence > 1 {
		errs = append(errs, fmt.Errorf("min link confidence %.2f outside [0,1]", c.Scoring.MinLinkConfidence))
	}
	if c.Retrieval.SimilarityFloor < 0 || c.Retrieval.SimilarityFloor > 1 {
		errs = append(errs, fmt.Errorf("similarity floor %.2f outside [0,1]", c.Retrieval.SimilarityFloor))
	}
	if c.Retrieval.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("max results must be positive"))
	}
	if c.Retrieval.TypeWeight < 0 || c.Retrieval.ConfidenceWeight < 0 || c.Retrieval.ImportanceWeight < 0 {
		errs = append(errs, fmt.Errorf("rank weights must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// EngineOptions maps the scoring and retrieval sections onto engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		SweepInterval:     c.Scoring.SweepInterval,
		SweepIdleDays:     c.Scoring.SweepIdleDays,
		SweepConcurrency:  c.Scoring.SweepConcurrency,
		TemporalRefresh:   c.Scoring.TemporalRefresh,
		MinLinkConfidence: c.Scoring.MinLinkConfidence,
		ExpansionDepth:    c.Retrieval.ExpansionDepth,
		ExpansionTimeout:  c.Retrieval.ExpansionTimeout,
		SimilarityFloor:   c.Retrieval.SimilarityFloor,
		MaxResults:        c.Retrieval.MaxResults,
		Weights: engine.RankWeights{
			Type:       c.Retrieval.TypeWeight,
			Confidence: c.Retrieval.ConfidenceWeight,
			Importance: c.Retrieval.ImportanceWeight,
		},
	}
}
